// Package pipe is the front-end transport: a SOCK_SEQPACKET socket that hands out one client per
// accepted listener instance and keeps the boundaries of every message.
package pipe

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/ringo-is-a-color/seqproxy/util/errors"
	"github.com/ringo-is-a-color/seqproxy/util/log"
	"github.com/ringo-is-a-color/seqproxy/util/netutil"
)

var (
	ErrAlreadyArmed  = errors.New("a listener instance is already waiting for a client")
	ErrExitSignaled  = errors.New("exit signaled while waiting for a client")
	ErrAcceptRevoked = errors.New("the listener instance was cancelled")

	// any time in the past aborts a blocking call at once
	cancelDeadline = time.Unix(1, 0)
)

type Listener struct {
	logger *log.Logger
	ln     *net.UnixListener
	armed  atomic.Bool
}

func Listen(logger *log.Logger, path string) (*Listener, error) {
	logger.Trace("creating pipe server", "path", path)
	ln, err := netutil.ListenUnixPacket(path)
	if err != nil {
		return nil, err
	}
	return &Listener{logger: logger, ln: ln}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

type acceptResult struct {
	conn *net.UnixConn
	err  error
}

// PendingAccept is one armed listener instance. It belongs to the goroutine that armed it.
type PendingAccept struct {
	l        *Listener
	result   chan acceptResult
	resolved bool
}

// Arm starts waiting for the next client in the background. Only one instance can be armed at a
// time; it is released by Wait or Cancel.
func (l *Listener) Arm() (*PendingAccept, error) {
	if !l.armed.CompareAndSwap(false, true) {
		return nil, ErrAlreadyArmed
	}
	// clear the kick of a cancelled instance
	err := l.ln.SetDeadline(time.Time{})
	if err != nil {
		l.armed.Store(false)
		return nil, errors.WithStack(err)
	}

	l.logger.Trace("starting asynchronous wait for a pipe client")
	p := &PendingAccept{l: l, result: make(chan acceptResult, 1)}
	go func() {
		conn, err := l.ln.AcceptUnix()
		p.result <- acceptResult{conn, err}
	}()
	return p, nil
}

// Wait blocks until a client connects or ctx is done. ErrExitSignaled is returned in the latter
// case, after the instance has been cancelled.
func (p *PendingAccept) Wait(ctx context.Context) (*Conn, error) {
	if p.resolved {
		return nil, ErrAcceptRevoked
	}
	select {
	case r := <-p.result:
		p.resolve()
		if r.err != nil {
			return nil, errors.WithStack(r.err)
		}
		p.l.logger.Debug("pipe client connected")
		return newConn(p.l.logger, r.conn)
	case <-ctx.Done():
		p.l.logger.Trace("received exit signal while waiting for a pipe client")
		p.Cancel()
		return nil, ErrExitSignaled
	}
}

// Cancel aborts the accept and closes a client that raced with it.
func (p *PendingAccept) Cancel() {
	if p.resolved {
		return
	}
	_ = p.l.ln.SetDeadline(cancelDeadline)
	r := <-p.result
	if r.conn != nil {
		_ = r.conn.Close()
	}
	p.resolve()
}

func (p *PendingAccept) resolve() {
	p.resolved = true
	p.l.armed.Store(false)
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	l.logger.Trace("closing pipe server")
	return netutil.CloseUnixPacket(l.ln)
}
