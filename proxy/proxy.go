// Package proxy accepts front-end clients and relays each of them to its own back-end connection.
package proxy

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/ringo-is-a-color/seqproxy/metrics"
	"github.com/ringo-is-a-color/seqproxy/transport/pipe"
	"github.com/ringo-is-a-color/seqproxy/transport/socket"
	"github.com/ringo-is-a-color/seqproxy/util/errors"
	"github.com/ringo-is-a-color/seqproxy/util/ioutil"
	"github.com/ringo-is-a-color/seqproxy/util/log"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxMessageSize bounds one message read from the back-end, so that it always fits one
// front-end record.
const DefaultMaxMessageSize = 64 * 1024

var ErrAlreadyRunning = errors.New("proxy is already running")

type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

type Config struct {
	FrontendPath      string
	Backend           *socket.Address
	InitialBufferSize int
	MaxMessageSize    int
	// StateChangeCallback runs on the accept loop goroutine and must return quickly.
	StateChangeCallback func(p *Proxy, prev, next State)
	// ListenSuccessCallback runs once the front-end socket is bound.
	ListenSuccessCallback func(addr net.Addr)
	Metrics               *metrics.Metrics
}

type Proxy struct {
	logger   *log.Logger
	config   Config
	metrics  *metrics.Metrics
	registry *Registry

	state   atomic.Int32
	running atomic.Bool
	served  atomic.Bool
}

func New(logger *log.Logger, config *Config) (*Proxy, error) {
	if config.FrontendPath == "" {
		return nil, errors.New("no front-end path")
	}
	if config.Backend == nil {
		return nil, errors.New("no back-end address")
	}
	c := *config
	if c.InitialBufferSize <= 0 {
		c.InitialBufferSize = ioutil.DefaultBufSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.MaxMessageSize < c.InitialBufferSize {
		return nil, errors.Newf("max message size %v is smaller than the initial buffer size %v",
			c.MaxMessageSize, c.InitialBufferSize)
	}
	if logger == nil {
		logger = &log.Logger{}
	}
	logger.Trace("created proxy", "frontend", c.FrontendPath, "backend", c.Backend)
	return &Proxy{logger: logger, config: c, metrics: c.Metrics, registry: NewRegistry()}, nil
}

func (p *Proxy) State() State {
	return State(p.state.Load())
}

// Connections is the number of live connections.
func (p *Proxy) Connections() int {
	return p.registry.Len()
}

// EnterLoop serves clients until ctx is done, then closes every connection and returns.
// It returns an error only when accepting clients could not start or continue.
// A proxy runs its loop once.
func (p *Proxy) EnterLoop(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Error("proxy is already running")
		return ErrAlreadyRunning
	}
	p.setState(StateStarting)
	err := p.acceptLoop(ctx)
	p.shutdown()
	return err
}

func (p *Proxy) acceptLoop(ctx context.Context) error {
	ln, err := pipe.Listen(p.logger, p.config.FrontendPath)
	if err != nil {
		p.logger.CriticalWithError("fail to create the pipe server", err)
		return err
	}
	defer func() {
		err := ln.Close()
		if err != nil {
			p.logger.Warn("fail to close the pipe server", "err", err)
		}
	}()
	p.logger.Info("listening", "path", p.config.FrontendPath, "backend", p.config.Backend)
	if p.config.ListenSuccessCallback != nil {
		p.config.ListenSuccessCallback(ln.Addr())
	}

	pending, err := ln.Arm()
	if err != nil {
		p.logger.CriticalWithError("fail to wait for a pipe client", err)
		return err
	}
	for {
		conn, err := pending.Wait(ctx)
		if errors.Is(err, pipe.ErrExitSignaled) {
			p.logger.Debug("exit signaled")
			return nil
		}
		if err != nil {
			p.logger.CriticalWithError("fail to accept a pipe client", err)
			return err
		}

		// the next client can connect while this one is set up
		pending, err = ln.Arm()
		if err != nil {
			_ = conn.Close()
			p.logger.CriticalWithError("fail to wait for a pipe client", err)
			return err
		}
		err = p.serve(ctx, conn)
		if err != nil {
			pending.Cancel()
			return err
		}
	}
}

// serve sets up the connection of an accepted client. Only setup errors are returned, a
// back-end that cannot be reached just ends this one connection.
func (p *Proxy) serve(ctx context.Context, conn *pipe.Conn) error {
	c := p.registry.Allocate()
	c.initialize(p)
	p.metrics.ConnectionAccepted()
	c.logger.Debug("accepted pipe client")

	sock, err := socket.New(c.logger, p.config.Backend)
	c.bind(conn, sock)
	if err != nil {
		c.abandon()
		p.logger.CriticalWithError("fail to create the back-end socket", err)
		return err
	}
	err = c.prepareWorkers()
	if err != nil {
		p.logger.CriticalWithError("fail to prepare the workers", err)
		return err
	}

	err = sock.Connect(ctx)
	if err != nil {
		p.metrics.ConnectFailed()
		c.logger.ErrorWithError("fail to connect to the back-end", err)
		_ = c.Close()
		return nil
	}
	err = c.launchWorkers()
	if err != nil {
		p.logger.CriticalWithError("fail to launch the workers", err)
		_ = c.Close()
		return err
	}

	if p.served.CompareAndSwap(false, true) {
		p.setState(StateRunning)
	}
	return nil
}

func (p *Proxy) shutdown() {
	p.setState(StateStopping)

	var g errgroup.Group
	for _, c := range p.registry.Snapshot() {
		g.Go(c.Close)
	}
	err := g.Wait()
	if err != nil {
		p.logger.Warn("fail to stop a connection", "err", err)
	}
	p.registry.WaitEmpty()
	p.setState(StateStopped)
}

func (p *Proxy) setState(next State) {
	prev := State(p.state.Swap(int32(next)))
	p.logger.Debug("proxy state changed", "from", prev, "to", next)
	if p.config.StateChangeCallback != nil {
		p.config.StateChangeCallback(p, prev, next)
	}
}

// Destroy releases a proxy whose loop has returned or never ran.
func (p *Proxy) Destroy() {
	leftover := p.registry.RemoveAll()
	if len(leftover) > 0 {
		p.logger.Warn("destroying proxy with live connections", "count", len(leftover))
	}
	for _, c := range leftover {
		_ = c.Close()
	}
	p.logger.Trace("destroyed proxy")
}
