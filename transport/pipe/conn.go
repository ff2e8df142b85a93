package pipe

import (
	"io"
	"net"
	"sync"
	"syscall"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/ringo-is-a-color/seqproxy/util/errors"
	"github.com/ringo-is-a-color/seqproxy/util/ioutil"
	"github.com/ringo-is-a-color/seqproxy/util/log"
	"golang.org/x/sys/unix"
)

// Conn is one accepted front-end client. Reads belong to one goroutine and writes to another.
type Conn struct {
	logger *log.Logger
	conn   *net.UnixConn
	raw    syscall.RawConn
	// room for the sender credentials of a peeked message
	peekOOB []byte

	writeMu sync.Mutex
	// the outstanding asynchronous write, nil when there is none
	writeDone chan error

	closeOnce sync.Once
	closeErr  error
}

func newConn(logger *log.Logger, conn *net.UnixConn) (*Conn, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return nil, errors.WithStack(err)
	}
	// every queued message then carries credentials, which an end of stream does not
	var optErr error
	err = raw.Control(func(fd uintptr) {
		optErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	})
	if err == nil {
		err = optErr
	}
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "fail to enable credentials on the pipe client")
	}
	c := &Conn{logger: logger, conn: conn, raw: raw, peekOOB: make([]byte, unix.CmsgSpace(unix.SizeofUcred))}
	return c, nil
}

// ReadMessage reads the next message into buf and returns its length. buf grows to the exact
// size of a message that does not fit, so nothing is ever truncated. io.EOF means the client
// hung up.
func (c *Conn) ReadMessage(buf *ioutil.Buffer) (int, error) {
	for {
		size, queued, err := c.peek()
		if err != nil {
			return 0, err
		}
		if !queued {
			return 0, io.EOF
		}
		if size > buf.Cap() {
			c.logger.Trace("message is larger than the pipe buffer", "size", size, "cap", buf.Cap())
			buf.Grow(size)
			continue
		}

		n, err := c.recv(buf.Bytes()[:size])
		if err != nil {
			return 0, err
		}
		if n != size {
			return 0, errors.Newf("pipe message changed size between peek and read: %v != %v", size, n)
		}
		return n, nil
	}
}

// peek waits for the next message and returns its size. queued is false at the end of the
// stream: an empty message also peeks as 0 bytes, but comes with the sender credentials.
func (c *Conn) peek() (size int, queued bool, err error) {
	var oobn int
	var opErr error
	err = c.raw.Read(func(fd uintptr) bool {
		for {
			size, oobn, _, _, opErr = unix.Recvmsg(int(fd), nil, c.peekOOB, unix.MSG_PEEK|unix.MSG_TRUNC)
			if opErr != unix.EINTR {
				break
			}
		}
		return opErr != unix.EAGAIN
	})
	if err != nil {
		return 0, false, errors.WithStack(err)
	}
	if opErr != nil {
		return 0, false, errors.WithStack(opErr)
	}
	return size, size > 0 || oobn > 0, nil
}

func (c *Conn) recv(p []byte) (int, error) {
	var n int
	var opErr error
	err := c.raw.Read(func(fd uintptr) bool {
		for {
			n, _, opErr = unix.Recvfrom(int(fd), p, 0)
			if opErr != unix.EINTR {
				break
			}
		}
		return opErr != unix.EAGAIN
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return n, errors.WithStack(opErr)
}

// WriteMessage queues p as one message. p is copied, so the caller may reuse it at once.
// An error of the previous write is returned here, before anything new is queued.
func (c *Conn) WriteMessage(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	err := c.resolveWriteLocked()
	if err != nil {
		return err
	}

	bs := pool.Get(len(p))
	copy(bs, p)
	done := make(chan error, 1)
	c.writeDone = done
	go func() {
		_, err := c.conn.Write(bs)
		pool.Put(bs)
		done <- errors.WithStack(err)
	}()
	return nil
}

// Flush waits for the outstanding write.
func (c *Conn) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.resolveWriteLocked()
}

func (c *Conn) resolveWriteLocked() error {
	if c.writeDone == nil {
		return nil
	}
	err := <-c.writeDone
	c.writeDone = nil
	return errors.Wrap(err, "previous write to the pipe failed")
}

// CancelRead aborts a blocked ReadMessage, which then fails with os.ErrDeadlineExceeded.
func (c *Conn) CancelRead() error {
	return ignoreClosed(c.conn.SetReadDeadline(cancelDeadline))
}

// CancelWrite aborts the outstanding write and makes later writes fail.
func (c *Conn) CancelWrite() error {
	return ignoreClosed(c.conn.SetWriteDeadline(cancelDeadline))
}

// a closed connection has nothing left to cancel
func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return errors.WithStack(err)
}

// Close cancels a write that is still in flight, waits for it and closes the client socket.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.CancelWrite()
		c.writeMu.Lock()
		err := c.resolveWriteLocked()
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Trace("dropped pending pipe write on close", "err", err)
		}
		c.closeErr = errors.WithStack(c.conn.Close())
	})
	return c.closeErr
}
