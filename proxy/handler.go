package proxy

import (
	"io"
	"sync/atomic"

	"github.com/ringo-is-a-color/seqproxy/metrics"
	"github.com/ringo-is-a-color/seqproxy/transport/socket"
	"github.com/ringo-is-a-color/seqproxy/util/errors"
	"github.com/ringo-is-a-color/seqproxy/util/log"
)

// pipeHandler relays front-end messages to the back-end.
type pipeHandler struct {
	c       *Connection
	stopped atomic.Bool
}

func (h *pipeHandler) Run() error {
	c := h.c
	buf := c.pipe.buf
	for {
		growths := buf.Growths()
		n, err := c.pipe.conn.ReadMessage(buf)
		if err != nil {
			if h.stopped.Load() {
				c.logger.Trace("pipe worker stopped while reading")
				return nil
			}
			if errors.Is(err, io.EOF) {
				c.logger.Info("pipe client disconnected")
				return nil
			}
			return errors.Wrap(err, "fail to read from the pipe")
		}
		if buf.Growths() != growths {
			c.proxy.metrics.BufferGrown(metrics.PipeSide)
		}

		msg := buf.Bytes()[:n]
		c.logger.Bytes(log.LevelTrace, "relaying message from the pipe", msg)
		err = c.socket.sock.WriteAll(msg)
		if err != nil {
			if h.stopped.Load() {
				return nil
			}
			return errors.Wrap(err, "fail to write to the socket")
		}
		c.proxy.metrics.MessageRelayed(metrics.Upstream, n)
	}
}

func (h *pipeHandler) Cleanup(runErr error) {
	c := h.c
	if runErr != nil {
		c.logger.ErrorWithError("pipe worker failed", runErr)
	}
	c.pipe.buf.Release()
	c.finish(&c.socket.worker, c.closePipe)
}

// ForceStop cancels the read from the pipe and the write to the socket.
func (h *pipeHandler) ForceStop() error {
	c := h.c
	h.stopped.Store(true)
	return errors.Join(c.pipe.conn.CancelRead(), c.socket.sock.CancelWrite())
}

// socketHandler relays back-end data to the front-end, one read per message.
type socketHandler struct {
	c       *Connection
	stopped atomic.Bool
}

func (h *socketHandler) Run() error {
	c := h.c
	buf := c.socket.buf
	for {
		readiness, err := c.socket.sock.WaitReadable()
		if err != nil {
			return errors.Wrap(err, "fail to wait on the socket")
		}
		switch readiness {
		case socket.ReadinessStop:
			c.logger.Trace("socket worker received the stop signal")
			return nil
		case socket.ReadinessHangUp:
			return h.hungUp()
		}

		growths := buf.Growths()
		n, err := c.socket.sock.ReadMessage(buf, c.proxy.config.MaxMessageSize)
		if errors.Is(err, io.EOF) {
			return h.hungUp()
		}
		if err != nil {
			if h.stopped.Load() {
				return nil
			}
			return errors.Wrap(err, "fail to read from the socket")
		}
		if n == 0 {
			continue
		}
		if buf.Growths() != growths {
			c.proxy.metrics.BufferGrown(metrics.SocketSide)
		}

		msg := buf.Bytes()[:n]
		c.logger.Bytes(log.LevelTrace, "relaying message from the socket", msg)
		err = c.pipe.conn.WriteMessage(msg)
		if err != nil {
			if h.stopped.Load() {
				return nil
			}
			return errors.Wrap(err, "fail to write to the pipe")
		}
		c.proxy.metrics.MessageRelayed(metrics.Downstream, n)
	}
}

// hungUp delivers what is still queued for the client before the connection goes down.
func (h *socketHandler) hungUp() error {
	c := h.c
	c.logger.Info("back-end closed the connection")
	err := c.pipe.conn.Flush()
	if err != nil && !h.stopped.Load() {
		return errors.Wrap(err, "fail to write to the pipe")
	}
	return nil
}

func (h *socketHandler) Cleanup(runErr error) {
	c := h.c
	if runErr != nil {
		c.logger.ErrorWithError("socket worker failed", runErr)
	}
	c.socket.buf.Release()
	c.finish(&c.pipe.worker, c.closeSocket)
}

// ForceStop wakes the readiness wait and cancels the read from the socket and the write to the
// pipe.
func (h *socketHandler) ForceStop() error {
	c := h.c
	h.stopped.Store(true)
	return errors.Join(c.socket.sock.Signal(), c.socket.sock.CancelRead(), c.pipe.conn.CancelWrite())
}
