package proxy

import (
	"container/list"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/ringo-is-a-color/seqproxy/transport/pipe"
	"github.com/ringo-is-a-color/seqproxy/transport/socket"
	"github.com/ringo-is-a-color/seqproxy/util/ioutil"
	"github.com/ringo-is-a-color/seqproxy/util/log"
	"github.com/ringo-is-a-color/seqproxy/worker"
)

// Connection bridges one front-end client to its own back-end connection with two workers:
// the pipe worker relays client messages to the socket, the socket worker relays back.
type Connection struct {
	id     uuid.UUID
	proxy  *Proxy
	logger *log.Logger
	// guarded by the registry lock
	elem *list.Element

	pipe   pipeSide
	socket socketSide

	// each worker adds one when it finishes, the one reaching 2 tears the connection down
	shutdownCounter atomic.Int32
	tornDown        atomic.Bool
}

type pipeSide struct {
	worker worker.Worker
	conn   *pipe.Conn
	buf    *ioutil.Buffer
	closed atomic.Bool
}

type socketSide struct {
	worker worker.Worker
	sock   *socket.Socket
	buf    *ioutil.Buffer
	closed atomic.Bool
}

func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) initialize(p *Proxy) {
	c.proxy = p
	c.logger = p.logger.With("conn", c.id.String())
}

// bind hands the accepted client and the unconnected back-end socket to the connection. It owns
// both from now on, even when a later step fails.
func (c *Connection) bind(conn *pipe.Conn, sock *socket.Socket) {
	c.pipe.conn = conn
	c.pipe.buf = ioutil.NewBuffer(c.proxy.config.InitialBufferSize)
	c.socket.sock = sock
	c.socket.buf = ioutil.NewBuffer(c.proxy.config.InitialBufferSize)
}

// prepareWorkers prepares both workers or neither: when the socket worker cannot be prepared,
// the pipe worker is disposed and its cleanup tears the connection down.
func (c *Connection) prepareWorkers() error {
	err := c.pipe.worker.Prepare(c.logger.With("side", "pipe"), &pipeHandler{c: c})
	if err != nil {
		c.abandon()
		return err
	}
	err = c.socket.worker.Prepare(c.logger.With("side", "socket"), &socketHandler{c: c})
	if err != nil {
		// the socket worker has no cleanup to count itself in
		c.socket.buf.Release()
		c.shutdownCounter.Add(1)
		_ = c.pipe.worker.Dispose()
		return err
	}
	return nil
}

// launchWorkers starts both workers. The pipe worker is stopped again when the socket worker
// cannot be started.
func (c *Connection) launchWorkers() error {
	return worker.LaunchPair(&c.pipe.worker, &c.socket.worker)
}

// Close stops both workers and waits for them. It can be called any number of times.
func (c *Connection) Close() error {
	return worker.DisposePair(&c.pipe.worker, &c.socket.worker)
}

// finish is the second half of a worker's cleanup. The first worker to get here closes its own
// transport and disposes the other worker, whose cleanup then releases everything else.
func (c *Connection) finish(peer *worker.Worker, closeOwn func()) {
	if c.shutdownCounter.Add(1) >= 2 {
		c.teardown()
		return
	}
	err := peer.Stop()
	if err != nil {
		c.logger.Warn("fail to stop the other worker", "err", err)
	}
	closeOwn()
	peer.Wait()
}

func (c *Connection) teardown() {
	if c.tornDown.Swap(true) {
		panic("connection " + c.id.String() + " torn down twice")
	}
	c.closePipe()
	c.closeSocket()
	c.proxy.registry.Remove(c)
	c.proxy.metrics.ConnectionClosed()
	c.logger.Debug("connection closed")
}

// abandon releases a connection whose workers never got prepared.
func (c *Connection) abandon() {
	c.pipe.buf.Release()
	c.socket.buf.Release()
	c.teardown()
}

func (c *Connection) closePipe() {
	if c.pipe.conn == nil || !c.pipe.closed.CompareAndSwap(false, true) {
		return
	}
	err := c.pipe.conn.Close()
	if err != nil {
		c.logger.Trace("fail to close the pipe", "err", err)
	}
}

func (c *Connection) closeSocket() {
	if c.socket.sock == nil || !c.socket.closed.CompareAndSwap(false, true) {
		return
	}
	err := c.socket.sock.Close()
	if err != nil {
		c.logger.Trace("fail to close the socket", "err", err)
	}
}
