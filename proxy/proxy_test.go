package proxy

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ringo-is-a-color/seqproxy/metrics"
	"github.com/ringo-is-a-color/seqproxy/transport/pipe"
	"github.com/ringo-is-a-color/seqproxy/transport/socket"
	"github.com/ringo-is-a-color/seqproxy/util/testutil"
	"github.com/ringo-is-a-color/seqproxy/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBufSize = 16

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_ *Proxy, prev, next State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		r.states = append(r.states, prev)
	}
	r.states = append(r.states, next)
}

func (r *stateRecorder) get() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type testProxy struct {
	*Proxy
	frontend  string
	backendLn net.Listener
	backend   <-chan net.Conn
	cancel    context.CancelFunc
	result    chan error
	states    *stateRecorder
}

// startProxy runs a proxy between a fresh front-end path and a Unix stream back-end server.
func startProxy(t *testing.T, m *metrics.Metrics) *testProxy {
	backendPath := testutil.SocketPath(t, "backend.sock")
	backendLn, backend := testutil.StreamServer(t, backendPath)
	return startProxyTo(t, m, backendLn, backend, "unix:"+backendPath)
}

func startTCPProxy(t *testing.T) *testProxy {
	backendLn, backend := testutil.TCPServer(t)
	return startProxyTo(t, nil, backendLn, backend, "tcp:"+backendLn.Addr().String())
}

func startProxyTo(t *testing.T, m *metrics.Metrics, backendLn net.Listener, backend <-chan net.Conn,
	backendAddr string) *testProxy {
	frontend := testutil.SocketPath(t, "frontend.sock")
	addr, err := socket.ParseAddress(backendAddr)
	require.Nil(t, err)

	states := &stateRecorder{}
	listening := make(chan net.Addr, 1)
	p, err := New(nil, &Config{
		FrontendPath:          frontend,
		Backend:               addr,
		InitialBufferSize:     testBufSize,
		StateChangeCallback:   states.record,
		ListenSuccessCallback: func(addr net.Addr) { listening <- addr },
		Metrics:               m,
	})
	require.Nil(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tp := &testProxy{Proxy: p, frontend: frontend, backendLn: backendLn, backend: backend, cancel: cancel,
		result: make(chan error, 1), states: states}
	go func() {
		tp.result <- p.EnterLoop(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		tp.stop(t)
		p.Destroy()
	})

	select {
	case <-listening:
	case err := <-tp.result:
		require.FailNow(t, "proxy stopped before listening", "%v", err)
	case <-time.After(testutil.IOTimeout):
		require.FailNow(t, "proxy did not start listening")
	}
	return tp
}

// stop triggers the exit signal and waits for the loop to return.
func (tp *testProxy) stop(t *testing.T) error {
	tp.cancel()
	select {
	case err, ok := <-tp.result:
		if ok {
			close(tp.result)
		}
		return err
	case <-time.After(testutil.IOTimeout):
		require.FailNow(t, "proxy did not stop")
		return nil
	}
}

// connect opens a client and returns it with the back-end side of its relay.
func (tp *testProxy) connect(t *testing.T) (*net.UnixConn, net.Conn) {
	client := testutil.DialPacket(t, tp.frontend)
	return client, testutil.Accept(t, tp.backend)
}

func TestPingPong(t *testing.T) {
	tp := startProxy(t, nil)
	client, server := tp.connect(t)

	testutil.SendMessage(t, client, []byte("ping"))
	assert.Equal(t, "ping", string(testutil.ReadFull(t, server, 4)))

	_, err := server.Write([]byte("pong"))
	require.Nil(t, err)
	assert.Equal(t, "pong", string(testutil.ReceiveMessage(t, client, 64)))
}

func TestMessagesCrossIntact(t *testing.T) {
	m := metrics.New()
	tp := startProxy(t, m)
	client, server := tp.connect(t)

	lengths := []int{1, testBufSize, testBufSize + 1, 2 * testBufSize, 100 * testBufSize}
	// an empty message adds nothing to the stream but must not end the relay
	for _, n := range append([]int{0}, lengths...) {
		msg := testutil.Payload(n)
		testutil.SendMessage(t, client, msg)
		assert.Equal(t, msg, testutil.ReadFull(t, server, n))
	}

	// the back-end is a stream, so each reply is waited for before the next one is sent
	for _, n := range lengths {
		msg := testutil.Payload(n)
		_, err := server.Write(msg)
		require.Nil(t, err)
		var got []byte
		for len(got) < n {
			got = append(got, testutil.ReceiveMessage(t, client, DefaultMaxMessageSize)...)
		}
		assert.Equal(t, msg, got)
	}
}

func TestUrgentDataDoesNotBlockShutdown(t *testing.T) {
	tp := startTCPProxy(t)
	client, server := tp.connect(t)

	testutil.SendMessage(t, client, []byte("ping"))
	assert.Equal(t, "ping", string(testutil.ReadFull(t, server, 4)))
	testutil.SendUrgent(t, server, []byte("!"))
	_, err := server.Write([]byte("pong"))
	require.Nil(t, err)
	// the urgent byte is not part of the stream
	assert.Equal(t, "pong", string(testutil.ReceiveMessage(t, client, 64)))

	testutil.SendUrgent(t, server, []byte("!"))
	time.Sleep(20 * time.Millisecond)
	assert.Nil(t, tp.stop(t))
	assert.Equal(t, 0, tp.Connections())
}

func TestBackendHangUpClosesClient(t *testing.T) {
	tp := startProxy(t, nil)
	client, server := tp.connect(t)
	testutil.Eventually(t, func() bool { return tp.Connections() == 1 }, "connection not registered")

	_, err := server.Write([]byte("bye"))
	require.Nil(t, err)
	require.Nil(t, server.Close())

	assert.Equal(t, "bye", string(testutil.ReceiveMessage(t, client, 64)))
	require.Nil(t, client.SetReadDeadline(time.Now().Add(testutil.IOTimeout)))
	n, err := client.Read(make([]byte, 64))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	testutil.Eventually(t, func() bool { return tp.Connections() == 0 }, "connection not removed")
}

func TestClientHangUpClosesBackend(t *testing.T) {
	tp := startProxy(t, nil)
	client, server := tp.connect(t)

	testutil.SendMessage(t, client, []byte("last words"))
	require.Nil(t, client.Close())

	assert.Equal(t, "last words", string(testutil.ReadFull(t, server, 10)))
	require.Nil(t, server.SetReadDeadline(time.Now().Add(testutil.IOTimeout)))
	_, err := server.Read(make([]byte, 1))
	assert.NotNil(t, err)
	testutil.Eventually(t, func() bool { return tp.Connections() == 0 }, "connection not removed")
}

func TestExitSignalStopsEverything(t *testing.T) {
	tp := startProxy(t, nil)
	client1, server1 := tp.connect(t)
	client2, server2 := tp.connect(t)
	testutil.Eventually(t, func() bool { return tp.Connections() == 2 }, "connections not registered")

	// both relays are idle in their waits when the exit signal arrives
	assert.Nil(t, tp.stop(t))
	assert.Equal(t, 0, tp.Connections())
	assert.Equal(t, StateStopped, tp.State())
	assert.Equal(t, []State{StateCreated, StateStarting, StateRunning, StateStopping, StateStopped}, tp.states.get())

	for _, server := range []net.Conn{server1, server2} {
		require.Nil(t, server.SetReadDeadline(time.Now().Add(testutil.IOTimeout)))
		_, err := server.Read(make([]byte, 1))
		assert.NotNil(t, err)
	}
	for _, client := range []*net.UnixConn{client1, client2} {
		require.Nil(t, client.SetReadDeadline(time.Now().Add(testutil.IOTimeout)))
		n, err := client.Read(make([]byte, 1))
		assert.Equal(t, 0, n)
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestExitBeforeFirstClient(t *testing.T) {
	tp := startProxy(t, nil)
	assert.Nil(t, tp.stop(t))
	assert.Equal(t, []State{StateCreated, StateStarting, StateStopping, StateStopped}, tp.states.get())
}

func TestEnterLoopOnlyOnce(t *testing.T) {
	tp := startProxy(t, nil)
	assert.ErrorIs(t, tp.EnterLoop(context.Background()), ErrAlreadyRunning)
}

func TestUnreachableBackendKeepsAccepting(t *testing.T) {
	m := metrics.New()
	tp := startProxy(t, m)
	client, server := tp.connect(t)
	testutil.SendMessage(t, client, []byte("1"))
	assert.Equal(t, "1", string(testutil.ReadFull(t, server, 1)))

	// nobody listens on the back-end address any more
	require.Nil(t, tp.backendLn.Close())
	lost := testutil.DialPacket(t, tp.frontend)
	require.Nil(t, lost.SetReadDeadline(time.Now().Add(testutil.IOTimeout)))
	n, err := lost.Read(make([]byte, 1))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	testutil.Eventually(t, func() bool { return tp.Connections() == 1 }, "failed connection not removed")

	// the first relay is not affected
	testutil.SendMessage(t, client, []byte("2"))
	assert.Equal(t, "2", string(testutil.ReadFull(t, server, 1)))
	assert.Nil(t, tp.stop(t))
}

func TestListenFailureIsReturned(t *testing.T) {
	addr, err := socket.ParseAddress("unix:/nonexistent/backend.sock")
	require.Nil(t, err)
	p, err := New(nil, &Config{FrontendPath: "/nonexistent/dir/frontend.sock", Backend: addr})
	require.Nil(t, err)
	assert.NotNil(t, p.EnterLoop(context.Background()))
	assert.Equal(t, StateStopped, p.State())
	p.Destroy()
}

func TestNewRejectsBadConfig(t *testing.T) {
	addr, err := socket.ParseAddress("unix:/run/backend.sock")
	require.Nil(t, err)
	_, err = New(nil, &Config{Backend: addr})
	assert.NotNil(t, err)
	_, err = New(nil, &Config{FrontendPath: "/run/frontend.sock"})
	assert.NotNil(t, err)
	_, err = New(nil, &Config{FrontendPath: "/run/frontend.sock", Backend: addr, InitialBufferSize: 4096, MaxMessageSize: 1024})
	assert.NotNil(t, err)
}

type idleHandler struct{}

func (idleHandler) Run() error { return nil }
func (idleHandler) Cleanup(error) {}
func (idleHandler) ForceStop() error { return nil }

// newLaunchedConnection wires a connection by hand, the way the accept loop does.
func newLaunchedConnection(t *testing.T, p *Proxy, ln *pipe.Listener, frontend string, backend <-chan net.Conn) (*Connection, *net.UnixConn, net.Conn) {
	pending, err := ln.Arm()
	require.Nil(t, err)
	client := testutil.DialPacket(t, frontend)
	conn, err := pending.Wait(context.Background())
	require.Nil(t, err)

	c := p.registry.Allocate()
	c.initialize(p)
	sock, err := socket.New(c.logger, p.config.Backend)
	require.Nil(t, err)
	c.bind(conn, sock)
	require.Nil(t, c.prepareWorkers())
	require.Nil(t, sock.Connect(context.Background()))
	require.Nil(t, c.launchWorkers())
	return c, client, testutil.Accept(t, backend)
}

func TestTeardownRunsOnceWhenBothSidesEndTogether(t *testing.T) {
	frontend := testutil.SocketPath(t, "frontend.sock")
	backendPath := testutil.SocketPath(t, "backend.sock")
	_, backend := testutil.StreamServer(t, backendPath)
	addr, err := socket.ParseAddress(backendPath)
	require.Nil(t, err)
	p, err := New(nil, &Config{FrontendPath: frontend, Backend: addr, InitialBufferSize: testBufSize})
	require.Nil(t, err)
	ln, err := pipe.Listen(nil, frontend)
	require.Nil(t, err)
	defer ln.Close()

	for range 50 {
		c, client, server := newLaunchedConnection(t, p, ln, frontend, backend)

		var start, done sync.WaitGroup
		start.Add(1)
		for _, closer := range []func() error{client.Close, server.Close, c.Close, c.Close} {
			done.Add(1)
			go func() {
				defer done.Done()
				start.Wait()
				_ = closer()
			}()
		}
		start.Done()
		done.Wait()
		// teardown panics when it runs twice
		c.pipe.worker.Wait()
		c.socket.worker.Wait()

		assert.True(t, c.tornDown.Load())
		assert.Equal(t, int32(2), c.shutdownCounter.Load())
		assert.Equal(t, worker.StatusStopped, c.pipe.worker.Status())
		assert.Equal(t, worker.StatusStopped, c.socket.worker.Status())
	}
	assert.Equal(t, 0, p.Connections())
}

func TestStopWhileBlockedInWait(t *testing.T) {
	frontend := testutil.SocketPath(t, "frontend.sock")
	backendPath := testutil.SocketPath(t, "backend.sock")
	_, backend := testutil.StreamServer(t, backendPath)
	addr, err := socket.ParseAddress(backendPath)
	require.Nil(t, err)
	p, err := New(nil, &Config{FrontendPath: frontend, Backend: addr})
	require.Nil(t, err)
	ln, err := pipe.Listen(nil, frontend)
	require.Nil(t, err)
	defer ln.Close()

	c, _, _ := newLaunchedConnection(t, p, ln, frontend, backend)
	testutil.Eventually(t, func() bool {
		return c.pipe.worker.Status() == worker.StatusRunning && c.socket.worker.Status() == worker.StatusRunning
	}, "workers did not start")

	// neither peer sends anything
	require.Nil(t, c.socket.worker.Stop())
	testutil.Eventually(t, func() bool {
		return c.pipe.worker.Status() == worker.StatusStopped && c.socket.worker.Status() == worker.StatusStopped
	}, "workers did not stop")
	assert.Nil(t, c.socket.worker.Err())
	assert.Nil(t, c.pipe.worker.Err())
	assert.Equal(t, 0, p.Connections())
}

func TestSecondPrepareFailureTearsDown(t *testing.T) {
	frontend := testutil.SocketPath(t, "frontend.sock")
	backendPath := testutil.SocketPath(t, "backend.sock")
	_, _ = testutil.StreamServer(t, backendPath)
	addr, err := socket.ParseAddress(backendPath)
	require.Nil(t, err)
	p, err := New(nil, &Config{FrontendPath: frontend, Backend: addr})
	require.Nil(t, err)
	ln, err := pipe.Listen(nil, frontend)
	require.Nil(t, err)
	defer ln.Close()

	pending, err := ln.Arm()
	require.Nil(t, err)
	_ = testutil.DialPacket(t, frontend)
	conn, err := pending.Wait(context.Background())
	require.Nil(t, err)

	c := p.registry.Allocate()
	c.initialize(p)
	sock, err := socket.New(c.logger, p.config.Backend)
	require.Nil(t, err)
	c.bind(conn, sock)
	// a prepared socket worker makes its second Prepare fail
	require.Nil(t, c.socket.worker.Prepare(nil, idleHandler{}))
	defer c.socket.worker.Dispose()

	assert.ErrorIs(t, c.prepareWorkers(), worker.ErrAlreadyPrepared)
	assert.Equal(t, worker.StatusStopped, c.pipe.worker.Status())
	assert.True(t, c.tornDown.Load())
	assert.Equal(t, 0, p.Connections())
}
