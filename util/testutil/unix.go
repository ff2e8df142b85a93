// Package testutil holds socket fixtures shared by the transport and proxy tests.
package testutil

import (
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// IOTimeout bounds every blocking call of a test so a broken relay fails instead of hanging.
const IOTimeout = 5 * time.Second

// SocketPath returns a path for a Unix socket in a fresh temporary directory.
// t.TempDir is not used since its paths can exceed the 108 bytes sun_path holds.
func SocketPath(t testing.TB, name string) string {
	dir, err := os.MkdirTemp("", "sq")
	require.Nil(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, name)
}

// Payload is n bytes of a recognizable pattern, including zeros.
func Payload(n int) []byte {
	bs := make([]byte, n)
	for i := range bs {
		bs[i] = byte(i % 251)
	}
	return bs
}

func DialPacket(t testing.TB, path string) *net.UnixConn {
	conn, err := net.DialUnix("unixpacket", nil, &net.UnixAddr{Name: path, Net: "unixpacket"})
	require.Nil(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendMessage writes p as one record. WriteMsgUnix is used because a plain Write of zero bytes
// sends nothing.
func SendMessage(t testing.TB, conn *net.UnixConn, p []byte) {
	require.Nil(t, conn.SetWriteDeadline(time.Now().Add(IOTimeout)))
	n, _, err := conn.WriteMsgUnix(p, nil, nil)
	require.Nil(t, err)
	require.Equal(t, len(p), n)
}

// ReceiveMessage reads one record of at most max bytes.
func ReceiveMessage(t testing.TB, conn *net.UnixConn, max int) []byte {
	require.Nil(t, conn.SetReadDeadline(time.Now().Add(IOTimeout)))
	bs := make([]byte, max)
	n, _, flags, _, err := conn.ReadMsgUnix(bs, nil)
	require.Nil(t, err)
	require.Zero(t, flags&unix.MSG_TRUNC, "record was truncated")
	return bs[:n]
}

// ReadFull reads exactly n bytes from a stream.
func ReadFull(t testing.TB, conn net.Conn, n int) []byte {
	require.Nil(t, conn.SetReadDeadline(time.Now().Add(IOTimeout)))
	bs := make([]byte, n)
	read := 0
	for read < n {
		m, err := conn.Read(bs[read:])
		require.Nil(t, err)
		read += m
	}
	return bs
}

// StreamServer listens on a Unix stream socket and hands out the accepted connections.
func StreamServer(t testing.TB, path string) (net.Listener, <-chan net.Conn) {
	ln, err := net.Listen("unix", path)
	require.Nil(t, err)
	return serve(t, ln)
}

// TCPServer is a StreamServer on a loopback TCP port.
func TCPServer(t testing.TB) (net.Listener, <-chan net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.Nil(t, err)
	return serve(t, ln)
}

func serve(t testing.TB, ln net.Listener) (net.Listener, <-chan net.Conn) {
	conns := make(chan net.Conn, 16)
	go func() {
		defer close(conns)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return ln, conns
}

// SendUrgent sends p as TCP urgent data.
func SendUrgent(t testing.TB, conn net.Conn, p []byte) {
	raw, err := conn.(syscall.Conn).SyscallConn()
	require.Nil(t, err)
	var sendErr error
	require.Nil(t, raw.Control(func(fd uintptr) {
		sendErr = unix.Sendto(int(fd), p, unix.MSG_OOB, nil)
	}))
	require.Nil(t, sendErr)
}

// Accept waits for the next connection of a StreamServer.
func Accept(t testing.TB, conns <-chan net.Conn) net.Conn {
	select {
	case conn, ok := <-conns:
		require.True(t, ok, "stream server stopped")
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(IOTimeout):
		require.FailNow(t, "no connection accepted")
		return nil
	}
}

// Eventually waits until cond holds.
func Eventually(t testing.TB, cond func() bool, msg string) {
	require.Eventually(t, cond, IOTimeout, 5*time.Millisecond, msg)
}
