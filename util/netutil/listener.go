package netutil

import (
	"context"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ringo-is-a-color/seqproxy/util/errors"
)

var (
	// TODO: https://github.com/golang/go/issues/62254#issuecomment-1791102281
	listenConfig   = net.ListenConfig{KeepAlive: tcpKeepAlive}
	serverListener = sync.Map{}

	httpReadTimeout  = 10 * time.Second
	httpWriteTimeout = 10 * time.Second

	staleSocketProbeTimeout = time.Second
)

func listenTCPAndAccept(ctx context.Context, addr string,
	listenHandler func(ln net.Listener) error, listenFinishedCallback func()) error {
	// use 'context.WithCancel' to avoid memory leak in the below goroutine
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ln, err := listenConfig.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.WithStack(err)
	}
	go func() {
		// https://github.com/golang/go/issues/28120
		<-ctx.Done()
		_ = ln.Close()
	}()
	addServerListener(ln)
	defer func() {
		removeServerListener(ln)
		if listenFinishedCallback != nil {
			listenFinishedCallback()
		}
	}()

	err = listenHandler(ln)
	if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func ListenHTTPAndServe(ctx context.Context, addr string, httpHandler http.Handler) error {
	return ListenHTTPAndServeWithListenerCallback(ctx, addr, httpHandler, nil)
}

func ListenHTTPAndServeWithListenerCallback(ctx context.Context, addr string, httpHandler http.Handler, listenerCallback func(ln net.Listener)) error {
	return listenTCPAndAccept(ctx, addr, func(ln net.Listener) error {
		if listenerCallback != nil {
			listenerCallback(ln)
		}
		server := &http.Server{
			Handler:      httpHandler,
			ReadTimeout:  httpReadTimeout,
			WriteTimeout: httpWriteTimeout,
		}
		return errors.WithStack(server.Serve(ln))
	}, nil)
}

// ListenUnixPacket binds a SOCK_SEQPACKET listener at path. A socket file left behind by a
// crashed process is removed first, a socket somebody still listens on is not.
// The returned listener unlinks path when closed.
func ListenUnixPacket(path string) (*net.UnixListener, error) {
	err := removeStaleSocket(path)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	ln.SetUnlinkOnClose(true)
	addServerListener(ln)
	return ln, nil
}

// CloseUnixPacket closes a listener created by ListenUnixPacket.
func CloseUnixPacket(ln *net.UnixListener) error {
	removeServerListener(ln)
	err := ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return errors.WithStack(err)
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.WithStack(err)
	}
	if info.Mode().Type() != fs.ModeSocket {
		return errors.Newf("'%v' exists and is not a socket", path)
	}
	conn, err := net.DialTimeout("unixpacket", path, staleSocketProbeTimeout)
	if err == nil {
		_ = conn.Close()
		return errors.Newf("'%v' is in use by another process", path)
	}
	return errors.WithStack(os.Remove(path))
}

func StopAllServerListeners() {
	serverListener.Range(func(key, value any) bool {
		_ = key.(io.Closer).Close()
		return true
	})
}

func addServerListener(listenerCloser io.Closer) {
	serverListener.Store(listenerCloser, struct{}{})
}

func removeServerListener(listenerCloser io.Closer) {
	serverListener.Delete(listenerCloser)
}
