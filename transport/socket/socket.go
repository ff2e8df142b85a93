// Package socket is the back-end transport: a stream socket dialed once per front-end client,
// read through readiness polling so that a control signal can interrupt the wait.
package socket

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/ringo-is-a-color/seqproxy/util/errors"
	"github.com/ringo-is-a-color/seqproxy/util/ioutil"
	"github.com/ringo-is-a-color/seqproxy/util/log"
	"github.com/ringo-is-a-color/seqproxy/util/netutil"
	"golang.org/x/sys/unix"
)

var (
	ErrNotConnected = errors.New("back-end socket is not connected")

	// any time in the past aborts a blocking call at once
	cancelDeadline = time.Unix(1, 0)
)

type Readiness int

const (
	// ReadinessData means ReadMessage will not block. It also covers socket errors, which
	// ReadMessage then reports.
	ReadinessData Readiness = iota
	ReadinessHangUp
	ReadinessStop
)

func (r Readiness) String() string {
	switch r {
	case ReadinessData:
		return "data"
	case ReadinessHangUp:
		return "hang-up"
	default:
		return "stop"
	}
}

type Socket struct {
	logger *log.Logger
	addr   *Address
	conn   net.Conn
	raw    syscall.RawConn
	// control signal: readable once Signal was called
	eventFD int
	// guards eventFD against Signal after Close
	ctrlMu     sync.RWMutex
	ctrlClosed bool

	closeOnce sync.Once
	closeErr  error
}

// New creates the control signal of a socket that is not connected yet.
func New(logger *log.Logger, addr *Address) (*Socket, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "fail to create the control signal")
	}
	return &Socket{logger: logger, addr: addr, eventFD: fd}, nil
}

func (s *Socket) Addr() *Address {
	return s.addr
}

// Connect dials the back-end. It gives up when ctx is done.
func (s *Socket) Connect(ctx context.Context) error {
	s.logger.Trace("connecting to back-end", "addr", s.addr)
	conn, err := netutil.Dial(ctx, s.addr.Network(), s.addr.DialString())
	if err != nil {
		return errors.Wrapf(err, "fail to connect to back-end %v", s.addr)
	}
	sc, ok := conn.(syscall.Conn)
	if !ok {
		_ = conn.Close()
		return errors.Newf("unsupported back-end connection type %T", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return errors.WithStack(err)
	}
	s.conn = conn
	s.raw = raw
	return nil
}

// WaitReadable blocks until the socket has data, the peer hung up or Signal was called.
// A pending signal wins over everything else. Urgent data is discarded, it is not part of the
// relayed stream.
func (s *Socket) WaitReadable() (Readiness, error) {
	if s.raw == nil {
		return ReadinessStop, ErrNotConnected
	}
	var readiness Readiness
	var pollErr error
	err := s.raw.Control(func(fd uintptr) {
		for {
			var urgent bool
			readiness, urgent, pollErr = s.poll(int(fd))
			if pollErr != nil || !urgent {
				return
			}
			pollErr = s.discardUrgent(int(fd))
			if pollErr != nil {
				return
			}
		}
	})
	if err != nil {
		return ReadinessStop, errors.WithStack(err)
	}
	if pollErr != nil {
		return ReadinessStop, errors.WithStack(pollErr)
	}
	return readiness, nil
}

// poll reports urgent when priority data is all there is.
func (s *Socket) poll(fd int) (Readiness, bool, error) {
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN | unix.POLLPRI | unix.POLLRDHUP},
		{Fd: int32(s.eventFD), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err == nil {
			break
		}
		if err != unix.EINTR {
			return ReadinessStop, false, err
		}
	}
	sock, ctrl := fds[0].Revents, fds[1].Revents
	switch {
	case ctrl&unix.POLLIN != 0:
		return ReadinessStop, false, nil
	case sock&(unix.POLLRDHUP|unix.POLLHUP) != 0 && sock&unix.POLLERR == 0 && drained(fd):
		return ReadinessHangUp, false, nil
	case sock&(unix.POLLIN|unix.POLLERR|unix.POLLRDHUP|unix.POLLHUP) != 0:
		// data that arrived before a hang-up is still delivered
		return ReadinessData, false, nil
	case sock&unix.POLLPRI != 0:
		return ReadinessData, true, nil
	}
	return ReadinessStop, false, errors.Newf("unexpected poll events %#x", sock)
}

func (s *Socket) discardUrgent(fd int) error {
	var bs [1]byte
	for {
		_, _, err := unix.Recvfrom(fd, bs[:], unix.MSG_OOB|unix.MSG_DONTWAIT)
		switch err {
		case unix.EINTR:
			continue
		case nil, unix.EAGAIN, unix.EINVAL:
			// EINVAL: the urgent mark is gone already
			s.logger.Debug("discarded urgent data from the back-end")
			return nil
		}
		return err
	}
}

// ReadMessage consumes what is pending on the socket, at most max bytes, as one message.
// buf grows to the exact pending size. It never blocks: 0 bytes and no error means there was
// nothing to relay after all. io.EOF means the peer hung up.
func (s *Socket) ReadMessage(buf *ioutil.Buffer, max int) (int, error) {
	if s.conn == nil {
		return 0, ErrNotConnected
	}
	size, err := s.pendingBytes()
	if err != nil {
		return 0, err
	}
	if size > max {
		size = max
	}
	if size > buf.Cap() {
		s.logger.Trace("pending data is larger than the socket buffer", "size", size, "cap", buf.Cap())
		buf.Grow(size)
	}
	if size == 0 {
		// end of stream or a socket error, the read reports which
		size = buf.Cap()
	}
	return s.recv(buf.Bytes()[:size])
}

func (s *Socket) recv(p []byte) (int, error) {
	var n int
	var opErr error
	err := s.raw.Read(func(fd uintptr) bool {
		for {
			n, opErr = unix.Read(int(fd), p)
			if opErr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	switch {
	case opErr == unix.EAGAIN:
		return 0, nil
	case opErr != nil:
		return 0, errors.WithStack(opErr)
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func drained(fd int) bool {
	n, err := unix.IoctlGetInt(fd, unix.SIOCINQ)
	return err == nil && n == 0
}

func (s *Socket) pendingBytes() (int, error) {
	var size int
	var ioctlErr error
	err := s.raw.Control(func(fd uintptr) {
		size, ioctlErr = unix.IoctlGetInt(int(fd), unix.SIOCINQ)
	})
	if err != nil {
		return 0, errors.WithStack(err)
	}
	if ioctlErr != nil {
		return 0, errors.Wrap(ioctlErr, "fail to get the pending data size")
	}
	return size, nil
}

// WriteAll returns once p is written completely, the peer fails or CancelWrite is called.
func (s *Socket) WriteAll(p []byte) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	_, err := s.conn.Write(p)
	return errors.WithStack(err)
}

// Signal sets the control signal. It stays set until Close, after which Signal does nothing.
func (s *Socket) Signal() error {
	s.ctrlMu.RLock()
	defer s.ctrlMu.RUnlock()
	if s.ctrlClosed {
		return nil
	}
	var bs [8]byte
	binary.NativeEndian.PutUint64(bs[:], 1)
	_, err := unix.Write(s.eventFD, bs[:])
	if err == unix.EAGAIN {
		// the counter is saturated, so it is set already
		return nil
	}
	return errors.WithStack(err)
}

// CancelRead makes a read in progress and every later read fail at once.
func (s *Socket) CancelRead() error {
	if s.conn == nil {
		return nil
	}
	return ignoreClosed(s.conn.SetReadDeadline(cancelDeadline))
}

func (s *Socket) CancelWrite() error {
	if s.conn == nil {
		return nil
	}
	return ignoreClosed(s.conn.SetWriteDeadline(cancelDeadline))
}

// a closed connection has nothing left to cancel
func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return errors.WithStack(err)
}

// Close releases the connection and the control signal. It must not run concurrently with
// WaitReadable.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		var err error
		if s.conn != nil {
			err = errors.WithStack(s.conn.Close())
		}
		s.ctrlMu.Lock()
		s.ctrlClosed = true
		ctrlErr := errors.WithStack(unix.Close(s.eventFD))
		s.ctrlMu.Unlock()
		s.closeErr = errors.Join(err, ctrlErr)
	})
	return s.closeErr
}
