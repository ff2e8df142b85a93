package netutil

import (
	"context"
	"net"
	"time"

	"github.com/ringo-is-a-color/seqproxy/util/errors"
)

var (
	dialer        = net.Dialer{Timeout: dialerTimeout, KeepAlive: tcpKeepAlive}
	dialerTimeout = 10 * time.Second
)

// Dial returns once connected, on failure, or when ctx is done.
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	return errors.WithStack2(dialer.DialContext(ctx, network, addr))
}
