// Package notify tells a launcher that the proxy is up. The launcher passes the path of a Unix
// stream socket in EnvName and reads one byte: ReadyCode once the front-end socket is bound,
// FailedCode when the proxy gave up before that.
package notify

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/ringo-is-a-color/seqproxy/util/errors"
	"github.com/ringo-is-a-color/seqproxy/util/log"
	"github.com/ringo-is-a-color/seqproxy/util/netutil"
)

const (
	EnvName = "SEQPROXY_NOTIFY_SOCKET"

	FailedCode byte = 0
	ReadyCode  byte = 1
)

// Notifier sends at most one code. A nil *Notifier does nothing.
type Notifier struct {
	logger *log.Logger
	conn   net.Conn
	once   sync.Once
}

// FromEnv connects to the socket named in EnvName. It returns nil when the variable is not set.
func FromEnv(ctx context.Context, logger *log.Logger) (*Notifier, error) {
	path := os.Getenv(EnvName)
	if path == "" {
		return nil, nil
	}
	return Open(ctx, logger, path)
}

func Open(ctx context.Context, logger *log.Logger, path string) (*Notifier, error) {
	logger.Trace("opening notification socket", "path", path)
	conn, err := netutil.Dial(ctx, "unix", path)
	if err != nil {
		return nil, errors.Wrap(err, "could not connect to the notification socket")
	}
	return &Notifier{logger: logger, conn: conn}, nil
}

// Notify sends code and closes the socket. Only the first call sends anything.
func (n *Notifier) Notify(code byte) error {
	if n == nil {
		return nil
	}
	var err error
	n.once.Do(func() {
		n.logger.Trace("sending notification", "code", code)
		_, err = n.conn.Write([]byte{code})
		err = errors.Join(errors.WithStack(err), errors.WithStack(n.conn.Close()))
	})
	return err
}

// Close sends FailedCode unless a code was sent already.
func (n *Notifier) Close() error {
	return n.Notify(FailedCode)
}
