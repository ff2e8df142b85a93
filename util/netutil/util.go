package netutil

import (
	"strings"
	"time"

	"github.com/ringo-is-a-color/seqproxy/util/errors"
)

var tcpKeepAlive = 1000 * time.Second

func ValidateStream(network string) error {
	if !strings.HasPrefix(network, "tcp") && network != "unix" {
		return errors.Newf("unsupported network: %v", network)
	}
	return nil
}
