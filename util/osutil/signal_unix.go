//go:build unix

package osutil

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

var terminationSignals = []os.Signal{
	// https://www.gnu.org/software/libc/manual/html_node/Termination-Signals.html
	syscall.SIGTERM,
	syscall.SIGINT,
	syscall.SIGQUIT,
	syscall.SIGHUP,
}

// ContextWithTerminationSignal returns a context that is cancelled by the first termination signal.
// The signal handler is removed afterwards, so a second signal kills the process the default way.
func ContextWithTerminationSignal(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	end := make(chan os.Signal, 1)
	signal.Notify(end, terminationSignals...)
	go func() {
		select {
		case <-end:
		case <-ctx.Done():
		}
		signal.Stop(end)
		cancel()
	}()
	return ctx, cancel
}
