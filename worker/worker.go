// Package worker runs one relay direction of a connection in its own goroutine and
// coordinates its start and stop with the owner of the connection.
package worker

import (
	"fmt"
	"sync/atomic"

	"github.com/ringo-is-a-color/seqproxy/util/errors"
	"github.com/ringo-is-a-color/seqproxy/util/log"
)

type Status int32

// Status only grows, except that Prepared and Starting may jump straight to Stopping.
const (
	StatusUnprepared Status = iota
	StatusPrepared
	StatusStarting
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusUnprepared:
		return "unprepared"
	case StatusPrepared:
		return "prepared"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	case StatusStopped:
		return "stopped"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

var (
	ErrNotPrepared     = errors.New("worker is not prepared")
	ErrAlreadyPrepared = errors.New("worker is already prepared")
	ErrAlreadyRunning  = errors.New("worker has already been started")
	ErrAlreadyFinished = errors.New("worker has already been stopped")
)

// Handler binds a Worker to one transport.
type Handler interface {
	// Run is the relay loop. It returns nil for a graceful end (peer hang-up or ForceStop).
	Run() error
	// Cleanup is called exactly once, after Run returned or when the worker was cancelled before
	// it started. runErr is nil in the latter case.
	Cleanup(runErr error)
	// ForceStop must make a blocking Run return. It can be called before Run is entered, so the
	// request has to stick.
	ForceStop() error
}

type Worker struct {
	logger  *log.Logger
	handler Handler
	status  atomic.Int32
	// true starts the handler, false cancels a prepared worker
	trigger chan bool
	done    chan struct{}
	err     error
}

// Prepare starts the goroutine in its parked state. No transport I/O happens until Run.
// It must not race with another Prepare of the same worker.
func (w *Worker) Prepare(logger *log.Logger, handler Handler) error {
	if w.Status() != StatusUnprepared {
		return ErrAlreadyPrepared
	}
	w.logger = logger
	w.handler = handler
	// buffered: exactly one of Run and Stop wins the CAS out of Prepared and sends once
	w.trigger = make(chan bool, 1)
	w.done = make(chan struct{})
	// publishes the fields above to Run, Stop and Wait
	w.status.Store(int32(StatusPrepared))
	w.logger.Trace("prepared worker")
	go w.loop()
	return nil
}

func (w *Worker) loop() {
	defer close(w.done)

	var err error
	start := <-w.trigger
	switch {
	case !start:
		w.logger.Trace("stopping prepared worker")
	case w.status.CompareAndSwap(int32(StatusStarting), int32(StatusRunning)):
		w.logger.Trace("handing off to the relay loop")
		err = w.handler.Run()
	default:
		status := w.Status()
		if status != StatusStopping {
			panic(fmt.Sprintf("invalid worker status: %v", status))
		}
		w.logger.Trace("worker stopped before it started running")
	}

	w.status.Store(int32(StatusStopping))
	w.handler.Cleanup(err)
	w.err = err
	w.status.Store(int32(StatusStopped))
}

func (w *Worker) Run() error {
	if w.status.CompareAndSwap(int32(StatusPrepared), int32(StatusStarting)) {
		w.trigger <- true
		w.logger.Trace("started worker")
		return nil
	}
	switch status := w.Status(); {
	case status == StatusUnprepared:
		return ErrNotPrepared
	case status >= StatusStopping:
		w.logger.Error("could not start worker because it has already been stopped")
		return ErrAlreadyFinished
	default:
		w.logger.Error("could not start worker because it has already been started")
		return ErrAlreadyRunning
	}
}

// Stop cancels a prepared worker or force-stops a started one. It does not wait,
// see Wait. Stopping a worker that is already stopping is a no-op.
func (w *Worker) Stop() error {
	if w.status.CompareAndSwap(int32(StatusPrepared), int32(StatusStopping)) {
		w.logger.Trace("cancelling prepared worker")
		w.trigger <- false
		return nil
	}
	if w.status.CompareAndSwap(int32(StatusStarting), int32(StatusStopping)) ||
		w.status.CompareAndSwap(int32(StatusRunning), int32(StatusStopping)) {
		w.logger.Trace("sending stop signal to worker")
		return errors.WithStack(w.handler.ForceStop())
	}
	return nil
}

// Wait blocks until the worker is stopped. An unprepared worker counts as stopped.
func (w *Worker) Wait() {
	if w.Status() == StatusUnprepared {
		return
	}
	<-w.done
}

// Dispose is Stop followed by Wait.
func (w *Worker) Dispose() error {
	err := w.Stop()
	w.Wait()
	return err
}

func (w *Worker) Status() Status {
	return Status(w.status.Load())
}

// Err is the result of Run, valid once the worker is stopped.
func (w *Worker) Err() error {
	if w.Status() != StatusStopped {
		return nil
	}
	return w.err
}
