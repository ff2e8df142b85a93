package osutil

import (
	"github.com/tebeka/atexit"
)

func RegisterProgramTerminationHandler(f func()) {
	atexit.Register(f)
}

// Exit runs the registered termination handlers before exiting.
func Exit(code int) {
	atexit.Exit(code)
}
