package errors

import (
	"errors"
	"fmt"

	"github.com/mdobak/go-xerrors"
)

func New(msg string) error {
	return xerrors.New(msg)
}

func Newf(format string, a ...any) error {
	return xerrors.New(fmt.Sprintf(format, a...))
}

// WithStack returns nil for a nil error so it can wrap a result unconditionally.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return xerrors.New(err)
}

func WithStack2[T any](t T, err error) (T, error) {
	return t, WithStack(err)
}

func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return xerrors.New(err, msg)
}

func Wrapf(err error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	return xerrors.New(err, fmt.Sprintf(format, a...))
}

var Join = xerrors.Append

var Is = errors.Is

var As = errors.As
