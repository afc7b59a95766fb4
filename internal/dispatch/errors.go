package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrNoInstallationFound = errors.New("no installation found")
	ErrDispatchFailed      = errors.New("dispatch failed")
)

// Error wraps a transport failure for one target.
type Error struct {
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch to %s: %v", e.Target, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrDispatchFailed, e.Err}
}
