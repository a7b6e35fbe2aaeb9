// Package storage holds the error type every persistence backend reports
// failures with, so callers can tell infrastructure faults apart from
// domain rejections.
package storage

import (
	"errors"
	"fmt"
)

type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns nil when err is nil. Errors that are already storage errors
// are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Op: op, Err: err}
}

func IsStorage(err error) bool {
	var target *Error
	return errors.As(err, &target)
}
