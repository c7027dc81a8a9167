package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	sqlite3 "modernc.org/sqlite"
)

// Primary SQLite result codes that indicate lock contention. Extended codes
// carry the primary code in the low byte.
const (
	sqliteBusy   = 5
	sqliteLocked = 6
)

// Error wraps a storage failure with a retryability classification.
// Transient failures (lock contention, timeouts, dropped connections) are
// eligible for caller-level retry with backoff; everything else is fatal
// and must propagate without retry.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("store: %s (%s): %v", e.Op, kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a storage error worth retrying.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}

// wrapErr classifies err and wraps it as a *Error. Returns nil for nil.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Transient: isRetryable(err), Err: err}
}

// isRetryable reports whether the underlying failure is lock contention or
// a timeout rather than a schema/constraint problem.
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var se *sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqliteBusy, sqliteLocked:
			return true
		}
	}
	return false
}
