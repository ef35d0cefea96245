package jobstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the job (or trigger) id is unknown.
	ErrNotFound = errors.New("jobstore: not found")

	// ErrConflict means the job exists but its current status does not
	// permit the requested transition.
	ErrConflict = errors.New("jobstore: status conflict")
)

// StoreError wraps a persistence-level failure. It is an infrastructure
// error: callers should retry the operation, never treat it as a job failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("jobstore: %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err is (or wraps) a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
