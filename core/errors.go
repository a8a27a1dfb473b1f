package core

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a key does not exist in object storage.
	ErrNotFound = errors.New("not found")
	// ErrCorrupted indicates data that could not be decoded.
	ErrCorrupted = errors.New("corrupted data")
)

// RetryableError wraps an operational failure the caller is expected to
// retry: a timestamp outside the retained window, an I/O timeout, a
// transient storage error. State is never corrupted by a retryable failure.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v (retry with backoff)", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps err as retryable with operation context.
func NewRetryableError(op string, err error) error {
	return &RetryableError{Op: op, Err: err}
}

// IsRetryable reports whether err (or any error in its chain) is retryable.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// NewTimestampTooEarlyError reports a read at a timestamp older than the
// retained snapshot window. Callers retry with a higher timestamp.
func NewTimestampTooEarlyError(ts, earliest Timestamp) error {
	return NewRetryableError(
		"snapshot",
		fmt.Errorf("timestamp %s is too early (earliest retained: %s), retry with a higher timestamp", ts, earliest),
	)
}

// IndexBackfillingError is returned when a search query targets an index
// that is not yet, or no longer, queryable: it is still backfilling, it has
// not been enabled, or its on-disk format version does not match this
// build.
type IndexBackfillingError struct {
	Name IndexName
}

func (e *IndexBackfillingError) Error() string {
	return fmt.Sprintf("index %s is currently backfilling and not yet available", e.Name)
}

// NewIndexBackfillingError returns a backfilling error for name.
func NewIndexBackfillingError(name IndexName) error {
	return &IndexBackfillingError{Name: name}
}

// IsIndexBackfilling checks if an error is an IndexBackfillingError.
func IsIndexBackfilling(err error) bool {
	var be *IndexBackfillingError
	return errors.As(err, &be)
}

// ConsistencyError is a deterministic invariant violation: a dangling
// delete left after a revision stream, a truncation below the delta's
// lower bound, an invalid lifecycle transition. These are unrecoverable;
// the operation aborts loudly instead of producing wrong index contents.
type ConsistencyError struct {
	Message string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation: %s", e.Message)
}

// NewConsistencyError formats a ConsistencyError.
func NewConsistencyError(format string, args ...any) error {
	return &ConsistencyError{Message: fmt.Sprintf(format, args...)}
}

// IsConsistencyViolation checks if an error is a ConsistencyError.
func IsConsistencyViolation(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
