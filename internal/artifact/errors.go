package artifact

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an artifact or job does not exist.
var ErrNotFound = errors.New("artifact not found")

// ValidationError rejects a write that can never succeed. It is not retried.
type ValidationError struct {
	JobID  string
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("artifact %s/%s rejected: %s", e.JobID, e.Name, e.Reason)
}

// StoreError wraps an I/O failure that survived all retry attempts.
type StoreError struct {
	JobID string
	Name  string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("failed to store artifact %s for job %s: %v", e.Name, e.JobID, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
