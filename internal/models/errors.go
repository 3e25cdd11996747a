package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidMetric  = errors.New("invalid metric")
	ErrNotFound       = errors.New("not found")
	ErrComputeFailure = errors.New("compute failure")
)

// ComputeError is returned to every caller waiting on a failed cache
// computation. It matches ErrComputeFailure and the underlying cause.
type ComputeError struct {
	Key   string
	Cause error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("compute %q failed: %v", e.Key, e.Cause)
}

func (e *ComputeError) Unwrap() []error {
	return []error{ErrComputeFailure, e.Cause}
}
