package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies task and schedule validation failures.
	ErrValidation = errors.New("scheduler validation error")
	// ErrConflict classifies state conflicts such as a duplicate task or a lost lock.
	ErrConflict = errors.New("scheduler conflict")
	// ErrNotFound classifies unknown tasks.
	ErrNotFound = errors.New("scheduler not found")
	// ErrRetryable classifies transient lock backend failures.
	ErrRetryable = errors.New("scheduler retryable error")
)

func schedulerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}
