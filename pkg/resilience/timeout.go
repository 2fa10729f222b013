// Package resilience holds the guards the worker wraps around handlers and receives.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

// ErrTimeout is returned when an attempt outlives its timeout.
var ErrTimeout = errors.New("operation timed out")

// PanicError carries a recovered panic and the stack it was raised on.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// WithTimeout runs fn with a deadline derived from ctx. A non-positive timeout only
// inherits ctx's deadline. A panic inside fn is recovered on fn's goroutine and returned
// as *PanicError.
//
// On timeout fn keeps running until it observes its context; callers must not assume it
// has stopped.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- &PanicError{Value: rec, Stack: debug.Stack()}
			}
		}()
		done <- fn(runCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return ErrTimeout
		}
		return runCtx.Err()
	}
}
