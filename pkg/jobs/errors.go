package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation classifies malformed payloads and invalid caller input.
	ErrValidation = errors.New("jobs validation error")
	// ErrTransport classifies failures returned by the queue transport.
	ErrTransport = errors.New("jobs transport error")
	// ErrNotFound classifies missing logical resources (for example an unknown job id).
	ErrNotFound = errors.New("jobs not found")
	// ErrClosed classifies operations on an already closed queue or store.
	ErrClosed = errors.New("jobs closed")
)

// Errorf classifies message under kind so callers can match with errors.Is.
func Errorf(kind error, format string, args ...any) error {
	if format == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
