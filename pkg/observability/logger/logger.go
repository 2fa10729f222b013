package logger

import (
	"context"
)

// Logger is the structured logger used across jobwatch.
// Log methods take a message followed by alternating key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds args to every entry.
	With(args ...any) Logger

	// WithContext returns a child logger carrying the job correlation fields stored in ctx.
	WithContext(ctx context.Context) Logger
}

type contextKey int

const (
	jobIDKey contextKey = iota
	connectionKey
)

// ContextWithJob stores job correlation fields for WithContext.
func ContextWithJob(ctx context.Context, connection, jobID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, connectionKey, connection)
	return context.WithValue(ctx, jobIDKey, jobID)
}

func contextFields(ctx context.Context) []any {
	if ctx == nil {
		return nil
	}
	var fields []any
	if conn, ok := ctx.Value(connectionKey).(string); ok && conn != "" {
		fields = append(fields, "connection", conn)
	}
	if id, ok := ctx.Value(jobIDKey).(string); ok && id != "" {
		fields = append(fields, "job_id", id)
	}
	return fields
}

// Nop discards every entry.
type Nop struct{}

func (Nop) Debug(string, ...any)                  {}
func (Nop) Info(string, ...any)                   {}
func (Nop) Warn(string, ...any)                   {}
func (Nop) Error(string, ...any)                  {}
func (n Nop) With(...any) Logger                  { return n }
func (n Nop) WithContext(context.Context) Logger { return n }
