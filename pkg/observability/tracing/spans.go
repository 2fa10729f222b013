// Package tracing wraps OpenTelemetry span creation for queue traffic and job-state storage.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanOperation names a traced operation.
type SpanOperation string

const (
	SpanOperationMsgPublish SpanOperation = "messaging.publish"
	SpanOperationMsgReceive SpanOperation = "messaging.receive"
	SpanOperationMsgProcess SpanOperation = "messaging.process"
	SpanOperationMsgDelete  SpanOperation = "messaging.settle"

	SpanOperationStoreWrite SpanOperation = "store.write"
	SpanOperationStoreRead  SpanOperation = "store.read"
)

const (
	messagingScope = "jobwatch/messaging"
	storeScope     = "jobwatch/store"
)

// MessagingSpanOption configures a messaging span.
type MessagingSpanOption func(*spanOptions)

// StoreSpanOption configures a store span.
type StoreSpanOption func(*spanOptions)

type spanOptions struct {
	target     string
	attributes []attribute.KeyValue
}

// StartMessagingSpan starts a span for one queue operation. Publish spans are producer
// spans, receive and process spans are consumer spans.
func StartMessagingSpan(ctx context.Context, operation SpanOperation, opts ...MessagingSpanOption) (context.Context, trace.Span) {
	o := &spanOptions{attributes: []attribute.KeyValue{
		attribute.String("messaging.operation", string(operation)),
	}}
	for _, opt := range opts {
		opt(o)
	}

	kind := trace.SpanKindClient
	switch operation {
	case SpanOperationMsgPublish:
		kind = trace.SpanKindProducer
	case SpanOperationMsgReceive, SpanOperationMsgProcess:
		kind = trace.SpanKindConsumer
	}

	ctx, span := otel.Tracer(messagingScope).Start(ctx, spanName("MSG", operation, o.target), trace.WithSpanKind(kind))
	span.SetAttributes(o.attributes...)
	return ctx, span
}

func WithMessagingSystem(system string) MessagingSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("messaging.system", system))
	}
}

// WithMessagingDestination sets the queue the span targets and adds it to the span name.
func WithMessagingDestination(destination string) MessagingSpanOption {
	return func(o *spanOptions) {
		o.target = destination
		o.attributes = append(o.attributes, attribute.String("messaging.destination", destination))
	}
}

func WithMessagingMessageID(id string) MessagingSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("messaging.message_id", id))
	}
}

func WithMessagingPayloadSize(size int) MessagingSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.Int("messaging.payload_size_bytes", size))
	}
}

// WithMessagingAttempt records the delivery attempt being processed.
func WithMessagingAttempt(attempt int) MessagingSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.Int("messaging.attempt", attempt))
	}
}

// StartStoreSpan starts a client span for one job repository operation.
func StartStoreSpan(ctx context.Context, operation SpanOperation, opts ...StoreSpanOption) (context.Context, trace.Span) {
	o := &spanOptions{attributes: []attribute.KeyValue{
		attribute.String("store.operation", string(operation)),
	}}
	for _, opt := range opts {
		opt(o)
	}
	ctx, span := otel.Tracer(storeScope).Start(ctx, spanName("STORE", operation, o.target), trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(o.attributes...)
	return ctx, span
}

func WithStoreSystem(system string) StoreSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("store.system", system))
	}
}

// WithStoreAction names the repository action (for example "completed") and adds it to the
// span name.
func WithStoreAction(action string) StoreSpanOption {
	return func(o *spanOptions) {
		o.target = action
		o.attributes = append(o.attributes, attribute.String("store.action", action))
	}
}

func WithStoreJobID(id string) StoreSpanOption {
	return func(o *spanOptions) {
		o.attributes = append(o.attributes, attribute.String("job.id", id))
	}
}

// RecordError marks span as failed. A nil error is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span as OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

func spanName(prefix string, operation SpanOperation, target string) string {
	if target == "" {
		return prefix + " " + string(operation)
	}
	return prefix + " " + string(operation) + " " + target
}
