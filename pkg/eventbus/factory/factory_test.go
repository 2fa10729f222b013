package factory

import (
	"context"
	"testing"

	"github.com/nimburion/jobwatch/pkg/eventbus"
	"github.com/nimburion/jobwatch/pkg/eventbus/kafka"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
)

func TestNewProducer_Disabled(t *testing.T) {
	p, err := NewProducer(context.Background(), eventbus.Config{Type: "kafka"}, logger.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Fatalf("expected no producer when disabled, got %T", p)
	}
}

func TestNewProducer_InvalidConfig(t *testing.T) {
	tests := []eventbus.Config{
		{Enabled: true, Type: "nats"},
		{Enabled: true, Type: "kafka"},
		{Enabled: true, Type: "rabbitmq"},
		{Enabled: true, Type: "sqs", Region: "eu-west-1"},
	}
	for _, cfg := range tests {
		if _, err := NewProducer(context.Background(), cfg, logger.Nop{}); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}

func TestNewProducer_Kafka(t *testing.T) {
	p, err := NewProducer(context.Background(), eventbus.Config{
		Enabled: true,
		Type:    "Kafka",
		Brokers: []string{"localhost:9092"},
		Topic:   "jobwatch.lifecycle",
	}, logger.Nop{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer p.Close()
	if _, ok := p.(*kafka.Producer); !ok {
		t.Fatalf("expected kafka producer, got %T", p)
	}
}
