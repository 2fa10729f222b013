// Package factory builds the forwarding producer selected by configuration.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/nimburion/jobwatch/pkg/eventbus"
	"github.com/nimburion/jobwatch/pkg/eventbus/kafka"
	"github.com/nimburion/jobwatch/pkg/eventbus/rabbitmq"
	"github.com/nimburion/jobwatch/pkg/eventbus/sqs"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
)

// NewProducer returns the producer for cfg.Type, or nil when forwarding is disabled.
func NewProducer(ctx context.Context, cfg eventbus.Config, log logger.Logger) (eventbus.Producer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		producer eventbus.Producer
		err      error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case eventbus.TypeKafka:
		producer, err = kafka.NewProducer(cfg, log)
	case eventbus.TypeRabbitMQ:
		producer, err = rabbitmq.Connect(cfg, log)
	case eventbus.TypeSQS:
		producer, err = sqs.Connect(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unsupported forward.type %q (supported: sqs, kafka, rabbitmq)", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	log.Info("event forwarding enabled", "type", cfg.Type, "topic", cfg.Topic)
	return producer, nil
}
