// Package eventbus republishes job lifecycle events to an external broker so dashboards
// outside the worker process can follow job state.
package eventbus

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrClosed is returned by producers after Close.
var ErrClosed = errors.New("eventbus producer is closed")

// Producer publishes messages to topics.
type Producer interface {
	// Publish sends a single message to topic. An empty topic selects the producer's
	// configured default.
	Publish(ctx context.Context, topic string, message *Message) error

	// PublishBatch sends messages to topic. It stops at the first failed chunk.
	PublishBatch(ctx context.Context, topic string, messages []*Message) error

	// HealthCheck verifies connectivity to the broker.
	HealthCheck(ctx context.Context) error

	// Close releases the broker connection.
	Close() error
}

// Message is one broker message.
type Message struct {
	ID string

	// Key partitions messages on brokers that support it. Forwarded lifecycle events use
	// the job id so every event of one job lands on the same partition.
	Key string

	Value       []byte
	Headers     map[string]string
	ContentType string
	Timestamp   time.Time
}

// Supported producer types.
const (
	TypeSQS      = "sqs"
	TypeKafka    = "kafka"
	TypeRabbitMQ = "rabbitmq"
)

// Config selects and configures the forwarding producer.
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	Topic   string `mapstructure:"topic"`

	// kafka
	Brokers []string `mapstructure:"brokers"`

	// rabbitmq
	URL          string `mapstructure:"url"`
	Exchange     string `mapstructure:"exchange"`
	ExchangeType string `mapstructure:"exchange_type"`

	// sqs; Topic may be a queue URL or a name resolved against QueueURL's prefix
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	QueueURL        string `mapstructure:"queue_url"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token"`

	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// Validate checks the settings required by the selected type. A disabled config is always
// valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case TypeKafka:
		if len(c.Brokers) == 0 {
			return errors.New("forward.brokers is required for kafka")
		}
		if strings.TrimSpace(c.Topic) == "" {
			return errors.New("forward.topic is required for kafka")
		}
	case TypeRabbitMQ:
		if strings.TrimSpace(c.URL) == "" {
			return errors.New("forward.url is required for rabbitmq")
		}
	case TypeSQS:
		if strings.TrimSpace(c.Region) == "" {
			return errors.New("forward.region is required for sqs")
		}
		if strings.TrimSpace(c.QueueURL) == "" {
			return errors.New("forward.queue_url is required for sqs")
		}
	default:
		return errors.New("forward.type must be one of: sqs, kafka, rabbitmq")
	}
	if c.OperationTimeout < 0 {
		return errors.New("forward.operation_timeout must be >= 0")
	}
	return nil
}
