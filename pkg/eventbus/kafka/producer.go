package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nimburion/jobwatch/pkg/eventbus"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
)

// writer is the part of kafka.Writer the producer uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes forwarded events to Kafka. Messages are keyed by job id, so all
// events of one job keep their order within a partition.
type Producer struct {
	writer  writer
	brokers []string
	topic   string
	logger  logger.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
}

var _ eventbus.Producer = (*Producer)(nil)

// NewProducer creates a producer writing to cfg.Brokers.
func NewProducer(cfg eventbus.Config, log logger.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		MaxAttempts:  3,
		WriteTimeout: cfg.OperationTimeout,
		ReadTimeout:  cfg.OperationTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return newProducer(w, cfg, log)
}

func newProducer(w writer, cfg eventbus.Config, log logger.Logger) (*Producer, error) {
	if w == nil {
		return nil, errors.New("kafka writer is required")
	}
	if log == nil {
		log = logger.Nop{}
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	log.Info("kafka producer initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &Producer{
		writer:  w,
		brokers: cfg.Brokers,
		topic:   strings.TrimSpace(cfg.Topic),
		logger:  log,
		timeout: cfg.OperationTimeout,
	}, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if message == nil {
		return fmt.Errorf("message is required")
	}
	return p.PublishBatch(ctx, topic, []*eventbus.Message{message})
}

func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	if err := p.ensureOpen(); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	topic = p.resolveTopic(topic)
	if topic == "" {
		return fmt.Errorf("kafka topic is required")
	}

	out := make([]kafka.Message, 0, len(messages))
	for i, m := range messages {
		if m == nil {
			return fmt.Errorf("message %d is nil", i)
		}
		out = append(out, toKafkaMessage(topic, m))
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		p.logger.Error("failed to publish to kafka", "topic", topic, "batch_size", len(out), "error", err)
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	p.logger.Debug("published to kafka", "topic", topic, "batch_size", len(out))
	return nil
}

// HealthCheck dials the first broker and fetches its metadata.
func (p *Producer) HealthCheck(ctx context.Context) error {
	if err := p.ensureOpen(); err != nil {
		return err
	}
	if len(p.brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", p.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()
	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to fetch broker metadata: %w", err)
	}
	return nil
}

// Close flushes pending writes and closes the writer.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}

func (p *Producer) ensureOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return eventbus.ErrClosed
	}
	return nil
}

func (p *Producer) resolveTopic(topic string) string {
	if topic = strings.TrimSpace(topic); topic != "" {
		return topic
	}
	return p.topic
}

func toKafkaMessage(topic string, m *eventbus.Message) kafka.Message {
	headers := convertHeaders(m.Headers)
	if m.ContentType != "" {
		headers = append(headers, kafka.Header{Key: "content-type", Value: []byte(m.ContentType)})
	}
	if m.ID != "" {
		headers = append(headers, kafka.Header{Key: "message-id", Value: []byte(m.ID)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(m.Key),
		Value:   m.Value,
		Headers: headers,
		Time:    m.Timestamp,
	}
}

func convertHeaders(headers map[string]string) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for key, value := range headers {
		out = append(out, kafka.Header{Key: key, Value: []byte(value)})
	}
	return out
}
