package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/jobwatch/pkg/eventbus"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
)

const (
	defaultExchange     = "jobwatch"
	defaultExchangeType = "topic"
)

// channel is the part of *amqp.Channel the producer uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Producer publishes forwarded events to a RabbitMQ exchange. The routing key is the
// topic, which defaults to the envelope type header so consumers can bind on
// "jobwatch.job.*".
type Producer struct {
	conn     *amqp.Connection
	ch       channel
	logger   logger.Logger
	exchange string
	topic    string
	timeout  time.Duration

	mu     sync.RWMutex
	closed bool
}

var _ eventbus.Producer = (*Producer)(nil)

// Connect dials cfg.URL and declares the exchange.
func Connect(cfg eventbus.Config, log logger.Logger) (*Producer, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	cfg = withDefaults(cfg)

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, cfg.ExchangeType, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	p := newProducer(ch, cfg, log)
	p.conn = conn
	return p, nil
}

func withDefaults(cfg eventbus.Config) eventbus.Config {
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = defaultExchange
	}
	if strings.TrimSpace(cfg.ExchangeType) == "" {
		cfg.ExchangeType = defaultExchangeType
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	return cfg
}

func newProducer(ch channel, cfg eventbus.Config, log logger.Logger) *Producer {
	cfg = withDefaults(cfg)
	if log == nil {
		log = logger.Nop{}
	}
	return &Producer{
		ch:       ch,
		logger:   log,
		exchange: cfg.Exchange,
		topic:    strings.TrimSpace(cfg.Topic),
		timeout:  cfg.OperationTimeout,
	}
}

func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if err := p.ensureOpen(); err != nil {
		return err
	}
	if message == nil {
		return fmt.Errorf("message is required")
	}

	routingKey := p.routingKey(topic, message)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	publishing := amqp.Publishing{
		MessageId:    message.ID,
		ContentType:  message.ContentType,
		Body:         message.Value,
		Timestamp:    message.Timestamp,
		Headers:      toAMQPHeaders(message.Headers),
		DeliveryMode: amqp.Persistent,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, publishing); err != nil {
		return fmt.Errorf("failed to publish rabbitmq message: %w", err)
	}
	return nil
}

// PublishBatch publishes messages one by one; AMQP has no batch publish.
func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	for _, msg := range messages {
		if err := p.Publish(ctx, topic, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *Producer) HealthCheck(ctx context.Context) error {
	if err := p.ensureOpen(); err != nil {
		return err
	}
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq health check failed: %w", err)
	}
	_ = ch.Close()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rabbitmq health check: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publish channel: %w", err))
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (p *Producer) ensureOpen() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return eventbus.ErrClosed
	}
	return nil
}

func (p *Producer) routingKey(topic string, message *eventbus.Message) string {
	if topic = strings.TrimSpace(topic); topic != "" {
		return topic
	}
	if p.topic != "" {
		return p.topic
	}
	return message.Headers["type"]
}

func toAMQPHeaders(headers map[string]string) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	t := amqp.Table{}
	for k, v := range headers {
		t[k] = v
	}
	return t
}
