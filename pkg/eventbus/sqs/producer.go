package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/nimburion/jobwatch/pkg/eventbus"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
	queuesqs "github.com/nimburion/jobwatch/pkg/queue/sqs"
)

// maxBatchEntries is the SendMessageBatch entry limit.
const maxBatchEntries = 10

// API is the subset of the SQS client the producer calls.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

var _ API = (*sqs.Client)(nil)

// Producer publishes forwarded events to an SQS queue.
type Producer struct {
	client API
	logger logger.Logger
	config eventbus.Config

	mu     sync.RWMutex
	closed bool
}

var _ eventbus.Producer = (*Producer)(nil)

// NewProducer creates a producer over client. The config's QueueURL is the default
// destination.
func NewProducer(client API, cfg eventbus.Config, log logger.Logger) (*Producer, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if strings.TrimSpace(cfg.QueueURL) == "" {
		return nil, errors.New("sqs queue URL is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Nop{}
	}
	return &Producer{client: client, logger: log, config: cfg}, nil
}

// Connect builds the AWS client the same way job queues do and verifies the queue.
func Connect(ctx context.Context, cfg eventbus.Config, log logger.Logger) (*Producer, error) {
	client, err := queuesqs.NewClient(ctx, queuesqs.Config{
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
		SessionToken:    cfg.SessionToken,
	})
	if err != nil {
		return nil, err
	}
	p, err := NewProducer(client, cfg, log)
	if err != nil {
		return nil, err
	}
	if err := p.HealthCheck(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Producer) Publish(ctx context.Context, topic string, message *eventbus.Message) error {
	if err := p.ensureOpen(); err != nil {
		return err
	}
	if message == nil {
		return fmt.Errorf("message is required")
	}

	queueURL := p.resolveQueueURL(topic)
	opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
	defer cancel()

	_, err := p.client.SendMessage(opCtx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(queueURL),
		MessageBody:       aws.String(string(message.Value)),
		MessageAttributes: toSQSAttributes(message.Headers),
	})
	if err != nil {
		return fmt.Errorf("failed to publish sqs message: %w", err)
	}
	return nil
}

func (p *Producer) PublishBatch(ctx context.Context, topic string, messages []*eventbus.Message) error {
	if err := p.ensureOpen(); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	queueURL := p.resolveQueueURL(topic)
	for i := 0; i < len(messages); i += maxBatchEntries {
		end := min(i+maxBatchEntries, len(messages))
		batch := messages[i:end]
		entries := make([]types.SendMessageBatchRequestEntry, 0, len(batch))
		for idx, m := range batch {
			if m == nil {
				return fmt.Errorf("message %d is nil", i+idx)
			}
			entries = append(entries, types.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i + idx)),
				MessageBody:       aws.String(string(m.Value)),
				MessageAttributes: toSQSAttributes(m.Headers),
			})
		}

		opCtx, cancel := context.WithTimeout(ctx, p.config.OperationTimeout)
		out, err := p.client.SendMessageBatch(opCtx, &sqs.SendMessageBatchInput{QueueUrl: aws.String(queueURL), Entries: entries})
		cancel()
		if err != nil {
			return fmt.Errorf("failed to publish sqs batch: %w", err)
		}
		if out != nil && len(out.Failed) > 0 {
			first := out.Failed[0]
			return fmt.Errorf("sqs batch rejected %d entries, first %s: %s",
				len(out.Failed), aws.ToString(first.Id), aws.ToString(first.Message))
		}
	}
	p.logger.Debug("forwarded batch published", "queue", queueURL, "batch_size", len(messages))
	return nil
}

func (p *Producer) HealthCheck(ctx context.Context) error {
	if err := p.ensureOpen(); err != nil {
		return err
	}
	hcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := p.client.GetQueueAttributes(hcCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(p.config.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return fmt.Errorf("sqs health check failed: %w", err)
	}
	return nil
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
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

// resolveQueueURL maps topic to a queue URL. Full URLs pass through; bare names replace
// the last path segment of the default queue URL.
func (p *Producer) resolveQueueURL(topic string) string {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = strings.TrimSpace(p.config.Topic)
	}
	if topic == "" {
		return p.config.QueueURL
	}
	if strings.Contains(topic, "://") {
		return topic
	}
	base := p.config.QueueURL
	if idx := strings.LastIndex(base, "/"); idx >= 0 {
		return base[:idx+1] + topic
	}
	return topic
}

func toSQSAttributes(headers map[string]string) map[string]types.MessageAttributeValue {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]types.MessageAttributeValue, len(headers))
	for k, v := range headers {
		if v == "" {
			continue
		}
		out[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return out
}
