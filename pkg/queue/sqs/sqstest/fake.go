// Package sqstest provides an in-memory SQS stand-in for tests.
package sqstest

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const receiveCountAttribute = string(types.MessageSystemAttributeNameApproximateReceiveCount)

type message struct {
	id       string
	queue    string
	body     string
	received int
	inFlight bool
	handle   string
}

// Fake is a single-process stand-in for SQS. Messages become invisible on receive and
// visible again on a zero visibility change. Receipt handles are "<message id>-<receive
// count>", so a stale handle from an earlier delivery is rejected.
type Fake struct {
	mu       sync.Mutex
	messages []*message
	nextID   int

	Sends   []*sqs.SendMessageInput
	Deletes []*sqs.DeleteMessageInput
	Changes []*sqs.ChangeMessageVisibilityInput

	SendErr    error
	ReceiveErr error
	DeleteErr  error
	// ApproxSize overrides the reported ApproximateNumberOfMessages when set.
	ApproxSize string
}

func (f *Fake) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Sends = append(f.Sends, in)
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	f.nextID++
	id := "msg-" + strconv.Itoa(f.nextID)
	f.messages = append(f.messages, &message{
		id:    id,
		queue: aws.ToString(in.QueueUrl),
		body:  aws.ToString(in.MessageBody),
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *Fake) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReceiveErr != nil {
		return nil, f.ReceiveErr
	}
	queue := aws.ToString(in.QueueUrl)
	for _, m := range f.messages {
		if m.inFlight || (queue != "" && m.queue != "" && m.queue != queue) {
			continue
		}
		m.inFlight = true
		m.received++
		m.handle = m.id + "-" + strconv.Itoa(m.received)
		return &sqs.ReceiveMessageOutput{Messages: []types.Message{{
			MessageId:     aws.String(m.id),
			Body:          aws.String(m.body),
			ReceiptHandle: aws.String(m.handle),
			Attributes:    map[string]string{receiveCountAttribute: strconv.Itoa(m.received)},
		}}}, nil
	}
	return &sqs.ReceiveMessageOutput{}, nil
}

func (f *Fake) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes = append(f.Deletes, in)
	if f.DeleteErr != nil {
		return nil, f.DeleteErr
	}
	for i, m := range f.messages {
		if m.handle == aws.ToString(in.ReceiptHandle) {
			f.messages = append(f.messages[:i], f.messages[i+1:]...)
			return &sqs.DeleteMessageOutput{}, nil
		}
	}
	return nil, errors.New("receipt handle is invalid")
}

func (f *Fake) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Changes = append(f.Changes, in)
	for _, m := range f.messages {
		if m.handle == aws.ToString(in.ReceiptHandle) {
			m.inFlight = in.VisibilityTimeout > 0
			return &sqs.ChangeMessageVisibilityOutput{}, nil
		}
	}
	return nil, errors.New("receipt handle is invalid")
}

func (f *Fake) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	size := f.ApproxSize
	if size == "" {
		size = strconv.Itoa(len(f.messages))
	}
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		string(types.QueueAttributeNameApproximateNumberOfMessages): size,
	}}, nil
}

// Len returns the number of messages not yet deleted.
func (f *Fake) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

// Visible returns the number of messages a receive could return now.
func (f *Fake) Visible() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.messages {
		if !m.inFlight {
			n++
		}
	}
	return n
}

// Expire makes every in-flight message visible again, as if its visibility timeout
// elapsed.
func (f *Fake) Expire() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		m.inFlight = false
	}
}
