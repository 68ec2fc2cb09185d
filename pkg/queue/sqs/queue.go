// Package sqs implements queue.Queue on Amazon SQS.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/3leaps/jobvault/pkg/queue"
)

// SQS service limits.
const (
	MaxMessagesPerReceive = 10
	MaxWaitTime           = 20 * time.Second
)

// API is the subset of the SQS client the queue uses.
type API interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config identifies a queue by URL or by name.
type Config struct {
	// URL is the queue URL. Takes precedence over Name.
	URL string

	// Name is resolved to a URL with GetQueueUrl.
	Name string

	// VisibilityTimeout overrides the queue default for received messages.
	// Zero keeps the queue's own setting.
	VisibilityTimeout time.Duration
}

// Queue is an SQS-backed queue.Queue.
type Queue struct {
	api        API
	url        string
	name       string
	visibility time.Duration
}

var _ queue.Queue = (*Queue)(nil)

// New resolves the queue URL and returns a Queue.
func New(ctx context.Context, api API, cfg Config) (*Queue, error) {
	url := strings.TrimSpace(cfg.URL)
	name := strings.TrimSpace(cfg.Name)

	if url == "" {
		if name == "" {
			return nil, errors.New("sqs queue url or name is required")
		}
		out, err := api.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
		if err != nil {
			var notExist *types.QueueDoesNotExist
			if errors.As(err, &notExist) {
				return nil, fmt.Errorf("sqs queue %s: %w", name, queue.ErrQueueNotFound)
			}
			return nil, fmt.Errorf("sqs get queue url %s: %w", name, err)
		}
		url = aws.ToString(out.QueueUrl)
	}
	if name == "" {
		name = url[strings.LastIndex(url, "/")+1:]
	}

	return &Queue{api: api, url: url, name: name, visibility: cfg.VisibilityTimeout}, nil
}

// NewFromConfig creates a Queue with a client built from awsCfg.
func NewFromConfig(ctx context.Context, awsCfg aws.Config, cfg Config) (*Queue, error) {
	return New(ctx, sqs.NewFromConfig(awsCfg), cfg)
}

func (q *Queue) Name() string { return q.name }

// URL returns the resolved queue URL.
func (q *Queue) URL() string { return q.url }

func (q *Queue) Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(clamp(max, 1, MaxMessagesPerReceive)),
		WaitTimeSeconds:     int32(clampDuration(wait, MaxWaitTime).Seconds()),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	}
	if q.visibility > 0 {
		input.VisibilityTimeout = int32(q.visibility.Seconds())
	}

	out, err := q.api.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive %s: %w", q.name, err)
	}

	msgs := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, toMessage(m))
	}
	return msgs, nil
}

func (q *Queue) Delete(ctx context.Context, msg queue.Message) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete %s from %s: %w", msg.ID, q.name, err)
	}
	return nil
}

func (q *Queue) Send(ctx context.Context, body []byte) error {
	_, err := q.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send %s: %w", q.name, err)
	}
	return nil
}

func toMessage(m types.Message) queue.Message {
	count := 1
	if v, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			count = n
		}
	}
	return queue.Message{
		ID:            aws.ToString(m.MessageId),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
		Body:          []byte(aws.ToString(m.Body)),
		ReceiveCount:  count,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(d, max time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > max {
		return max
	}
	return d
}
