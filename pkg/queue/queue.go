// Package queue defines the durable at-least-once queue used by every
// pipeline stage.
//
// Delivery is at-least-once and unordered. A received message stays
// invisible for the queue's visibility timeout; if it is not deleted before
// then it is delivered again with a higher ReceiveCount.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrQueueNotFound indicates the named queue does not exist.
var ErrQueueNotFound = errors.New("queue not found")

// Message is one delivery of a queued message.
type Message struct {
	// ID is stable across redeliveries.
	ID string

	// ReceiptHandle identifies this particular delivery for Delete.
	ReceiptHandle string

	// Body is the raw payload, possibly wrapped in a topic envelope.
	Body []byte

	// ReceiveCount is the number of times the message has been delivered,
	// including this one.
	ReceiveCount int
}

// Queue is a durable at-least-once message queue.
type Queue interface {
	// Name identifies the queue in logs and metrics.
	Name() string

	// Receive long-polls for up to max messages, waiting at most wait.
	// An empty result with a nil error means the wait elapsed.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error)

	// Delete acknowledges a delivery.
	Delete(ctx context.Context, msg Message) error

	// Send enqueues a raw payload.
	Send(ctx context.Context, body []byte) error
}

// envelope is the JSON wrapper a topic adds when delivering to a
// subscribed queue without raw delivery.
type envelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId,omitempty"`
	TopicArn  string `json:"TopicArn,omitempty"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp,omitempty"`
}

// Payload returns the message payload with any topic envelope removed.
func (m Message) Payload() []byte {
	return Unwrap(m.Body)
}

// Unwrap strips a topic notification envelope. Bodies that are not
// envelopes are returned unchanged.
func Unwrap(body []byte) []byte {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	if env.Type != "Notification" || env.Message == "" {
		return body
	}
	return []byte(env.Message)
}

// Wrap builds the notification envelope a topic delivers to queues.
func Wrap(topic, messageID string, payload []byte, at time.Time) ([]byte, error) {
	return json.Marshal(envelope{
		Type:      "Notification",
		MessageID: messageID,
		TopicArn:  topic,
		Message:   string(payload),
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
}

// Decode unmarshals the unwrapped payload of msg into v.
func Decode(msg Message, v any) error {
	return json.Unmarshal(msg.Payload(), v)
}
