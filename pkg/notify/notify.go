// Package notify publishes pipeline notifications to pub/sub topics.
//
// Topics decouple producers (web tier, finalization) from the queues that
// subscribe to them. Payloads are JSON.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/jobvault/pkg/queue"
)

// ErrTopicNotFound indicates the topic does not exist.
var ErrTopicNotFound = errors.New("topic not found")

// Publisher publishes a JSON payload to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Bus is an in-process Publisher that fans out to subscribed queues, wrapping
// payloads in the same notification envelope a managed topic would.
type Bus struct {
	mu        sync.Mutex
	subs      map[string][]queue.Queue
	published map[string][][]byte
}

var _ Publisher = (*Bus)(nil)

// NewBus returns a bus with no subscriptions.
func NewBus() *Bus {
	return &Bus{
		subs:      make(map[string][]queue.Queue),
		published: make(map[string][][]byte),
	}
}

// Subscribe delivers every message published to topic into q.
func (b *Bus) Subscribe(topic string, q queue.Queue) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], q)
}

func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	if topic == "" {
		return fmt.Errorf("publish: %w", ErrTopicNotFound)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topic, err)
	}

	b.mu.Lock()
	b.published[topic] = append(b.published[topic], data)
	subs := append([]queue.Queue(nil), b.subs[topic]...)
	b.mu.Unlock()

	body, err := queue.Wrap(topic, uuid.NewString(), data, time.Now())
	if err != nil {
		return err
	}
	for _, q := range subs {
		if err := q.Send(ctx, body); err != nil {
			return fmt.Errorf("deliver %s to %s: %w", topic, q.Name(), err)
		}
	}
	return nil
}

// Published returns the raw payloads published to topic, oldest first.
func (b *Bus) Published(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[topic]...)
}
