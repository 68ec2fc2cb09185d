package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultVisibilityTimeout matches the SQS default.
const DefaultVisibilityTimeout = 30 * time.Second

// Memory is an in-process Queue with SQS-like visibility semantics.
// It backs local mode and tests.
type Memory struct {
	name       string
	visibility time.Duration
	now        func() time.Time

	mu       sync.Mutex
	messages []*memMessage
	signal   chan struct{}
}

type memMessage struct {
	id           string
	body         []byte
	receiveCount int
	receipt      string
	visibleAt    time.Time
}

var _ Queue = (*Memory)(nil)

// MemoryOption configures a Memory queue.
type MemoryOption func(*Memory)

// WithVisibilityTimeout sets how long a received message stays invisible.
func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) { m.visibility = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an empty in-memory queue.
func NewMemory(name string, opts ...MemoryOption) *Memory {
	m := &Memory{
		name:       name,
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
		signal:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Send(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	buf := make([]byte, len(body))
	copy(buf, body)

	m.mu.Lock()
	m.messages = append(m.messages, &memMessage{id: uuid.NewString(), body: buf})
	m.wakeLocked()
	m.mu.Unlock()
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	var timer <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}

	for {
		m.mu.Lock()
		out := m.takeLocked(max)
		signal := m.signal
		m.mu.Unlock()

		if len(out) > 0 || wait <= 0 {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer:
			return nil, nil
		case <-signal:
		}
	}
}

func (m *Memory) Delete(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, mm := range m.messages {
		if mm.id != msg.ID {
			continue
		}
		if mm.receipt != msg.ReceiptHandle {
			return fmt.Errorf("delete %s: stale receipt handle", msg.ID)
		}
		m.messages = append(m.messages[:i], m.messages[i+1:]...)
		return nil
	}
	// Already deleted: SQS treats this as success.
	return nil
}

// Len returns the number of messages not yet deleted, visible or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Bodies returns the payloads of all undeleted messages, unwrapped.
func (m *Memory) Bodies() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([][]byte, 0, len(m.messages))
	for _, mm := range m.messages {
		out = append(out, Unwrap(mm.body))
	}
	return out
}

// ExpireVisibility makes every in-flight message visible again.
func (m *Memory) ExpireVisibility() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mm := range m.messages {
		mm.visibleAt = time.Time{}
	}
	m.wakeLocked()
}

func (m *Memory) takeLocked(max int) []Message {
	now := m.now()
	var out []Message
	for _, mm := range m.messages {
		if len(out) >= max {
			break
		}
		if now.Before(mm.visibleAt) {
			continue
		}
		mm.receiveCount++
		mm.receipt = fmt.Sprintf("%s#%d", mm.id, mm.receiveCount)
		mm.visibleAt = now.Add(m.visibility)

		body := make([]byte, len(mm.body))
		copy(body, mm.body)
		out = append(out, Message{
			ID:            mm.id,
			ReceiptHandle: mm.receipt,
			Body:          body,
			ReceiveCount:  mm.receiveCount,
		})
	}
	return out
}

// wakeLocked releases every Receive blocked on the current signal.
func (m *Memory) wakeLocked() {
	close(m.signal)
	m.signal = make(chan struct{})
}
