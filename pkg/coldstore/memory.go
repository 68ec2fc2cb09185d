package coldstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/3leaps/jobvault/pkg/notify"
)

// Retrieval describes a retrieval job held by a Memory vault.
type Retrieval struct {
	ID        string
	ArchiveID string
	Tier      Tier
	Completed bool
}

type memRetrieval struct {
	Retrieval
	data []byte
}

// Memory is an in-process Vault. Retrievals complete only when
// CompleteRetrievals is called, which also publishes their notices.
type Memory struct {
	name string

	mu              sync.Mutex
	archives        map[string][]byte
	retrievals      map[string]*memRetrieval
	order           []string
	rejectExpedited bool

	notifier notify.Publisher
	topic    string
}

var _ Vault = (*Memory)(nil)

// MemoryOption configures a Memory vault.
type MemoryOption func(*Memory)

// WithNotifier publishes retrieval notices to topic on completion.
func WithNotifier(pub notify.Publisher, topic string) MemoryOption {
	return func(m *Memory) {
		m.notifier = pub
		m.topic = topic
	}
}

// WithRejectExpedited makes expedited retrievals fail for lack of capacity.
func WithRejectExpedited(reject bool) MemoryOption {
	return func(m *Memory) { m.rejectExpedited = reject }
}

// NewMemory returns an empty vault.
func NewMemory(name string, opts ...MemoryOption) *Memory {
	m := &Memory{
		name:       name,
		archives:   make(map[string][]byte),
		retrievals: make(map[string]*memRetrieval),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) Upload(ctx context.Context, body io.ReadSeeker, description string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", fmt.Errorf("read archive body: %w", err)
	}
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[id] = data
	return id, nil
}

func (m *Memory) InitiateRetrieval(ctx context.Context, archiveID string, tier Tier) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.archives[archiveID]
	if !ok {
		return "", fmt.Errorf("initiate retrieval %s: %w", archiveID, ErrNotFound)
	}
	if tier == TierExpedited && m.rejectExpedited {
		return "", fmt.Errorf("initiate retrieval %s: %w", archiveID, ErrInsufficientCapacity)
	}

	id := uuid.NewString()
	m.retrievals[id] = &memRetrieval{
		Retrieval: Retrieval{ID: id, ArchiveID: archiveID, Tier: tier},
		data:      data,
	}
	m.order = append(m.order, id)
	return id, nil
}

func (m *Memory) RetrievalOutput(ctx context.Context, retrievalID string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.retrievals[retrievalID]
	if !ok {
		return nil, fmt.Errorf("retrieval %s: %w", retrievalID, ErrNotFound)
	}
	if !r.Completed {
		return nil, fmt.Errorf("retrieval %s: %w", retrievalID, ErrNotReady)
	}
	return io.NopCloser(bytes.NewReader(r.data)), nil
}

func (m *Memory) Delete(ctx context.Context, archiveID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.archives, archiveID)
	return nil
}

// CompleteRetrievals finishes every pending retrieval and publishes a
// notice for each. Returns the number completed.
func (m *Memory) CompleteRetrievals(ctx context.Context) (int, error) {
	m.mu.Lock()
	var done []Notice
	for _, id := range m.order {
		r := m.retrievals[id]
		if r.Completed {
			continue
		}
		r.Completed = true
		done = append(done, Notice{
			Action:     "ArchiveRetrieval",
			JobID:      r.ID,
			ArchiveID:  r.ArchiveID,
			Tier:       string(r.Tier),
			Completed:  true,
			StatusCode: "Succeeded",
		})
	}
	m.mu.Unlock()

	if m.notifier == nil {
		return len(done), nil
	}
	for i, n := range done {
		if err := m.notifier.Publish(ctx, m.topic, n); err != nil {
			return i, fmt.Errorf("publish retrieval notice %s: %w", n.JobID, err)
		}
	}
	return len(done), nil
}

// Archive returns the bytes of archiveID.
func (m *Memory) Archive(archiveID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.archives[archiveID]
	return data, ok
}

// ArchiveCount returns the number of stored archives.
func (m *Memory) ArchiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.archives)
}

// Retrievals returns all retrieval jobs in initiation order.
func (m *Memory) Retrievals() []Retrieval {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Retrieval, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.retrievals[id].Retrieval)
	}
	return out
}
