package jobstore

import (
	"context"
	"sync"
)

// Memory is an in-process Store.
//
// It backs local mode and tests; records are deep-copied on the way in and
// out so callers never share state with the table.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*Job)}
}

func (m *Memory) Create(_ context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.JobID]; ok {
		return ErrAlreadyExists
	}
	m.jobs[job.JobID] = cloneJob(job)
	return nil
}

// Get matches jobID exactly, as the table-backed stores do.
func (m *Memory) Get(_ context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (m *Memory) QueryByUser(_ context.Context, userID string) ([]Job, error) {
	return m.filter(func(j *Job) bool { return j.UserID == userID }), nil
}

func (m *Memory) QueryByArchiveID(_ context.Context, archiveID string) ([]Job, error) {
	if archiveID == "" {
		return nil, nil
	}
	return m.filter(func(j *Job) bool { return j.ResultArchiveID == archiveID }), nil
}

func (m *Memory) ListByStatus(_ context.Context, status Status) ([]Job, error) {
	return m.filter(func(j *Job) bool { return j.Status == status }), nil
}

func (m *Memory) Update(_ context.Context, jobID string, cond Condition, upd Update) (UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return NotFound, nil
	}
	if !cond.Matches(job) {
		return ConditionFailed, nil
	}
	upd.Apply(job)
	return Updated, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) filter(keep func(*Job) bool) []Job {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, *cloneJob(j))
		}
	}
	m.mu.Unlock()
	SortNewestFirst(out)
	return out
}

func cloneJob(j *Job) *Job {
	c := *j
	if j.ResultLocation != nil {
		loc := *j.ResultLocation
		c.ResultLocation = &loc
	}
	if j.LogLocation != nil {
		loc := *j.LogLocation
		c.LogLocation = &loc
	}
	return &c
}
