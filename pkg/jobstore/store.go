package jobstore

import (
	"context"
	"errors"
	"sort"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no record exists for the job id.
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyExists indicates Create found an existing record.
	ErrAlreadyExists = errors.New("job already exists")
)

// UpdateResult is the outcome of a conditional update.
type UpdateResult int

const (
	// Updated means the condition held and the new fields were written.
	Updated UpdateResult = iota + 1

	// ConditionFailed means the record exists but the condition did not hold.
	// Callers treat this as "already handled": skip side effects, ack the message.
	ConditionFailed

	// NotFound means no record exists for the job id.
	NotFound
)

func (r UpdateResult) String() string {
	switch r {
	case Updated:
		return "updated"
	case ConditionFailed:
		return "condition_failed"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Condition is the predicate on the stored record that must hold for an
// update to apply. Zero-valued fields impose no constraint; a zero Condition
// only requires the record to exist.
type Condition struct {
	// Status requires job_status to equal this value.
	Status Status

	// RunTime requires run_time to equal this value.
	RunTime int64

	// ArchiveID requires result_archive_id to equal this value.
	ArchiveID string

	// NoArchive requires result_archive_id to be absent.
	NoArchive bool

	// RepublishedBefore requires republish_time to be absent or earlier
	// than this value.
	RepublishedBefore int64
}

// Update lists the fields to write. Zero-valued fields are left unchanged.
// ClearRepublishes resets republish_time and republishes and wins over the
// other republish fields.
type Update struct {
	Status         Status
	RunTime        int64
	ClearRunTime   bool
	IncAttempts    bool
	CompleteTime   int64
	ResultLocation *Location
	LogLocation    *Location
	ArchiveID      string
	ClearArchiveID bool
	RestoreTime    int64
	RepublishTime    int64
	IncRepublishes   bool
	ClearRepublishes bool
}

// IsEmpty reports whether the update writes nothing.
func (u Update) IsEmpty() bool {
	return u == Update{}
}

// Store is the conditional key-value job table.
//
// Implementations must:
//   - Evaluate Condition and apply Update atomically per record
//   - Return ConditionFailed (not an error) when the predicate does not hold
//   - Be safe for concurrent use
type Store interface {
	// Create inserts a new record. Returns ErrAlreadyExists if job_id is taken.
	Create(ctx context.Context, job *Job) error

	// Get returns the record for jobID, or ErrNotFound.
	Get(ctx context.Context, jobID string) (*Job, error)

	// QueryByUser returns all jobs owned by userID, newest submit_time first.
	QueryByUser(ctx context.Context, userID string) ([]Job, error)

	// QueryByArchiveID returns jobs whose result_archive_id equals archiveID.
	QueryByArchiveID(ctx context.Context, archiveID string) ([]Job, error)

	// ListByStatus returns all jobs currently in status.
	ListByStatus(ctx context.Context, status Status) ([]Job, error)

	// Update conditionally writes fields on jobID.
	Update(ctx context.Context, jobID string, cond Condition, upd Update) (UpdateResult, error)

	// Close releases any resources held by the store.
	Close() error
}

// Matches reports whether job satisfies cond.
// Stores without server-side conditions evaluate predicates with it.
func (c Condition) Matches(job *Job) bool {
	if job == nil {
		return false
	}
	if c.Status != "" && job.Status != c.Status {
		return false
	}
	if c.RunTime != 0 && job.RunTime != c.RunTime {
		return false
	}
	if c.ArchiveID != "" && job.ResultArchiveID != c.ArchiveID {
		return false
	}
	if c.NoArchive && job.ResultArchiveID != "" {
		return false
	}
	if c.RepublishedBefore != 0 && job.RepublishTime >= c.RepublishedBefore {
		return false
	}
	return true
}

// Apply writes upd onto job in place.
func (u Update) Apply(job *Job) {
	if u.Status != "" {
		job.Status = u.Status
	}
	if u.ClearRunTime {
		job.RunTime = 0
	}
	if u.RunTime != 0 {
		job.RunTime = u.RunTime
	}
	if u.IncAttempts {
		job.Attempts++
	}
	if u.CompleteTime != 0 {
		job.CompleteTime = u.CompleteTime
	}
	if u.ResultLocation != nil {
		loc := *u.ResultLocation
		job.ResultLocation = &loc
	}
	if u.LogLocation != nil {
		loc := *u.LogLocation
		job.LogLocation = &loc
	}
	if u.ClearArchiveID {
		job.ResultArchiveID = ""
	}
	if u.ArchiveID != "" {
		job.ResultArchiveID = u.ArchiveID
	}
	if u.RestoreTime != 0 {
		job.RestoreTime = u.RestoreTime
	}
	switch {
	case u.ClearRepublishes:
		job.RepublishTime = 0
		job.Republishes = 0
	default:
		if u.RepublishTime != 0 {
			job.RepublishTime = u.RepublishTime
		}
		if u.IncRepublishes {
			job.Republishes++
		}
	}
}

// SortNewestFirst orders jobs by submit_time descending, then job_id.
func SortNewestFirst(jobs []Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].SubmitTime != jobs[j].SubmitTime {
			return jobs[i].SubmitTime > jobs[j].SubmitTime
		}
		return jobs[i].JobID < jobs[j].JobID
	})
}
