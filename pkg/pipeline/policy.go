package pipeline

import (
	"slices"
	"time"

	"github.com/3leaps/jobvault/pkg/jobstore"
)

// DefaultFreeAccessWindow is how long archive-tier roles may read a result
// from the hot tier after completion.
const DefaultFreeAccessWindow = 5 * time.Minute

// Policy holds the role-based rules the pipeline and read API share.
type Policy struct {
	// ArchiveRoles lists the roles whose results are moved to the cold tier.
	ArchiveRoles []string

	// FreeAccessWindow bounds hot-tier access for ArchiveRoles.
	FreeAccessWindow time.Duration
}

// DefaultPolicy archives results of free users.
func DefaultPolicy() Policy {
	return Policy{ArchiveRoles: []string{"free_user"}, FreeAccessWindow: DefaultFreeAccessWindow}
}

// RequiresArchive reports whether results for role go to the cold tier.
func (p Policy) RequiresArchive(role string) bool {
	return slices.Contains(p.ArchiveRoles, role)
}

// ResultState describes where a job's result can be read from.
type ResultState string

const (
	ResultPending  ResultState = "pending"
	ResultHot      ResultState = "hot"
	ResultArchived ResultState = "archived"
)

// View is a job record plus fields derived for readers.
type View struct {
	jobstore.Job
	ResultState       ResultState `json:"result_state"`
	FreeAccessExpired bool        `json:"free_access_expired"`
}

// NewView derives the reader view of job at now.
func (p Policy) NewView(job *jobstore.Job, now time.Time) View {
	v := View{Job: *job}
	switch {
	case job.Status != jobstore.StatusCompleted:
		v.ResultState = ResultPending
	case job.Archived():
		v.ResultState = ResultArchived
	default:
		v.ResultState = ResultHot
	}
	if job.CompleteTime != 0 && p.RequiresArchive(job.UserRole) && job.RestoreTime == 0 {
		window := p.FreeAccessWindow
		if window <= 0 {
			window = DefaultFreeAccessWindow
		}
		v.FreeAccessExpired = now.Sub(job.CompletedAt()) > window
	}
	return v
}
