// Package manifest loads and validates job submissions: single requests
// received over HTTP and batch manifests submitted from the CLI.
package manifest

import (
	"fmt"

	"github.com/3leaps/jobvault/pkg/pipeline"
)

// CurrentVersion is the only supported manifest version.
const CurrentVersion = "1.0"

// Manifest is a batch of submissions.
//
// Example:
//
//	version: "1.0"
//	defaults:
//	  user_id: u1
//	  user_role: free_user
//	jobs:
//	  - input_key: jobvault/u1/j1~sample.vcf
//	  - input_key: jobvault/u1/j2~other.vcf
//	    user_role: premium_user
type Manifest struct {
	Schema   string   `json:"$schema,omitempty" yaml:"$schema,omitempty"`
	Version  string   `json:"version" yaml:"version"`
	Defaults Defaults `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Jobs     []Entry  `json:"jobs" yaml:"jobs"`
}

// Defaults fill unset fields of every entry.
type Defaults struct {
	UserID     string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Bucket     string `json:"input_bucket,omitempty" yaml:"input_bucket,omitempty"`
	Recipients string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	UserRole   string `json:"user_role,omitempty" yaml:"user_role,omitempty"`
}

// Entry is one submission.
type Entry struct {
	UserID     string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	Bucket     string `json:"input_bucket,omitempty" yaml:"input_bucket,omitempty"`
	Key        string `json:"input_key" yaml:"input_key"`
	JobID      string `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	Recipients string `json:"recipients,omitempty" yaml:"recipients,omitempty"`
	UserRole   string `json:"user_role,omitempty" yaml:"user_role,omitempty"`
}

// Requests returns one submit request per entry with defaults applied.
// Every request must end up with a user id.
func (m *Manifest) Requests() ([]pipeline.SubmitRequest, error) {
	reqs := make([]pipeline.SubmitRequest, 0, len(m.Jobs))
	for i, e := range m.Jobs {
		req := pipeline.SubmitRequest{
			UserID:     valueOr(e.UserID, m.Defaults.UserID),
			Bucket:     valueOr(e.Bucket, m.Defaults.Bucket),
			Key:        e.Key,
			JobID:      e.JobID,
			Recipients: valueOr(e.Recipients, m.Defaults.Recipients),
			UserRole:   valueOr(e.UserRole, m.Defaults.UserRole),
		}
		if req.UserID == "" {
			return nil, ValidationErrors{{Path: fmt.Sprintf("/jobs/%d/user_id", i), Message: "user_id is required (set it on the job or in defaults)"}}
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
