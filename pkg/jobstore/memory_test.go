package jobstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/jobstore/jobstoretest"
)

func TestMemoryConformance(t *testing.T) {
	jobstoretest.Run(t, func(t *testing.T) jobstore.Store {
		return jobstore.NewMemory()
	})
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := jobstore.NewMemory()
	job := jobstoretest.NewJob("job-1", "user-1", 100)
	require.NoError(t, s.Create(ctx, job))

	job.Status = jobstore.StatusCompleted
	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusPending, got.Status)

	got.UserID = "mutated"
	again, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", again.UserID)
}

func TestStatus_Ordering(t *testing.T) {
	assert.True(t, jobstore.StatusPending.Before(jobstore.StatusRunning))
	assert.True(t, jobstore.StatusRunning.Before(jobstore.StatusCompleted))
	assert.False(t, jobstore.StatusCompleted.Before(jobstore.StatusPending))
	assert.False(t, jobstore.Status("BOGUS").Valid())

	s, err := jobstore.ParseStatus("running")
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusRunning, s)

	_, err = jobstore.ParseStatus("done")
	require.Error(t, err)
}

func TestCondition_Matches(t *testing.T) {
	job := &jobstore.Job{JobID: "j", Status: jobstore.StatusCompleted, RunTime: 5, ResultArchiveID: "a1"}

	tests := []struct {
		name string
		cond jobstore.Condition
		want bool
	}{
		{"exists only", jobstore.Condition{}, true},
		{"status match", jobstore.Condition{Status: jobstore.StatusCompleted}, true},
		{"status mismatch", jobstore.Condition{Status: jobstore.StatusRunning}, false},
		{"run time mismatch", jobstore.Condition{RunTime: 6}, false},
		{"archive match", jobstore.Condition{ArchiveID: "a1"}, true},
		{"archive mismatch", jobstore.Condition{ArchiveID: "a2"}, false},
		{"no archive", jobstore.Condition{NoArchive: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cond.Matches(job))
		})
	}
	assert.False(t, jobstore.Condition{}.Matches(nil))
}

func TestLocation(t *testing.T) {
	loc := jobstore.Location{Bucket: "b", Key: "p/u/j~f.vcf"}
	assert.Equal(t, "s3://b/p/u/j~f.vcf", loc.String())
	assert.Equal(t, "j~f.vcf", loc.Base())
	assert.True(t, jobstore.Location{}.IsZero())
	assert.Equal(t, "", jobstore.Location{}.String())
}
