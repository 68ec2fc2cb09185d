// Package jobstoretest is a conformance suite shared by every jobstore.Store
// implementation.
package jobstoretest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/jobstore"
)

// Factory returns a fresh, empty store for a single subtest.
type Factory func(t *testing.T) jobstore.Store

// NewJob returns a valid PENDING record for tests.
func NewJob(jobID, userID string, submitTime int64) *jobstore.Job {
	return &jobstore.Job{
		JobID:         jobID,
		UserID:        userID,
		InputFileName: "sample.vcf",
		InputLocation: jobstore.Location{Bucket: "inputs", Key: "prefix/" + userID + "/" + jobID + "~sample.vcf"},
		SubmitTime:    submitTime,
		Status:        jobstore.StatusPending,
		Recipients:    userID + "@example.com",
		UserRole:      "free_user",
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("CreateGet", func(t *testing.T) {
		s := newStore(t)
		job := NewJob("job-1", "user-1", 100)
		require.NoError(t, s.Create(ctx, job))

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, job.JobID, got.JobID)
		assert.Equal(t, job.UserID, got.UserID)
		assert.Equal(t, job.InputLocation, got.InputLocation)
		assert.Equal(t, jobstore.StatusPending, got.Status)
		assert.Equal(t, int64(100), got.SubmitTime)
		assert.Equal(t, "free_user", got.UserRole)
		assert.Nil(t, got.ResultLocation)
		assert.Empty(t, got.ResultArchiveID)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("job-1", "user-1", 100)))
		err := s.Create(ctx, NewJob("job-1", "user-2", 200))
		require.ErrorIs(t, err, jobstore.ErrAlreadyExists)

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.UserID)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		require.ErrorIs(t, err, jobstore.ErrNotFound)
	})

	t.Run("KeysMatchExactly", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("job-1", "user-1", 100)))

		for _, id := range []string{" job-1", "job-1 ", "JOB-1"} {
			_, err := s.Get(ctx, id)
			require.ErrorIs(t, err, jobstore.ErrNotFound, "get %q", id)

			res, err := s.Update(ctx, id, jobstore.Condition{Status: jobstore.StatusPending}, jobstore.Update{Status: jobstore.StatusRunning})
			require.NoError(t, err)
			assert.Equal(t, jobstore.NotFound, res, "update %q", id)
		}
		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, jobstore.StatusPending, got.Status)
	})

	t.Run("UpdateNotFound", func(t *testing.T) {
		s := newStore(t)
		res, err := s.Update(ctx, "nope", jobstore.Condition{Status: jobstore.StatusPending}, jobstore.Update{Status: jobstore.StatusRunning})
		require.NoError(t, err)
		assert.Equal(t, jobstore.NotFound, res)
	})

	t.Run("ClaimOnce", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("job-1", "user-1", 100)))

		claim := jobstore.Update{Status: jobstore.StatusRunning, RunTime: 500, IncAttempts: true}
		res, err := s.Update(ctx, "job-1", jobstore.Condition{Status: jobstore.StatusPending}, claim)
		require.NoError(t, err)
		assert.Equal(t, jobstore.Updated, res)

		res, err = s.Update(ctx, "job-1", jobstore.Condition{Status: jobstore.StatusPending}, claim)
		require.NoError(t, err)
		assert.Equal(t, jobstore.ConditionFailed, res)

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, jobstore.StatusRunning, got.Status)
		assert.Equal(t, int64(500), got.RunTime)
		assert.Equal(t, 1, got.Attempts)
	})

	t.Run("ConcurrentClaims", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("job-1", "user-1", 100)))

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := s.Update(ctx, "job-1",
					jobstore.Condition{Status: jobstore.StatusPending},
					jobstore.Update{Status: jobstore.StatusRunning, RunTime: int64(1000 + i)})
				if err == nil && res == jobstore.Updated {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})

	t.Run("CompleteWithArtifacts", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("job-1", "user-1", 100)))
		_, err := s.Update(ctx, "job-1", jobstore.Condition{Status: jobstore.StatusPending}, jobstore.Update{Status: jobstore.StatusRunning, RunTime: 500})
		require.NoError(t, err)

		result := jobstore.Location{Bucket: "results", Key: "prefix/user-1/job-1~sample.annot.vcf"}
		logLoc := jobstore.Location{Bucket: "results", Key: "prefix/user-1/job-1~sample.vcf.count.log"}
		res, err := s.Update(ctx, "job-1",
			jobstore.Condition{Status: jobstore.StatusRunning, RunTime: 500},
			jobstore.Update{Status: jobstore.StatusCompleted, CompleteTime: 900, ResultLocation: &result, LogLocation: &logLoc})
		require.NoError(t, err)
		assert.Equal(t, jobstore.Updated, res)

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, jobstore.StatusCompleted, got.Status)
		assert.Equal(t, int64(900), got.CompleteTime)
		require.NotNil(t, got.ResultLocation)
		assert.Equal(t, result, *got.ResultLocation)
		require.NotNil(t, got.LogLocation)
		assert.Equal(t, logLoc, *got.LogLocation)
	})

	t.Run("RunTimeGuard", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("job-1", "user-1", 100)))
		_, err := s.Update(ctx, "job-1", jobstore.Condition{Status: jobstore.StatusPending}, jobstore.Update{Status: jobstore.StatusRunning, RunTime: 500})
		require.NoError(t, err)

		res, err := s.Update(ctx, "job-1",
			jobstore.Condition{Status: jobstore.StatusRunning, RunTime: 499},
			jobstore.Update{Status: jobstore.StatusPending, ClearRunTime: true})
		require.NoError(t, err)
		assert.Equal(t, jobstore.ConditionFailed, res)

		res, err = s.Update(ctx, "job-1",
			jobstore.Condition{Status: jobstore.StatusRunning, RunTime: 500},
			jobstore.Update{Status: jobstore.StatusPending, ClearRunTime: true})
		require.NoError(t, err)
		assert.Equal(t, jobstore.Updated, res)

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, jobstore.StatusPending, got.Status)
		assert.Zero(t, got.RunTime)
	})

	t.Run("RepublishGuard", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("job-1", "user-1", 100)))
		stamp := func(before, at int64) jobstore.UpdateResult {
			res, err := s.Update(ctx, "job-1",
				jobstore.Condition{Status: jobstore.StatusPending, RepublishedBefore: before},
				jobstore.Update{RepublishTime: at, IncRepublishes: true})
			require.NoError(t, err)
			return res
		}

		assert.Equal(t, jobstore.Updated, stamp(500, 1000))
		assert.Equal(t, jobstore.ConditionFailed, stamp(1000, 1100))
		assert.Equal(t, jobstore.Updated, stamp(1001, 1400))

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1400), got.RepublishTime)
		assert.Equal(t, 2, got.Republishes)
		assert.Equal(t, jobstore.StatusPending, got.Status)

		res, err := s.Update(ctx, "job-1",
			jobstore.Condition{Status: jobstore.StatusPending},
			jobstore.Update{Status: jobstore.StatusRunning, RunTime: 1500, ClearRepublishes: true})
		require.NoError(t, err)
		assert.Equal(t, jobstore.Updated, res)
		got, err = s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Zero(t, got.RepublishTime)
		assert.Zero(t, got.Republishes)
	})

	t.Run("ArchiveLifecycle", func(t *testing.T) {
		s := newStore(t)
		job := NewJob("job-1", "user-1", 100)
		job.Status = jobstore.StatusCompleted
		require.NoError(t, s.Create(ctx, job))

		res, err := s.Update(ctx, "job-1", jobstore.Condition{NoArchive: true}, jobstore.Update{ArchiveID: "arch-1"})
		require.NoError(t, err)
		assert.Equal(t, jobstore.Updated, res)

		res, err = s.Update(ctx, "job-1", jobstore.Condition{NoArchive: true}, jobstore.Update{ArchiveID: "arch-2"})
		require.NoError(t, err)
		assert.Equal(t, jobstore.ConditionFailed, res)

		byArchive, err := s.QueryByArchiveID(ctx, "arch-1")
		require.NoError(t, err)
		require.Len(t, byArchive, 1)
		assert.Equal(t, "job-1", byArchive[0].JobID)

		res, err = s.Update(ctx, "job-1", jobstore.Condition{ArchiveID: "arch-9"}, jobstore.Update{ClearArchiveID: true, RestoreTime: 77})
		require.NoError(t, err)
		assert.Equal(t, jobstore.ConditionFailed, res)

		res, err = s.Update(ctx, "job-1", jobstore.Condition{ArchiveID: "arch-1"}, jobstore.Update{ClearArchiveID: true, RestoreTime: 77})
		require.NoError(t, err)
		assert.Equal(t, jobstore.Updated, res)

		got, err := s.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Empty(t, got.ResultArchiveID)
		assert.Equal(t, int64(77), got.RestoreTime)
		assert.Equal(t, jobstore.StatusCompleted, got.Status)

		byArchive, err = s.QueryByArchiveID(ctx, "arch-1")
		require.NoError(t, err)
		assert.Empty(t, byArchive)
	})

	t.Run("QueryByUserNewestFirst", func(t *testing.T) {
		s := newStore(t)
		for i := 1; i <= 3; i++ {
			require.NoError(t, s.Create(ctx, NewJob(fmt.Sprintf("job-%d", i), "user-1", int64(i*100))))
		}
		require.NoError(t, s.Create(ctx, NewJob("other", "user-2", 50)))

		got, err := s.QueryByUser(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "job-3", got[0].JobID)
		assert.Equal(t, "job-1", got[2].JobID)

		none, err := s.QueryByUser(ctx, "user-9")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("ListByStatus", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, NewJob("job-1", "user-1", 100)))
		require.NoError(t, s.Create(ctx, NewJob("job-2", "user-1", 200)))
		_, err := s.Update(ctx, "job-2", jobstore.Condition{Status: jobstore.StatusPending}, jobstore.Update{Status: jobstore.StatusRunning, RunTime: 300})
		require.NoError(t, err)

		running, err := s.ListByStatus(ctx, jobstore.StatusRunning)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "job-2", running[0].JobID)

		pending, err := s.ListByStatus(ctx, jobstore.StatusPending)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "job-1", pending[0].JobID)
	})
}
