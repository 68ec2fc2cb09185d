package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/jobvault/pkg/coldstore"
	"github.com/3leaps/jobvault/pkg/consumer"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/queue"
)

type countingLauncher struct {
	launches atomic.Int32
	err      error
}

func (l *countingLauncher) Launch(ctx context.Context, req LaunchRequest) error {
	if l.err != nil {
		return l.err
	}
	l.launches.Add(1)
	return nil
}

func TestSubmission_ConcurrentDuplicatesLaunchOnce(t *testing.T) {
	h := newHarness(t)
	job := h.submit("u1", "j1", "free_user", "x")

	launcher := &countingLauncher{}
	h.submission.Launcher = launcher
	msg := queue.Message{ID: "m1", Body: submissionBody(t, job)}

	const deliveries = 8
	results := make([]error, deliveries)
	var wg sync.WaitGroup
	for i := range deliveries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = h.submission.Handle(h.ctx, msg)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), launcher.launches.Load())
	processed := 0
	for _, err := range results {
		switch consumer.Classify(err) {
		case consumer.DispositionProcessed:
			processed++
		case consumer.DispositionAlreadyHandled:
		default:
			t.Errorf("unexpected result: %v", err)
		}
	}
	assert.Equal(t, 1, processed)

	got := h.job("j1")
	assert.Equal(t, jobstore.StatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestSubmission_RedeliveryAfterCompletion(t *testing.T) {
	h := newHarness(t)
	job := h.submit("u1", "j1", "premium_user", "x")
	h.runSubmissions()

	require.NoError(t, h.requests.Send(h.ctx, submissionBody(t, job)))
	h.runSubmissions()

	assert.Equal(t, 1, h.launcher.Launches())
	assert.Equal(t, 0, h.requests.Len())
	assert.Equal(t, 1, h.results.Len(), "duplicate must not notify again")
}

func TestSubmission_Dispositions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness) queue.Message
		want  string
		left  jobstore.Status
	}{
		{
			name: "malformed body",
			setup: func(h *harness) queue.Message {
				return queue.Message{ID: "m", Body: []byte("not json")}
			},
			want: consumer.DispositionMissing,
		},
		{
			name: "missing job id",
			setup: func(h *harness) queue.Message {
				return queue.Message{ID: "m", Body: []byte(`{"user_id":"u1"}`)}
			},
			want: consumer.DispositionMissing,
		},
		{
			name: "unknown job",
			setup: func(h *harness) queue.Message {
				return queue.Message{ID: "m", Body: submissionBody(h.t, &jobstore.Job{JobID: "ghost", UserID: "u1"})}
			},
			want: consumer.DispositionMissing,
		},
		{
			name: "input not yet readable",
			setup: func(h *harness) queue.Message {
				job := h.submit("u1", "j1", "free_user", "x")
				require.NoError(h.t, h.blobs.Delete(h.ctx, job.InputLocation.Bucket, job.InputLocation.Key))
				return queue.Message{ID: "m", Body: submissionBody(h.t, job)}
			},
			want: consumer.DispositionRetry,
			left: jobstore.StatusPending,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			launcher := &countingLauncher{}
			h.submission.Launcher = launcher

			err := h.submission.Handle(h.ctx, tt.setup(h))
			assert.Equal(t, tt.want, consumer.Classify(err), "err: %v", err)
			assert.Zero(t, launcher.launches.Load())
			if tt.left != "" {
				assert.Equal(t, tt.left, h.job("j1").Status)
			}
		})
	}
}

func TestSubmission_FailedLaunchLeavesClaimRunning(t *testing.T) {
	h := newHarness(t)
	job := h.submit("u1", "j1", "free_user", "x")
	h.submission.Launcher = &countingLauncher{err: errors.New("fork failed")}

	// Through the runner: the failure is a retry and the message stays queued.
	h.drain(h.requests, h.submission)
	assert.Equal(t, 1, h.requests.Len())

	got := h.job("j1")
	assert.Equal(t, jobstore.StatusRunning, got.Status)
	assert.Equal(t, h.clock.Now().Unix(), got.RunTime)
	assert.Equal(t, 1, got.Attempts)

	// The redelivery sees the claim and is acknowledged without launching.
	launcher := &countingLauncher{}
	h.submission.Launcher = launcher
	err := h.submission.Handle(h.ctx, queue.Message{ID: "m", Body: submissionBody(t, job)})
	assert.Equal(t, consumer.DispositionAlreadyHandled, consumer.Classify(err))
	assert.Zero(t, launcher.launches.Load())

	// Once the claim is stale the reconciler requeues it and it launches.
	h.clock.Advance(DefaultRunningGrace + time.Second)
	r := &Reconciler{Store: h.store, Publisher: h.bus, RequestsTopic: h.topics.Requests, Clock: h.clock.Now}
	res, err := r.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	h.requests.ExpireVisibility()
	h.drain(h.requests, h.submission)
	assert.Equal(t, int32(1), launcher.launches.Load())
	assert.Equal(t, jobstore.StatusRunning, h.job("j1").Status)
	assert.Equal(t, 2, h.job("j1").Attempts)
	assert.Zero(t, h.requests.Len())
}

func TestFinalize_DuplicateDoesNotRepublish(t *testing.T) {
	h := newHarness(t)
	h.submit("u1", "j1", "free_user", "x")
	h.submission.Launcher = &countingLauncher{}
	h.drain(h.requests, h.submission)

	inputPath, err := h.area.InputPath("u1", "j1", "sample.vcf")
	require.NoError(t, err)
	run := func() jobstore.UpdateResult {
		require.NoError(t, annotateWorker(DefaultNaming()).Execute(h.ctx, inputPath))
		res, err := h.finalizer.Finalize(h.ctx, FinalizeRequest{JobID: "j1", InputPath: inputPath})
		require.NoError(t, err)
		return res
	}

	assert.Equal(t, jobstore.Updated, run())
	_, err = h.area.Prepare("u1", "j1")
	require.NoError(t, err)
	require.NoError(t, writeFile(inputPath, "x"))
	assert.Equal(t, jobstore.ConditionFailed, run())

	assert.Equal(t, 1, h.results.Len())
	assert.Equal(t, 1, h.archive.Len())
}

func TestArchive_ConcurrentDuplicatesKeepOneArchive(t *testing.T) {
	h := newHarness(t)
	h.submit("u1", "j1", "free_user", "payload")
	h.runSubmissions()
	original, ok := h.readHot(*h.job("j1").ResultLocation)
	require.True(t, ok)

	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			err := h.archiver.Archive(h.ctx, "j1")
			if err != nil && !errors.Is(err, consumer.ErrAlreadyHandled) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	job := h.job("j1")
	require.True(t, job.Archived())
	assert.Equal(t, 1, h.vault.ArchiveCount())
	data, ok := h.vault.Archive(job.ResultArchiveID)
	require.True(t, ok)
	assert.Equal(t, original, string(data))
	_, ok = h.readHot(*job.ResultLocation)
	assert.False(t, ok)
}

func TestArchive_Dispositions(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.archiver.Archive(h.ctx, "ghost"), consumer.ErrMissing)

	// Not yet completed: retried.
	h.submit("u1", "j1", "free_user", "x")
	err := h.archiver.Archive(h.ctx, "j1")
	require.Error(t, err)
	assert.Equal(t, consumer.DispositionRetry, consumer.Classify(err))

	h.runSubmissions()
	require.NoError(t, h.archiver.Archive(h.ctx, "j1"))
	assert.ErrorIs(t, h.archiver.Archive(h.ctx, "j1"), consumer.ErrAlreadyHandled)
	assert.Equal(t, 1, h.vault.ArchiveCount())
}

func TestRestore_FallsBackToStandard(t *testing.T) {
	h := newHarness(t, coldstore.WithRejectExpedited(true))
	h.submit("u1", "j1", "free_user", "payload")
	h.runSubmissions()
	original, _ := h.readHot(*h.job("j1").ResultLocation)
	h.drain(h.archive, h.archiver)

	summary, err := h.restorer.Restore(h.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, summary.Requested, 1)
	assert.Empty(t, summary.Failed)
	assert.Equal(t, coldstore.TierStandard, summary.Requested[0].Tier)

	_, err = h.vault.CompleteRetrievals(h.ctx)
	require.NoError(t, err)
	h.drain(h.thaw, h.thawer)

	content, ok := h.readHot(*h.job("j1").ResultLocation)
	require.True(t, ok)
	assert.Equal(t, original, content)
}

func TestRestore_SkipsJobsWithoutArchive(t *testing.T) {
	h := newHarness(t)
	h.submit("u1", "j1", "free_user", "a")
	h.submit("u1", "j2", "premium_user", "b")
	h.runSubmissions()
	h.drain(h.archive, h.archiver)
	h.submit("u1", "j3", "free_user", "c")

	summary, err := h.restorer.Restore(h.ctx, "u1")
	require.NoError(t, err)
	require.Len(t, summary.Requested, 1)
	assert.Equal(t, "j1", summary.Requested[0].JobID)
	assert.Equal(t, 2, summary.Skipped)
	assert.Len(t, h.vault.Retrievals(), 1)

	// Unknown user: nothing to do.
	summary, err = h.restorer.Restore(h.ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, summary.Requested)
}

func TestThaw_DuplicateNoticeIsAlreadyHandled(t *testing.T) {
	h := newHarness(t)
	h.submit("u1", "j1", "free_user", "x")
	h.runSubmissions()
	h.drain(h.archive, h.archiver)
	archiveID := h.job("j1").ResultArchiveID

	retrievalID, err := h.vault.InitiateRetrieval(h.ctx, archiveID, coldstore.TierExpedited)
	require.NoError(t, err)
	_, err = h.vault.CompleteRetrievals(h.ctx)
	require.NoError(t, err)

	notice := coldstore.Notice{JobID: retrievalID, ArchiveID: archiveID, Completed: true, StatusCode: "Succeeded"}
	require.NoError(t, h.thawer.Thaw(h.ctx, notice))
	restoreTime := h.job("j1").RestoreTime

	h.clock.Advance(DefaultFreeAccessWindow)
	assert.ErrorIs(t, h.thawer.Thaw(h.ctx, notice), consumer.ErrAlreadyHandled)
	assert.Equal(t, restoreTime, h.job("j1").RestoreTime)
}

func TestThaw_Dispositions(t *testing.T) {
	h := newHarness(t)

	failed := coldstore.Notice{JobID: "r1", ArchiveID: "a1", Completed: true, StatusCode: "Failed"}
	assert.ErrorIs(t, h.thawer.Thaw(h.ctx, failed), consumer.ErrMissing)

	unknown := coldstore.Notice{JobID: "r1", ArchiveID: "a1", Completed: true, StatusCode: "Succeeded"}
	assert.ErrorIs(t, h.thawer.Thaw(h.ctx, unknown), consumer.ErrAlreadyHandled)

	err := h.thawer.Handle(h.ctx, queue.Message{ID: "m", Body: []byte(`{"Action":"ArchiveRetrieval"}`)})
	assert.ErrorIs(t, err, consumer.ErrMissing)
}

func TestThaw_OutputNotReadyIsRetried(t *testing.T) {
	h := newHarness(t)
	h.submit("u1", "j1", "free_user", "x")
	h.runSubmissions()
	h.drain(h.archive, h.archiver)
	archiveID := h.job("j1").ResultArchiveID

	retrievalID, err := h.vault.InitiateRetrieval(h.ctx, archiveID, coldstore.TierStandard)
	require.NoError(t, err)

	err = h.thawer.Thaw(h.ctx, coldstore.Notice{JobID: retrievalID, ArchiveID: archiveID, Completed: true, StatusCode: "Succeeded"})
	require.Error(t, err)
	assert.Equal(t, consumer.DispositionRetry, consumer.Classify(err))
	assert.True(t, h.job("j1").Archived())
}
