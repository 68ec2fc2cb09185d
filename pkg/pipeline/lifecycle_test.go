package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/coldstore"
	"github.com/3leaps/jobvault/pkg/consumer"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/queue"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestLifecycle_FreeUserArchiveRestoreRoundTrip(t *testing.T) {
	h := newHarness(t)

	job := h.submit("u1", "j1", "free_user", "chr1 100 A G\n")
	assert.Equal(t, jobstore.StatusPending, h.job("j1").Status)
	require.Equal(t, 1, h.requests.Len())

	h.runSubmissions()
	assert.Equal(t, 1, h.launcher.Launches())

	got := h.job("j1")
	require.Equal(t, jobstore.StatusCompleted, got.Status)
	assert.NotZero(t, got.CompleteTime)
	assert.NotZero(t, got.RunTime)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.ResultLocation)
	require.NotNil(t, got.LogLocation)
	assert.Equal(t, "jobvault/u1/j1~sample.annot.vcf", got.ResultLocation.Key)
	assert.Equal(t, "jobvault/u1/j1~sample.vcf.count.log", got.LogLocation.Key)
	assert.Equal(t, resultsBucket, got.ResultLocation.Bucket)

	original, ok := h.readHot(*got.ResultLocation)
	require.True(t, ok)
	assert.Equal(t, "annotated:chr1 100 A G\n", original)

	// Both notifications, once each.
	require.Equal(t, 1, h.results.Len())
	require.Equal(t, 1, h.archive.Len())
	assert.JSONEq(t, `{"job_id":"j1","recipients":"u1@example.com"}`, string(queue.Unwrap(h.results.Bodies()[0])))
	assert.JSONEq(t, `{"job_id":"j1"}`, string(queue.Unwrap(h.archive.Bodies()[0])))

	// Staging is cleaned up after finalization.
	dir, err := h.area.JobDir(job.UserID, job.JobID)
	require.NoError(t, err)
	assert.NoDirExists(t, dir)

	// Archive.
	h.drain(h.archive, h.archiver)
	archived := h.job("j1")
	require.True(t, archived.Archived())
	_, ok = h.readHot(*archived.ResultLocation)
	assert.False(t, ok, "hot copy must be gone after archival")
	assert.Equal(t, 1, h.vault.ArchiveCount())

	// Restore request.
	require.NoError(t, RequestRestore(h.ctx, h.bus, h.topics.Restore, "u1"))
	h.drain(h.restore, h.restorer)
	retrievals := h.vault.Retrievals()
	require.Len(t, retrievals, 1)
	assert.Equal(t, coldstore.TierExpedited, retrievals[0].Tier)
	assert.Equal(t, archived.ResultArchiveID, retrievals[0].ArchiveID)

	// Retrieval completes asynchronously; thaw.
	n, err := h.vault.CompleteRetrievals(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	h.drain(h.thaw, h.thawer)

	restored := h.job("j1")
	assert.False(t, restored.Archived())
	assert.NotZero(t, restored.RestoreTime)
	assert.Equal(t, jobstore.StatusCompleted, restored.Status)
	content, ok := h.readHot(*restored.ResultLocation)
	require.True(t, ok)
	assert.Equal(t, original, content, "restored bytes must match the pre-archival result")
	assert.Equal(t, 0, h.vault.ArchiveCount())

	byArchive, err := h.store.QueryByArchiveID(h.ctx, archived.ResultArchiveID)
	require.NoError(t, err)
	assert.Empty(t, byArchive)

	// A restored result is not archived again.
	err = h.archiver.Archive(h.ctx, "j1")
	assert.Equal(t, consumer.DispositionAlreadyHandled, consumer.Classify(err))
	assert.False(t, h.job("j1").Archived())
}

func TestLifecycle_PremiumUserNotArchived(t *testing.T) {
	h := newHarness(t)
	h.submit("u2", "j2", "premium_user", "x")
	h.runSubmissions()

	assert.Equal(t, jobstore.StatusCompleted, h.job("j2").Status)
	assert.Equal(t, 1, h.results.Len())
	assert.Equal(t, 0, h.archive.Len())
}

func TestLifecycle_StatusNeverMovesBackward(t *testing.T) {
	h := newHarness(t)
	h.submit("u1", "j1", "free_user", "x")

	var seen []jobstore.Status
	observe := func() { seen = append(seen, h.job("j1").Status) }

	observe()
	h.runSubmissions()
	observe()

	// Redeliveries of every message change nothing.
	job := h.job("j1")
	require.NoError(t, h.requests.Send(h.ctx, submissionBody(t, job)))
	h.drain(h.requests, h.submission)
	observe()
	_, err := h.finalizer.Finalize(h.ctx, FinalizeRequest{JobID: "j1", InputPath: "/nonexistent/sample.vcf"})
	require.Error(t, err)
	observe()

	for i := 1; i < len(seen); i++ {
		assert.LessOrEqual(t, seen[i-1].Rank(), seen[i].Rank(), "status moved backward: %v", seen)
	}
	assert.Equal(t, 1, h.launcher.Launches())
}
