package pipeline

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/coldstore"
	"github.com/3leaps/jobvault/pkg/consumer"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/notify"
	"github.com/3leaps/jobvault/pkg/provider"
	"github.com/3leaps/jobvault/pkg/provider/file"
	"github.com/3leaps/jobvault/pkg/queue"
	"github.com/3leaps/jobvault/pkg/staging"
)

const (
	inputsBucket  = "inputs"
	resultsBucket = "results"
	vaultTopic    = "thaw"
)

// testClock is a settable clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// harness wires every stage over in-memory collaborators and the local
// file hot tier.
type harness struct {
	t   *testing.T
	ctx context.Context

	clock    *testClock
	store    *jobstore.Memory
	blobs    *provider.Pool
	bus      *notify.Bus
	vault    *coldstore.Memory
	area     *staging.Area
	launcher *InProcessLauncher

	requests *queue.Memory
	results  *queue.Memory
	archive  *queue.Memory
	restore  *queue.Memory
	thaw     *queue.Memory

	topics     Topics
	submitter  *Submitter
	submission *Submission
	finalizer  *Finalizer
	archiver   *Archiver
	restorer   *Restorer
	thawer     *Thawer
}

func newHarness(t *testing.T, vaultOpts ...coldstore.MemoryOption) *harness {
	t.Helper()

	h := &harness{
		t:        t,
		ctx:      context.Background(),
		clock:    &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:    jobstore.NewMemory(),
		blobs:    provider.NewPool(file.Opener(t.TempDir())),
		bus:      notify.NewBus(),
		area:     staging.New(t.TempDir()),
		requests: queue.NewMemory("requests"),
		results:  queue.NewMemory("results"),
		archive:  queue.NewMemory("archive"),
		restore:  queue.NewMemory("restore"),
		thaw:     queue.NewMemory("thaw"),
		topics:   Topics{Requests: "requests", Results: "results", Archive: "archive", Restore: "restore"},
	}
	h.bus.Subscribe("requests", h.requests)
	h.bus.Subscribe("results", h.results)
	h.bus.Subscribe("archive", h.archive)
	h.bus.Subscribe("restore", h.restore)
	h.bus.Subscribe(vaultTopic, h.thaw)
	h.vault = coldstore.NewMemory("results-vault", append([]coldstore.MemoryOption{coldstore.WithNotifier(h.bus, vaultTopic)}, vaultOpts...)...)

	clock := Clock(h.clock.Now)
	h.submitter = &Submitter{
		Store:         h.store,
		Publisher:     h.bus,
		RequestsTopic: h.topics.Requests,
		InputsBucket:  inputsBucket,
		Clock:         clock,
	}
	h.finalizer = &Finalizer{
		Store:         h.store,
		Blobs:         h.blobs,
		Publisher:     h.bus,
		Topics:        h.topics,
		ResultsBucket: resultsBucket,
		Naming:        DefaultNaming(),
		Policy:        DefaultPolicy(),
		Staging:       h.area,
		Clock:         clock,
	}
	h.launcher = &InProcessLauncher{Execution: &Execution{Worker: annotateWorker(DefaultNaming()), Finalizer: h.finalizer}}
	h.submission = &Submission{
		Store:    h.store,
		Blobs:    h.blobs,
		Staging:  h.area,
		Launcher: h.launcher,
		Clock:    clock,
	}
	h.archiver = &Archiver{Store: h.store, Blobs: h.blobs, Vault: h.vault}
	h.restorer = &Restorer{Store: h.store, Vault: h.vault}
	h.thawer = &Thawer{Store: h.store, Blobs: h.blobs, Vault: h.vault, Clock: clock}
	return h
}

// annotateWorker writes a result and log next to the input.
func annotateWorker(n Naming) Worker {
	return WorkerFunc(func(ctx context.Context, inputPath string) error {
		in, err := os.ReadFile(inputPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(n.ResultPath(inputPath), []byte("annotated:"+string(in)), 0o644); err != nil {
			return err
		}
		return os.WriteFile(n.LogPath(inputPath), []byte("lines=1\n"), 0o644)
	})
}

// upload puts an input object and submits it.
func (h *harness) submit(userID, jobID, role, content string) *jobstore.Job {
	h.t.Helper()
	key := InputKey("jobvault", userID, jobID, "sample.vcf")
	require.NoError(h.t, h.blobs.Put(h.ctx, inputsBucket, key, strings.NewReader(content), int64(len(content))))
	job, err := h.submitter.Submit(h.ctx, SubmitRequest{
		UserID:     userID,
		Key:        key,
		Recipients: userID + "@example.com",
		UserRole:   role,
	})
	require.NoError(h.t, err)
	return job
}

// drain processes every visible message on q with handler.
func (h *harness) drain(q *queue.Memory, handler consumer.Handler) int {
	h.t.Helper()
	n, err := consumer.New(q, handler, consumer.Config{WaitTime: -1}).Drain(h.ctx, 0)
	require.NoError(h.t, err)
	return n
}

// runSubmissions drains the requests queue and waits for executions.
func (h *harness) runSubmissions() {
	h.t.Helper()
	h.drain(h.requests, h.submission)
	for _, err := range h.launcher.Wait() {
		require.NoError(h.t, err)
	}
}

func (h *harness) job(jobID string) *jobstore.Job {
	h.t.Helper()
	job, err := h.store.Get(h.ctx, jobID)
	require.NoError(h.t, err)
	return job
}

func (h *harness) readHot(loc jobstore.Location) (string, bool) {
	h.t.Helper()
	rc, _, err := h.blobs.Get(h.ctx, loc.Bucket, loc.Key)
	if provider.IsNotFound(err) {
		return "", false
	}
	require.NoError(h.t, err)
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	require.NoError(h.t, err)
	return string(data), true
}

// submissionMessage builds a raw submission delivery for job.
func submissionBody(t *testing.T, job *jobstore.Job) []byte {
	t.Helper()
	body, err := queue.Wrap("requests", "m-"+job.JobID, mustJSON(t, NewSubmissionMessage(job)), time.Now())
	require.NoError(t, err)
	return body
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
