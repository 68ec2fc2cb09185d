package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/jobvault/internal/errors"
	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/manifest"
	"github.com/3leaps/jobvault/pkg/notify"
	"github.com/3leaps/jobvault/pkg/pipeline"
)

// MaxSubmitBody bounds a submit request body.
const MaxSubmitBody = 1 << 20

// Error codes specific to the job API.
const (
	CodeResultPending     = "RESULT_PENDING"
	CodeResultArchived    = "RESULT_ARCHIVED"
	CodeFreeAccessExpired = "FREE_ACCESS_EXPIRED"
)

// Jobs serves the job API.
type Jobs struct {
	Store        jobstore.Store
	Submitter    *pipeline.Submitter
	Blobs        pipeline.Blobs
	Policy       pipeline.Policy
	Publisher    notify.Publisher
	RestoreTopic string
	Clock        pipeline.Clock
}

// Routes mounts the job API on r.
func (h *Jobs) Routes(r chi.Router) {
	r.Post("/jobs", h.Submit)
	r.Get("/jobs/{job_id}", h.Get)
	r.Get("/jobs/{job_id}/log", h.Log)
	r.Get("/jobs/{job_id}/result", h.Result)
	r.Get("/users/{user_id}/jobs", h.ListByUser)
	r.Post("/users/{user_id}/restore", h.Restore)
}

func (h *Jobs) view(job *jobstore.Job) pipeline.View {
	now := time.Now()
	if h.Clock != nil {
		now = h.Clock()
	}
	return h.Policy.NewView(job, now)
}

// Submit creates a job from a JSON submit request.
func (h *Jobs) Submit(w http.ResponseWriter, r *http.Request) {
	if h.Submitter == nil {
		respondWithError(w, r, apperrors.NewServiceUnavailable("submission is not enabled"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxSubmitBody+1))
	if err != nil {
		respondWithError(w, r, apperrors.NewBadRequest("failed to read request body"))
		return
	}
	if len(body) > MaxSubmitBody {
		respondWithError(w, r, apperrors.New(apperrors.CodeBadRequest, http.StatusRequestEntityTooLarge, "request body too large"))
		return
	}
	var req pipeline.SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, r, apperrors.NewBadRequest("invalid JSON body"))
		return
	}
	if err := manifest.ValidateRequest(body); err != nil {
		respondWithError(w, r, validationError(err))
		return
	}
	job, err := h.Submitter.Submit(r.Context(), req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	observability.CLILogger.Info("Job submitted via API",
		zap.String("job_id", job.JobID),
		zap.String("user_id", job.UserID))
	w.Header().Set("Location", "/v1/jobs/"+job.JobID)
	apperrors.WriteJSON(w, http.StatusCreated, h.view(job))
}

func validationError(err error) error {
	var verrs manifest.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	details := make([]map[string]string, 0, len(verrs))
	for _, v := range verrs {
		details = append(details, map[string]string{"path": v.Path, "message": v.Message})
	}
	return apperrors.New(apperrors.CodeValidation, http.StatusBadRequest, "request failed validation").
		WithDetails(map[string]any{"errors": details})
}

// Get returns one job with its derived view fields.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, h.view(job))
}

// ListResponse is the body of a user's job listing.
type ListResponse struct {
	UserID string          `json:"user_id"`
	Count  int             `json:"count"`
	Jobs   []pipeline.View `json:"jobs"`
}

// ListByUser returns a user's jobs, newest first. An optional status query
// parameter filters by job status; limit bounds the count.
func (h *Jobs) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")

	var status jobstore.Status
	if s := r.URL.Query().Get("status"); s != "" {
		parsed, err := jobstore.ParseStatus(s)
		if err != nil {
			respondWithError(w, r, apperrors.NewBadRequest(err.Error()))
			return
		}
		status = parsed
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			respondWithError(w, r, apperrors.NewBadRequest(fmt.Sprintf("invalid limit %q", l)))
			return
		}
		limit = n
	}

	jobs, err := h.Store.QueryByUser(r.Context(), userID)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	views := make([]pipeline.View, 0, len(jobs))
	for i := range jobs {
		if status != "" && jobs[i].Status != status {
			continue
		}
		views = append(views, h.view(&jobs[i]))
		if limit > 0 && len(views) == limit {
			break
		}
	}
	apperrors.WriteJSON(w, http.StatusOK, ListResponse{UserID: userID, Count: len(views), Jobs: views})
}

// Log streams the job's log artifact.
func (h *Jobs) Log(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if job.LogLocation == nil {
		respondWithError(w, r, apperrors.New(CodeResultPending, http.StatusConflict, "log is not available yet"))
		return
	}
	h.stream(w, r, *job.LogLocation, "text/plain; charset=utf-8")
}

// Result streams the job's result artifact from the hot tier. Archived
// results must be restored first; free-tier results are withheld once the
// free access window has passed.
func (h *Jobs) Result(w http.ResponseWriter, r *http.Request) {
	job, err := h.Store.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	v := h.view(job)
	switch {
	case v.ResultState == pipeline.ResultPending || job.ResultLocation == nil:
		respondWithError(w, r, apperrors.New(CodeResultPending, http.StatusConflict, "result is not available yet"))
		return
	case v.ResultState == pipeline.ResultArchived:
		respondWithError(w, r, apperrors.New(CodeResultArchived, http.StatusConflict, "result is archived; request a restore").
			WithDetails(map[string]any{"user_id": job.UserID}))
		return
	case v.FreeAccessExpired:
		respondWithError(w, r, apperrors.New(CodeFreeAccessExpired, http.StatusForbidden, "free access window has expired"))
		return
	}
	h.stream(w, r, *job.ResultLocation, "application/octet-stream")
}

func (h *Jobs) stream(w http.ResponseWriter, r *http.Request, loc jobstore.Location, contentType string) {
	rc, size, err := h.Blobs.Get(r.Context(), loc.Bucket, loc.Key)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", contentType)
	if size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", loc.Base()))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		observability.CLILogger.Warn("Artifact stream interrupted",
			zap.String("location", loc.String()),
			zap.Error(err))
	}
}

// RestoreResponse acknowledges a restore request.
type RestoreResponse struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

// Restore publishes a restoration request for the user's archived results.
func (h *Jobs) Restore(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	if h.Publisher == nil || h.RestoreTopic == "" {
		respondWithError(w, r, apperrors.NewServiceUnavailable("restoration is not enabled"))
		return
	}
	if err := pipeline.RequestRestore(r.Context(), h.Publisher, h.RestoreTopic, userID); err != nil {
		respondWithError(w, r, err)
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, RestoreResponse{UserID: userID, Status: "requested"})
}
