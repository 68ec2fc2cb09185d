// Package coldstore defines the cold (archival) blob tier.
//
// Archives are write-once and addressed by an opaque archive id. Reading an
// archive back is a two-step protocol: InitiateRetrieval starts an
// asynchronous retrieval job at a given tier, and once the vault announces
// the job complete (see Notice) its bytes are read with RetrievalOutput.
package coldstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Tier is a retrieval service level.
type Tier string

const (
	TierExpedited Tier = "Expedited"
	TierStandard  Tier = "Standard"
	TierBulk      Tier = "Bulk"
)

// ParseTier parses a tier name, case-insensitively.
func ParseTier(v string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "expedited":
		return TierExpedited, nil
	case "standard":
		return TierStandard, nil
	case "bulk":
		return TierBulk, nil
	default:
		return "", fmt.Errorf("unknown retrieval tier %q", v)
	}
}

// Sentinel errors for vault operations.
var (
	// ErrInsufficientCapacity indicates the tier cannot accept the retrieval
	// right now. Only the expedited tier is expected to return it.
	ErrInsufficientCapacity = errors.New("insufficient retrieval capacity")

	// ErrNotFound indicates the archive or retrieval job does not exist.
	ErrNotFound = errors.New("archive not found")

	// ErrNotReady indicates the retrieval job has not completed.
	ErrNotReady = errors.New("retrieval not ready")
)

// Vault is a cold-tier archive store.
type Vault interface {
	// Name identifies the vault in logs.
	Name() string

	// Upload stores body as a new archive and returns its id.
	// Uploading the same bytes twice yields two archives.
	Upload(ctx context.Context, body io.ReadSeeker, description string) (string, error)

	// InitiateRetrieval starts an asynchronous retrieval of archiveID.
	InitiateRetrieval(ctx context.Context, archiveID string, tier Tier) (string, error)

	// RetrievalOutput opens the bytes of a completed retrieval.
	RetrievalOutput(ctx context.Context, retrievalID string) (io.ReadCloser, error)

	// Delete removes an archive. Deleting a missing archive is not an error.
	Delete(ctx context.Context, archiveID string) error
}

// Notice is the retrieval-completed notification a vault publishes.
//
// Both the vault's native field names and the short pipeline names are
// accepted when parsing.
type Notice struct {
	Action     string `json:"Action,omitempty"`
	JobID      string `json:"JobId"`
	ArchiveID  string `json:"ArchiveId"`
	Tier       string `json:"Tier,omitempty"`
	Completed  bool   `json:"Completed"`
	StatusCode string `json:"StatusCode,omitempty"`
}

// Succeeded reports whether the retrieval produced readable output.
func (n Notice) Succeeded() bool {
	return n.StatusCode == "" || strings.EqualFold(n.StatusCode, "Succeeded")
}

// ParseNotice decodes a retrieval notice.
func ParseNotice(payload []byte) (Notice, error) {
	var raw struct {
		Notice
		RetrievalJobID string `json:"retrieval_job_id"`
		ArchiveHandle  string `json:"archive_handle"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Notice{}, fmt.Errorf("decode retrieval notice: %w", err)
	}
	n := raw.Notice
	if n.JobID == "" {
		n.JobID = raw.RetrievalJobID
		if n.JobID != "" {
			n.Completed = true
		}
	}
	if n.ArchiveID == "" {
		n.ArchiveID = raw.ArchiveHandle
	}
	if n.JobID == "" || n.ArchiveID == "" {
		return Notice{}, fmt.Errorf("retrieval notice missing job or archive id")
	}
	return n, nil
}
