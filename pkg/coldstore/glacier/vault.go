// Package glacier implements coldstore.Vault on Amazon S3 Glacier vaults.
package glacier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/jobvault/pkg/coldstore"
)

// CurrentAccount addresses the account that owns the credentials.
const CurrentAccount = "-"

const archiveRetrieval = "archive-retrieval"

// API is the subset of the Glacier client the vault uses.
type API interface {
	UploadArchive(ctx context.Context, params *glacier.UploadArchiveInput, optFns ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error)
	InitiateJob(ctx context.Context, params *glacier.InitiateJobInput, optFns ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error)
	GetJobOutput(ctx context.Context, params *glacier.GetJobOutputInput, optFns ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error)
	DeleteArchive(ctx context.Context, params *glacier.DeleteArchiveInput, optFns ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error)
}

// Config configures a Glacier vault.
type Config struct {
	// Vault is the vault name (required).
	Vault string

	// AccountID defaults to CurrentAccount.
	AccountID string

	// NotificationTopic is the topic ARN the vault notifies when a
	// retrieval completes. Empty disables per-job notification.
	NotificationTopic string
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Vault) == "" {
		return &ConfigError{Field: "Vault", Message: "vault name is required"}
	}
	return nil
}

// ConfigError indicates an invalid vault configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("glacier config: %s: %s", e.Field, e.Message)
}

// Vault is a coldstore.Vault backed by one Glacier vault.
type Vault struct {
	api     API
	name    string
	account string
	topic   string
}

var _ coldstore.Vault = (*Vault)(nil)

// New returns a vault on api.
func New(api API, cfg Config) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	account := cfg.AccountID
	if account == "" {
		account = CurrentAccount
	}
	return &Vault{api: api, name: cfg.Vault, account: account, topic: cfg.NotificationTopic}, nil
}

// NewFromConfig creates a vault with a client built from awsCfg.
func NewFromConfig(awsCfg aws.Config, cfg Config) (*Vault, error) {
	return New(glacier.NewFromConfig(awsCfg), cfg)
}

func (v *Vault) Name() string { return v.name }

func (v *Vault) Upload(ctx context.Context, body io.ReadSeeker, description string) (string, error) {
	in := &glacier.UploadArchiveInput{
		AccountId: aws.String(v.account),
		VaultName: aws.String(v.name),
		Body:      body,
	}
	if description != "" {
		in.ArchiveDescription = aws.String(description)
	}
	out, err := v.api.UploadArchive(ctx, in)
	if err != nil {
		return "", v.wrapError("UploadArchive", "", err)
	}
	id := aws.ToString(out.ArchiveId)
	if id == "" {
		return "", fmt.Errorf("upload archive to %s: empty archive id", v.name)
	}
	return id, nil
}

func (v *Vault) InitiateRetrieval(ctx context.Context, archiveID string, tier coldstore.Tier) (string, error) {
	params := &types.JobParameters{
		Type:      aws.String(archiveRetrieval),
		ArchiveId: aws.String(archiveID),
		Tier:      aws.String(string(tier)),
	}
	if v.topic != "" {
		params.SNSTopic = aws.String(v.topic)
	}
	out, err := v.api.InitiateJob(ctx, &glacier.InitiateJobInput{
		AccountId:     aws.String(v.account),
		VaultName:     aws.String(v.name),
		JobParameters: params,
	})
	if err != nil {
		return "", v.wrapError("InitiateJob", archiveID, err)
	}
	return aws.ToString(out.JobId), nil
}

func (v *Vault) RetrievalOutput(ctx context.Context, retrievalID string) (io.ReadCloser, error) {
	out, err := v.api.GetJobOutput(ctx, &glacier.GetJobOutputInput{
		AccountId: aws.String(v.account),
		VaultName: aws.String(v.name),
		JobId:     aws.String(retrievalID),
	})
	if err != nil {
		return nil, v.wrapError("GetJobOutput", retrievalID, err)
	}
	return out.Body, nil
}

func (v *Vault) Delete(ctx context.Context, archiveID string) error {
	_, err := v.api.DeleteArchive(ctx, &glacier.DeleteArchiveInput{
		AccountId: aws.String(v.account),
		VaultName: aws.String(v.name),
		ArchiveId: aws.String(archiveID),
	})
	if err != nil {
		werr := v.wrapError("DeleteArchive", archiveID, err)
		if errors.Is(werr, coldstore.ErrNotFound) {
			return nil
		}
		return werr
	}
	return nil
}

// wrapError maps Glacier errors onto coldstore sentinels.
func (v *Vault) wrapError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	target := v.name
	if id != "" {
		target = v.name + "/" + id
	}

	var capacity *types.InsufficientCapacityException
	if errors.As(err, &capacity) {
		return fmt.Errorf("glacier %s %s: %w: %w", op, target, coldstore.ErrInsufficientCapacity, err)
	}
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("glacier %s %s: %w: %w", op, target, coldstore.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InsufficientCapacityException":
			return fmt.Errorf("glacier %s %s: %w: %w", op, target, coldstore.ErrInsufficientCapacity, err)
		case "ResourceNotFoundException":
			return fmt.Errorf("glacier %s %s: %w: %w", op, target, coldstore.ErrNotFound, err)
		}
	}
	return fmt.Errorf("glacier %s %s: %w", op, target, err)
}
