package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/3leaps/jobvault/pkg/provider"
)

// Provider serves one S3 bucket.
type Provider struct {
	client *s3.Client
	bucket string
}

var _ provider.Provider = (*Provider)(nil)

func New(awsCfg aws.Config, cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Provider{client: client, bucket: cfg.Bucket}, nil
}

// Opener opens buckets with the settings in tmpl.
func Opener(awsCfg aws.Config, tmpl Config) provider.OpenFunc {
	return func(_ context.Context, bucket string) (provider.Provider, error) {
		cfg := tmpl
		cfg.Bucket = bucket
		return New(awsCfg, cfg)
	}
}

func (p *Provider) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, p.fail("get", key, err)
	}
	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// PutObject uploads body. S3 needs the length for non-seekable bodies, so
// callers pass the exact size when they know it and -1 otherwise.
func (p *Provider) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := p.client.PutObject(ctx, in); err != nil {
		return p.fail("put", key, err)
	}
	return nil
}

func (p *Provider) DeleteObject(ctx context.Context, key string) error {
	if _, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return p.fail("delete", key, err)
	}
	return nil
}

func (p *Provider) Close() error { return nil }

func (p *Provider) fail(op, key string, err error) error {
	if sentinel := classify(err); sentinel != nil {
		err = fmt.Errorf("%w: %v", sentinel, err)
	}
	return &provider.OpError{Op: op, Backend: provider.BackendS3, Bucket: p.bucket, Key: key, Err: err}
}

// classify maps an SDK error to a provider sentinel, or nil when none fits.
// Typed errors win over API codes, which win over the HTTP status.
func classify(err error) error {
	var (
		noSuchKey    *types.NoSuchKey
		notFound     *types.NotFound
		noSuchBucket *types.NoSuchBucket
	)
	switch {
	case errors.As(err, &noSuchKey), errors.As(err, &notFound):
		return provider.ErrNotFound
	case errors.As(err, &noSuchBucket):
		return provider.ErrBucketNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return provider.ErrNotFound
		case "NoSuchBucket":
			return provider.ErrBucketNotFound
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return provider.ErrAccessDenied
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			return provider.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			return provider.ErrUnavailable
		}
	}

	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return provider.ErrNotFound
		case code == http.StatusForbidden:
			return provider.ErrAccessDenied
		case code == http.StatusTooManyRequests:
			return provider.ErrThrottled
		case code >= http.StatusInternalServerError:
			return provider.ErrUnavailable
		}
	}
	return nil
}
