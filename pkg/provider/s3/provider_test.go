package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/provider"
)

type mockAPIError struct {
	code string
}

func (e *mockAPIError) Error() string                 { return e.code + ": test message" }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return "test message" }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

var _ smithy.APIError = (*mockAPIError)(nil)

func responseError(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      errors.New("https response error"),
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.ErrorIs(t, Config{}.Validate(), errNoBucket)
	assert.NoError(t, Config{Bucket: "results"}.Validate())
	assert.NoError(t, Config{Bucket: "results", ForcePathStyle: true}.Validate())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "no such key type", err: &types.NoSuchKey{}, want: provider.ErrNotFound},
		{name: "not found type", err: &types.NotFound{}, want: provider.ErrNotFound},
		{name: "no such bucket type", err: fmt.Errorf("op: %w", &types.NoSuchBucket{}), want: provider.ErrBucketNotFound},
		{name: "access denied code", err: &mockAPIError{code: "AccessDenied"}, want: provider.ErrAccessDenied},
		{name: "bad key id code", err: &mockAPIError{code: "InvalidAccessKeyId"}, want: provider.ErrAccessDenied},
		{name: "slow down code", err: &mockAPIError{code: "SlowDown"}, want: provider.ErrThrottled},
		{name: "request limit code", err: &mockAPIError{code: "RequestLimitExceeded"}, want: provider.ErrThrottled},
		{name: "internal error code", err: &mockAPIError{code: "InternalError"}, want: provider.ErrUnavailable},
		{name: "404 status", err: responseError(http.StatusNotFound), want: provider.ErrNotFound},
		{name: "403 status", err: responseError(http.StatusForbidden), want: provider.ErrAccessDenied},
		{name: "429 status", err: responseError(http.StatusTooManyRequests), want: provider.ErrThrottled},
		{name: "503 status", err: responseError(http.StatusServiceUnavailable), want: provider.ErrUnavailable},
		{name: "400 status", err: responseError(http.StatusBadRequest), want: nil},
		{name: "unknown code", err: &mockAPIError{code: "InvalidRange"}, want: nil},
		{name: "plain error", err: errors.New("dial tcp: refused"), want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.err))
		})
	}
}

func TestFail(t *testing.T) {
	p := &Provider{bucket: "results"}

	err := p.fail("get", "u1/j1~x.annot.vcf", &types.NoSuchKey{})
	var opErr *provider.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, provider.BackendS3, opErr.Backend)
	assert.Equal(t, "results", opErr.Bucket)
	assert.True(t, provider.IsNotFound(err))
	assert.Contains(t, err.Error(), "s3 get results/u1/j1~x.annot.vcf: object not found")

	throttled := p.fail("put", "k", &mockAPIError{code: "SlowDown"})
	assert.True(t, provider.IsTransient(throttled))

	cause := errors.New("dial tcp: refused")
	plain := p.fail("delete", "k", cause)
	assert.ErrorIs(t, plain, cause)
	assert.False(t, provider.IsTransient(plain))
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(aws.Config{}, Config{})
	assert.ErrorIs(t, err, errNoBucket)
}

func TestOpener(t *testing.T) {
	open := Opener(aws.Config{Region: "us-east-1"}, Config{ForcePathStyle: true})
	prov, err := open(context.Background(), "results")
	require.NoError(t, err)
	assert.Equal(t, "results", prov.(*Provider).bucket)

	_, err = open(context.Background(), "")
	assert.ErrorIs(t, err, errNoBucket)
}
