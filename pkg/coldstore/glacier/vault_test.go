package glacier

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/coldstore"
)

type mockAPIError struct {
	code string
}

func (e *mockAPIError) Error() string                 { return e.code }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.code }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

type fakeAPI struct {
	err        error
	lastUpload *glacier.UploadArchiveInput
	lastJob    *glacier.InitiateJobInput
	lastDelete *glacier.DeleteArchiveInput
}

func (f *fakeAPI) UploadArchive(ctx context.Context, in *glacier.UploadArchiveInput, _ ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error) {
	f.lastUpload = in
	if f.err != nil {
		return nil, f.err
	}
	return &glacier.UploadArchiveOutput{ArchiveId: aws.String("arch-1")}, nil
}

func (f *fakeAPI) InitiateJob(ctx context.Context, in *glacier.InitiateJobInput, _ ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error) {
	f.lastJob = in
	if f.err != nil {
		return nil, f.err
	}
	return &glacier.InitiateJobOutput{JobId: aws.String("job-1")}, nil
}

func (f *fakeAPI) GetJobOutput(ctx context.Context, in *glacier.GetJobOutputInput, _ ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &glacier.GetJobOutputOutput{Body: io.NopCloser(strings.NewReader("thawed"))}, nil
}

func (f *fakeAPI) DeleteArchive(ctx context.Context, in *glacier.DeleteArchiveInput, _ ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error) {
	f.lastDelete = in
	if f.err != nil {
		return nil, f.err
	}
	return &glacier.DeleteArchiveOutput{}, nil
}

func TestNew_Validate(t *testing.T) {
	_, err := New(&fakeAPI{}, Config{})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "Vault", cfgErr.Field)

	v, err := New(&fakeAPI{}, Config{Vault: "results"})
	require.NoError(t, err)
	assert.Equal(t, "results", v.Name())
	assert.Equal(t, CurrentAccount, v.account)
}

func TestUploadAndRetrieve(t *testing.T) {
	ctx := context.Background()
	api := &fakeAPI{}
	v, err := New(api, Config{Vault: "results", NotificationTopic: "arn:thaw"})
	require.NoError(t, err)

	id, err := v.Upload(ctx, strings.NewReader("data"), "job j1")
	require.NoError(t, err)
	assert.Equal(t, "arch-1", id)
	assert.Equal(t, "-", aws.ToString(api.lastUpload.AccountId))
	assert.Equal(t, "job j1", aws.ToString(api.lastUpload.ArchiveDescription))

	rid, err := v.InitiateRetrieval(ctx, id, coldstore.TierExpedited)
	require.NoError(t, err)
	assert.Equal(t, "job-1", rid)
	params := api.lastJob.JobParameters
	assert.Equal(t, "archive-retrieval", aws.ToString(params.Type))
	assert.Equal(t, "Expedited", aws.ToString(params.Tier))
	assert.Equal(t, "arn:thaw", aws.ToString(params.SNSTopic))
	assert.Equal(t, "arch-1", aws.ToString(params.ArchiveId))

	rc, err := v.RetrievalOutput(ctx, rid)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "thawed", string(data))

	require.NoError(t, v.Delete(ctx, id))
	assert.Equal(t, "arch-1", aws.ToString(api.lastDelete.ArchiveId))
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "capacity type", err: &types.InsufficientCapacityException{}, want: coldstore.ErrInsufficientCapacity},
		{name: "not found type", err: &types.ResourceNotFoundException{}, want: coldstore.ErrNotFound},
		{name: "capacity code", err: &mockAPIError{code: "InsufficientCapacityException"}, want: coldstore.ErrInsufficientCapacity},
		{name: "not found code", err: &mockAPIError{code: "ResourceNotFoundException"}, want: coldstore.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(&fakeAPI{err: tt.err}, Config{Vault: "results"})
			require.NoError(t, err)
			_, err = v.InitiateRetrieval(context.Background(), "a", coldstore.TierExpedited)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	v, err := New(&fakeAPI{err: errors.New("boom")}, Config{Vault: "results"})
	require.NoError(t, err)
	_, err = v.InitiateRetrieval(context.Background(), "a", coldstore.TierStandard)
	require.Error(t, err)
	assert.NotErrorIs(t, err, coldstore.ErrInsufficientCapacity)
	assert.NotErrorIs(t, err, coldstore.ErrNotFound)
}

func TestDelete_MissingIsNotError(t *testing.T) {
	v, err := New(&fakeAPI{err: &types.ResourceNotFoundException{}}, Config{Vault: "results"})
	require.NoError(t, err)
	require.NoError(t, v.Delete(context.Background(), "gone"))
}
