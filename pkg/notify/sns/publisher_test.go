package sns

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/notify"
)

type fakeAPI struct {
	err  error
	last *sns.PublishInput
}

func (f *fakeAPI) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.last = in
	if f.err != nil {
		return nil, f.err
	}
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

func TestPublish(t *testing.T) {
	api := &fakeAPI{}
	p := New(api)

	require.NoError(t, p.Publish(context.Background(), "arn:aws:sns:us-east-1:1:archive", map[string]string{"job_id": "j1"}))
	assert.Equal(t, "arn:aws:sns:us-east-1:1:archive", aws.ToString(api.last.TopicArn))
	assert.JSONEq(t, `{"job_id":"j1"}`, aws.ToString(api.last.Message))
}

func TestPublish_Errors(t *testing.T) {
	tests := []struct {
		name        string
		topic       string
		err         error
		wantNoTopic bool
	}{
		{name: "empty topic", topic: "", wantNoTopic: true},
		{name: "topic missing", topic: "arn", err: &types.NotFoundException{}, wantNoTopic: true},
		{name: "other failure", topic: "arn", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(&fakeAPI{err: tt.err}).Publish(context.Background(), tt.topic, struct{}{})
			require.Error(t, err)
			assert.Equal(t, tt.wantNoTopic, errors.Is(err, notify.ErrTopicNotFound))
		})
	}
}
