package sqs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/queue"
)

type fakeAPI struct {
	urlErr      error
	lastReceive *sqs.ReceiveMessageInput
	lastDelete  *sqs.DeleteMessageInput
	lastSend    *sqs.SendMessageInput
	messages    []types.Message
}

func (f *fakeAPI) GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	if f.urlErr != nil {
		return nil, f.urlErr
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String("http://localhost:5555/000000000000/" + aws.ToString(in.QueueName))}, nil
}

func (f *fakeAPI) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.lastReceive = in
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.lastDelete = in
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.lastSend = in
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestNew_ResolvesName(t *testing.T) {
	q, err := New(context.Background(), &fakeAPI{}, Config{Name: "job-requests"})
	require.NoError(t, err)
	assert.Equal(t, "job-requests", q.Name())
	assert.Equal(t, "http://localhost:5555/000000000000/job-requests", q.URL())
}

func TestNew_NameFromURL(t *testing.T) {
	q, err := New(context.Background(), &fakeAPI{}, Config{URL: "https://sqs.us-east-1.amazonaws.com/123/archive"})
	require.NoError(t, err)
	assert.Equal(t, "archive", q.Name())
}

func TestNew_Errors(t *testing.T) {
	_, err := New(context.Background(), &fakeAPI{}, Config{})
	require.Error(t, err)

	_, err = New(context.Background(), &fakeAPI{urlErr: &types.QueueDoesNotExist{}}, Config{Name: "missing"})
	assert.ErrorIs(t, err, queue.ErrQueueNotFound)

	_, err = New(context.Background(), &fakeAPI{urlErr: errors.New("boom")}, Config{Name: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrQueueNotFound)
}

func TestReceive_ClampsAndMaps(t *testing.T) {
	api := &fakeAPI{messages: []types.Message{{
		MessageId:     aws.String("m-1"),
		ReceiptHandle: aws.String("r-1"),
		Body:          aws.String(`{"job_id":"j1"}`),
		Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
	}}}
	q, err := New(context.Background(), api, Config{URL: "u/requests", VisibilityTimeout: 45 * time.Second})
	require.NoError(t, err)

	msgs, err := q.Receive(context.Background(), 50, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m-1", msgs[0].ID)
	assert.Equal(t, "r-1", msgs[0].ReceiptHandle)
	assert.Equal(t, 3, msgs[0].ReceiveCount)

	assert.Equal(t, int32(MaxMessagesPerReceive), api.lastReceive.MaxNumberOfMessages)
	assert.Equal(t, int32(20), api.lastReceive.WaitTimeSeconds)
	assert.Equal(t, int32(45), api.lastReceive.VisibilityTimeout)
}

func TestDeleteAndSend(t *testing.T) {
	api := &fakeAPI{}
	q, err := New(context.Background(), api, Config{URL: "u/requests"})
	require.NoError(t, err)

	require.NoError(t, q.Delete(context.Background(), queue.Message{ID: "m-1", ReceiptHandle: "r-1"}))
	assert.Equal(t, "r-1", aws.ToString(api.lastDelete.ReceiptHandle))

	require.NoError(t, q.Send(context.Background(), []byte("payload")))
	assert.Equal(t, "payload", aws.ToString(api.lastSend.MessageBody))
}

func TestToMessage_DefaultsReceiveCount(t *testing.T) {
	m := toMessage(types.Message{MessageId: aws.String("m")})
	assert.Equal(t, 1, m.ReceiveCount)
}
