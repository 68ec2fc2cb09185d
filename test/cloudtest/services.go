package cloudtest

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// CreateQueue creates an SQS queue and returns its URL.
func CreateQueue(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := sqs.NewFromConfig(AWSConfig(t))
	name := UniqueName(t, 60)
	out, err := c.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
	if err != nil {
		t.Fatalf("failed to create queue %s: %v", name, err)
	}
	url := aws.ToString(out.QueueUrl)

	t.Cleanup(func() {
		if _, err := c.DeleteQueue(context.Background(), &sqs.DeleteQueueInput{QueueUrl: aws.String(url)}); err != nil {
			t.Logf("warning: failed to delete queue %s: %v", url, err)
		}
	})
	return url
}

// CreateTopic creates an SNS topic and returns its ARN.
func CreateTopic(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := sns.NewFromConfig(AWSConfig(t))
	name := UniqueName(t, 60)
	out, err := c.CreateTopic(ctx, &sns.CreateTopicInput{Name: aws.String(name)})
	if err != nil {
		t.Fatalf("failed to create topic %s: %v", name, err)
	}
	arn := aws.ToString(out.TopicArn)

	t.Cleanup(func() {
		if _, err := c.DeleteTopic(context.Background(), &sns.DeleteTopicInput{TopicArn: aws.String(arn)}); err != nil {
			t.Logf("warning: failed to delete topic %s: %v", arn, err)
		}
	})
	return arn
}

// SubscribeQueue subscribes an SQS queue to an SNS topic.
func SubscribeQueue(t *testing.T, ctx context.Context, topicARN, queueURL string) {
	t.Helper()

	attrs, err := sqs.NewFromConfig(AWSConfig(t)).GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		t.Fatalf("failed to read queue arn for %s: %v", queueURL, err)
	}

	_, err = sns.NewFromConfig(AWSConfig(t)).Subscribe(ctx, &sns.SubscribeInput{
		TopicArn: aws.String(topicARN),
		Protocol: aws.String("sqs"),
		Endpoint: aws.String(attrs.Attributes["QueueArn"]),
	})
	if err != nil {
		t.Fatalf("failed to subscribe %s to %s: %v", queueURL, topicARN, err)
	}
}

// CreateVault creates a Glacier vault and returns its name.
func CreateVault(t *testing.T, ctx context.Context) string {
	t.Helper()

	c := glacier.NewFromConfig(AWSConfig(t))
	name := UniqueName(t, 60)
	if _, err := c.CreateVault(ctx, &glacier.CreateVaultInput{AccountId: aws.String("-"), VaultName: aws.String(name)}); err != nil {
		t.Fatalf("failed to create vault %s: %v", name, err)
	}

	t.Cleanup(func() {
		if _, err := c.DeleteVault(context.Background(), &glacier.DeleteVaultInput{AccountId: aws.String("-"), VaultName: aws.String(name)}); err != nil {
			t.Logf("warning: failed to delete vault %s: %v", name, err)
		}
	})
	return name
}

// CreateTable creates a DynamoDB table via create and registers cleanup.
// create receives the client and a unique table name.
func CreateTable(t *testing.T, ctx context.Context, create func(ctx context.Context, c *dynamodb.Client, name string) error) string {
	t.Helper()

	c := dynamodb.NewFromConfig(AWSConfig(t))
	name := UniqueName(t, 200)
	if err := create(ctx, c, name); err != nil {
		t.Fatalf("failed to create table %s: %v", name, err)
	}

	t.Cleanup(func() {
		if _, err := c.DeleteTable(context.Background(), &dynamodb.DeleteTableInput{TableName: aws.String(name)}); err != nil {
			t.Logf("warning: failed to delete table %s: %v", name, err)
		}
	})
	return name
}
