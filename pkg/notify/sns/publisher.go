// Package sns implements notify.Publisher on Amazon SNS.
package sns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/3leaps/jobvault/pkg/notify"
)

// API is the subset of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes JSON payloads to SNS topics addressed by ARN.
type Publisher struct {
	api API
}

var _ notify.Publisher = (*Publisher)(nil)

// New returns a publisher on api.
func New(api API) *Publisher {
	return &Publisher{api: api}
}

// NewFromConfig creates a publisher with a client built from awsCfg.
func NewFromConfig(awsCfg aws.Config) *Publisher {
	return New(sns.NewFromConfig(awsCfg))
}

func (p *Publisher) Publish(ctx context.Context, topicARN string, payload any) error {
	if topicARN == "" {
		return fmt.Errorf("sns publish: %w", notify.ErrTopicNotFound)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", topicARN, err)
	}

	_, err = p.api.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(topicARN),
		Message:  aws.String(string(data)),
	})
	if err != nil {
		var notFound *types.NotFoundException
		if errors.As(err, &notFound) {
			return fmt.Errorf("sns publish %s: %w", topicARN, notify.ErrTopicNotFound)
		}
		return fmt.Errorf("sns publish %s: %w", topicARN, err)
	}
	return nil
}
