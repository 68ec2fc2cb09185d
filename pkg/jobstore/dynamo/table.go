package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// TableAPI is the subset of the DynamoDB client used to provision tables.
type TableAPI interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	dynamodb.DescribeTableAPIClient
}

// CreateTableInput describes the job table: job_id hash key, a user index
// ordered by submit_time, and an archive-handle index.
func CreateTableInput(cfg Config) *dynamodb.CreateTableInput {
	if cfg.UserIndex == "" {
		cfg.UserIndex = DefaultUserIndex
	}
	if cfg.ArchiveIndex == "" {
		cfg.ArchiveIndex = DefaultArchiveIndex
	}

	return &dynamodb.CreateTableInput{
		TableName:   aws.String(cfg.Table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrJobID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrUserID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSubmitTime), AttributeType: types.ScalarAttributeTypeN},
			{AttributeName: aws.String(attrArchiveID), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrJobID), KeyType: types.KeyTypeHash},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(cfg.UserIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(attrUserID), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(attrSubmitTime), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
			{
				IndexName: aws.String(cfg.ArchiveIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(attrArchiveID), KeyType: types.KeyTypeHash},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	}
}

// EnsureTable creates the job table if it does not exist and waits for it
// to become active.
func EnsureTable(ctx context.Context, api TableAPI, cfg Config, maxWait time.Duration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	_, err := api.CreateTable(ctx, CreateTableInput(cfg))
	if err != nil {
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("create table %s: %w", cfg.Table, err)
		}
	}

	waiter := dynamodb.NewTableExistsWaiter(api)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(cfg.Table)}, maxWait); err != nil {
		return fmt.Errorf("wait for table %s: %w", cfg.Table, err)
	}
	return nil
}
