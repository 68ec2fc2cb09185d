// Package dynamo implements jobstore.Store on DynamoDB.
//
// Conditional updates are single UpdateItem calls with a ConditionExpression;
// a failed condition is distinguished from a missing record using
// ReturnValuesOnConditionCheckFailure.
package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/3leaps/jobvault/pkg/jobstore"
)

const (
	attrJobID      = "job_id"
	attrUserID     = "user_id"
	attrSubmitTime = "submit_time"
	attrStatus     = "job_status"
	attrRunTime    = "run_time"
	attrAttempts   = "attempts"
	attrComplete   = "complete_time"
	attrResult     = "result_location"
	attrLog        = "log_location"
	attrArchiveID  = "result_archive_id"
	attrRestore    = "restore_time"
	attrRepublish  = "republish_time"
	attrRepubs     = "republishes"
)

// Default secondary index names.
const (
	DefaultUserIndex    = "user_id_index"
	DefaultArchiveIndex = "result_archive_id_index"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	dynamodb.QueryAPIClient
	dynamodb.ScanAPIClient
}

// Config names the table and its secondary indexes.
type Config struct {
	Table        string
	UserIndex    string
	ArchiveIndex string
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Table == "" {
		return errors.New("dynamodb table name is required")
	}
	return nil
}

// Store is a DynamoDB-backed jobstore.Store.
type Store struct {
	api          API
	table        string
	userIndex    string
	archiveIndex string
}

var _ jobstore.Store = (*Store)(nil)

// New creates a store on api.
func New(api API, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.UserIndex == "" {
		cfg.UserIndex = DefaultUserIndex
	}
	if cfg.ArchiveIndex == "" {
		cfg.ArchiveIndex = DefaultArchiveIndex
	}
	return &Store{api: api, table: cfg.Table, userIndex: cfg.UserIndex, archiveIndex: cfg.ArchiveIndex}, nil
}

// NewFromConfig creates a store with a client built from awsCfg.
func NewFromConfig(awsCfg aws.Config, cfg Config) (*Store, error) {
	return New(dynamodb.NewFromConfig(awsCfg), cfg)
}

func encoderOptions(o *attributevalue.EncoderOptions) {
	o.TagKey = "json"
}

func decoderOptions(o *attributevalue.DecoderOptions) {
	o.TagKey = "json"
}

func (s *Store) Create(ctx context.Context, job *jobstore.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	item, err := attributevalue.MarshalMapWithOptions(job, encoderOptions)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(attrJobID))).
		Build()
	if err != nil {
		return fmt.Errorf("build create condition: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.table),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return jobstore.ErrAlreadyExists
		}
		return fmt.Errorf("dynamodb put %s: %w", job.JobID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (*jobstore.Job, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyFor(jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb get %s: %w", jobID, err)
	}
	if len(out.Item) == 0 {
		return nil, jobstore.ErrNotFound
	}

	var job jobstore.Job
	if err := attributevalue.UnmarshalMapWithOptions(out.Item, &job, decoderOptions); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

func (s *Store) QueryByUser(ctx context.Context, userID string) ([]jobstore.Job, error) {
	jobs, err := s.query(ctx, s.userIndex, expression.Key(attrUserID).Equal(expression.Value(userID)))
	if err != nil {
		return nil, err
	}
	jobstore.SortNewestFirst(jobs)
	return jobs, nil
}

func (s *Store) QueryByArchiveID(ctx context.Context, archiveID string) ([]jobstore.Job, error) {
	if archiveID == "" {
		return nil, nil
	}
	return s.query(ctx, s.archiveIndex, expression.Key(attrArchiveID).Equal(expression.Value(archiveID)))
}

func (s *Store) ListByStatus(ctx context.Context, status jobstore.Status) ([]jobstore.Job, error) {
	expr, err := expression.NewBuilder().
		WithFilter(expression.Name(attrStatus).Equal(expression.Value(string(status)))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build status filter: %w", err)
	}

	paginator := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})

	var jobs []jobstore.Job
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb scan %s: %w", status, err)
		}
		var batch []jobstore.Job
		if err := attributevalue.UnmarshalListOfMapsWithOptions(page.Items, &batch, decoderOptions); err != nil {
			return nil, fmt.Errorf("unmarshal jobs: %w", err)
		}
		jobs = append(jobs, batch...)
	}
	return jobs, nil
}

// Update conditionally writes fields on jobID in a single UpdateItem call.
func (s *Store) Update(ctx context.Context, jobID string, cond jobstore.Condition, upd jobstore.Update) (jobstore.UpdateResult, error) {
	if upd.IsEmpty() {
		// DynamoDB rejects an UpdateItem with nothing to write.
		job, err := s.Get(ctx, jobID)
		if errors.Is(err, jobstore.ErrNotFound) {
			return jobstore.NotFound, nil
		}
		if err != nil {
			return 0, err
		}
		if cond.Matches(job) {
			return jobstore.Updated, nil
		}
		return jobstore.ConditionFailed, nil
	}

	expr, err := expression.NewBuilder().
		WithCondition(buildCondition(cond)).
		WithUpdate(buildUpdate(upd)).
		Build()
	if err != nil {
		return 0, fmt.Errorf("build update expression: %w", err)
	}

	_, err = s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 keyFor(jobID),
		ConditionExpression:                 expr.Condition(),
		UpdateExpression:                    expr.Update(),
		ExpressionAttributeNames:            expr.Names(),
		ExpressionAttributeValues:           expr.Values(),
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err == nil {
		return jobstore.Updated, nil
	}
	return classifyUpdateError(jobID, err)
}

// Close is a no-op; the DynamoDB client holds no resources.
func (s *Store) Close() error {
	return nil
}

func (s *Store) query(ctx context.Context, index string, key expression.KeyConditionBuilder) ([]jobstore.Job, error) {
	expr, err := expression.NewBuilder().WithKeyCondition(key).Build()
	if err != nil {
		return nil, fmt.Errorf("build key condition: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	}
	// Global secondary indexes only support eventually consistent reads;
	// callers re-read through Get before acting on a result.
	paginator := dynamodb.NewQueryPaginator(s.api, input)
	var jobs []jobstore.Job
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb query %s: %w", index, err)
		}
		var batch []jobstore.Job
		if err := attributevalue.UnmarshalListOfMapsWithOptions(page.Items, &batch, decoderOptions); err != nil {
			return nil, fmt.Errorf("unmarshal jobs: %w", err)
		}
		jobs = append(jobs, batch...)
	}
	return jobs, nil
}

func classifyUpdateError(jobID string, err error) (jobstore.UpdateResult, error) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		if len(ccf.Item) == 0 {
			return jobstore.NotFound, nil
		}
		return jobstore.ConditionFailed, nil
	}
	return 0, fmt.Errorf("dynamodb update %s: %w", jobID, err)
}

func keyFor(jobID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrJobID: &types.AttributeValueMemberS{Value: jobID},
	}
}

// buildCondition always requires the record to exist so a missing record
// never gets created by an update.
func buildCondition(cond jobstore.Condition) expression.ConditionBuilder {
	c := expression.AttributeExists(expression.Name(attrJobID))
	if cond.Status != "" {
		c = c.And(expression.Name(attrStatus).Equal(expression.Value(string(cond.Status))))
	}
	if cond.RunTime != 0 {
		c = c.And(expression.Name(attrRunTime).Equal(expression.Value(cond.RunTime)))
	}
	if cond.ArchiveID != "" {
		c = c.And(expression.Name(attrArchiveID).Equal(expression.Value(cond.ArchiveID)))
	}
	if cond.NoArchive {
		c = c.And(expression.AttributeNotExists(expression.Name(attrArchiveID)))
	}
	if cond.RepublishedBefore != 0 {
		c = c.And(expression.Or(
			expression.AttributeNotExists(expression.Name(attrRepublish)),
			expression.Name(attrRepublish).LessThan(expression.Value(cond.RepublishedBefore)),
		))
	}
	return c
}

func buildUpdate(upd jobstore.Update) expression.UpdateBuilder {
	var u expression.UpdateBuilder

	if upd.Status != "" {
		u = u.Set(expression.Name(attrStatus), expression.Value(string(upd.Status)))
	}
	switch {
	case upd.RunTime != 0:
		u = u.Set(expression.Name(attrRunTime), expression.Value(upd.RunTime))
	case upd.ClearRunTime:
		u = u.Remove(expression.Name(attrRunTime))
	}
	if upd.IncAttempts {
		u = u.Set(expression.Name(attrAttempts),
			expression.Plus(expression.IfNotExists(expression.Name(attrAttempts), expression.Value(0)), expression.Value(1)))
	}
	if upd.CompleteTime != 0 {
		u = u.Set(expression.Name(attrComplete), expression.Value(upd.CompleteTime))
	}
	if upd.ResultLocation != nil {
		u = u.Set(expression.Name(attrResult), expression.Value(locationValue(*upd.ResultLocation)))
	}
	if upd.LogLocation != nil {
		u = u.Set(expression.Name(attrLog), expression.Value(locationValue(*upd.LogLocation)))
	}
	switch {
	case upd.ArchiveID != "":
		u = u.Set(expression.Name(attrArchiveID), expression.Value(upd.ArchiveID))
	case upd.ClearArchiveID:
		u = u.Remove(expression.Name(attrArchiveID))
	}
	if upd.RestoreTime != 0 {
		u = u.Set(expression.Name(attrRestore), expression.Value(upd.RestoreTime))
	}
	switch {
	case upd.ClearRepublishes:
		u = u.Remove(expression.Name(attrRepublish)).Remove(expression.Name(attrRepubs))
	default:
		if upd.RepublishTime != 0 {
			u = u.Set(expression.Name(attrRepublish), expression.Value(upd.RepublishTime))
		}
		if upd.IncRepublishes {
			u = u.Set(expression.Name(attrRepubs),
				expression.Plus(expression.IfNotExists(expression.Name(attrRepubs), expression.Value(0)), expression.Value(1)))
		}
	}
	return u
}

func locationValue(loc jobstore.Location) map[string]string {
	return map[string]string{"bucket": loc.Bucket, "key": loc.Key}
}
