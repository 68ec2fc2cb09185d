// Package awsconn loads the shared AWS SDK configuration used by every
// AWS-backed component (S3, DynamoDB, SQS, SNS, Glacier).
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
//
// Region handling: explicit Region, then env/profile, then (optionally) the
// instance metadata service, then us-east-1. When Endpoint is set no default
// is applied.
package awsconn

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// DefaultAWSRegion is the fallback region when nothing else resolves one.
const DefaultAWSRegion = "us-east-1"

// imdsTimeout bounds the metadata lookup so workstation runs do not stall.
const imdsTimeout = 2 * time.Second

// Config holds connection settings shared by all AWS clients.
type Config struct {
	// Region is the AWS region. Empty defers to env/profile resolution.
	Region string

	// Endpoint overrides every service endpoint (moto, LocalStack).
	Endpoint string

	// Profile is the shared config profile name.
	Profile string

	// AccessKeyID and SecretAccessKey are explicit static credentials.
	AccessKeyID     string
	SecretAccessKey string

	// UseIMDSRegion asks the instance metadata service for the region when
	// env/profile resolution finds none.
	UseIMDSRegion bool
}

// Validate checks that explicit credentials are paired.
func (c Config) Validate() error {
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "aws config: " + e.Field + ": " + e.Message
}

// regionLookup resolves a region from instance metadata.
type regionLookup func(ctx context.Context, cfg aws.Config) (string, error)

// Load builds the AWS configuration with appropriate credentials.
func Load(ctx context.Context, cfg Config) (aws.Config, error) {
	return load(ctx, cfg, imdsRegion)
}

func load(ctx context.Context, cfg Config, lookup regionLookup) (aws.Config, error) {
	if err := cfg.Validate(); err != nil {
		return aws.Config{}, err
	}

	var opts []func(*config.LoadOptions) error

	// Only apply explicit region if user set one in config.
	// Let SDK resolve from env/profile first.
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, config.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	sdkRegion := awsCfg.Region
	if sdkRegion == "" && cfg.Endpoint == "" && cfg.UseIMDSRegion && lookup != nil {
		if region, err := lookup(ctx, awsCfg); err == nil {
			sdkRegion = region
		}
	}
	awsCfg.Region = ResolveRegion(cfg.Endpoint, sdkRegion)

	if cfg.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(cfg.Endpoint)
	}

	return awsCfg, nil
}

func imdsRegion(ctx context.Context, cfg aws.Config) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()

	out, err := imds.NewFromConfig(cfg).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", err
	}
	return out.Region, nil
}

// ResolveRegion applies the fallback default after SDK config loading.
//
// sdkRegion already incorporates an explicit region, env/profile resolution
// and any metadata lookup. It is defaulted to us-east-1 only for real AWS
// (no custom endpoint).
func ResolveRegion(endpoint, sdkRegion string) string {
	if sdkRegion != "" {
		return sdkRegion
	}
	if endpoint == "" {
		return DefaultAWSRegion
	}
	return ""
}
