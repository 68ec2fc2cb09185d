// Package cloudtest runs the AWS backends against a local moto server.
// Callers build with the cloudintegration tag and start each test with
// SkipIfUnavailable. Every resource helper registers its own cleanup.
//
//	func TestQueue_CloudIntegration(t *testing.T) {
//	    cloudtest.SkipIfUnavailable(t)
//	    url := cloudtest.CreateQueue(t, ctx)
//	    ...
//	}
package cloudtest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/3leaps/jobvault/pkg/awsconn"
)

// Endpoint and Region default to a moto server on localhost:5555 and can
// be moved with MOTO_ENDPOINT and MOTO_REGION.
var (
	Endpoint = envOr("MOTO_ENDPOINT", "http://localhost:5555")
	Region   = envOr("MOTO_REGION", "us-east-1")
)

var (
	loadOnce sync.Once
	shared   aws.Config
	loadErr  error

	probeOnce sync.Once
	reachable bool
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SkipIfUnavailable skips t unless the moto API answers.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	probeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", nil)
		if err != nil {
			return
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return
		}
		_ = resp.Body.Close()
		reachable = resp.StatusCode == http.StatusOK
	})
	if !reachable {
		t.Skipf("moto not reachable at %s", Endpoint)
	}
}

// AWSConfig returns the shared moto configuration. Moto accepts any static
// credentials.
func AWSConfig(t *testing.T) aws.Config {
	t.Helper()
	loadOnce.Do(func() {
		shared, loadErr = awsconn.Load(context.Background(), awsconn.Config{
			Region:          Region,
			Endpoint:        Endpoint,
			AccessKeyID:     "testing",
			SecretAccessKey: "testing",
		})
	})
	if loadErr != nil {
		t.Fatalf("load aws config: %v", loadErr)
	}
	return shared
}

// UniqueName derives a lowercase resource name of at most max characters
// plus a numeric suffix from the test name.
func UniqueName(t *testing.T, max int) string {
	t.Helper()
	name := strings.NewReplacer("/", "-", "_", "-").Replace(strings.ToLower(t.Name()))
	if len(name) > max {
		name = name[:max]
	}
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)
}

func s3Client(t *testing.T) *s3.Client {
	return s3.NewFromConfig(AWSConfig(t), func(o *s3.Options) { o.UsePathStyle = true })
}

// CreateBucket creates an empty bucket and returns its name. Cleanup
// empties and deletes it.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := s3Client(t)
	name := UniqueName(t, 50)
	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}

	t.Cleanup(func() {
		ctx := context.Background()
		pages := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(name)})
		for pages.HasMorePages() {
			page, err := pages.NextPage(ctx)
			if err != nil {
				t.Logf("list bucket %s: %v", name, err)
				return
			}
			for _, obj := range page.Contents {
				_, _ = c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(name), Key: obj.Key})
			}
		}
		if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)}); err != nil {
			t.Logf("delete bucket %s: %v", name, err)
		}
	})
	return name
}

// PutObject writes content to bucket/key outside the code under test.
func PutObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()
	if _, err := s3Client(t).PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	}); err != nil {
		t.Fatalf("put %s/%s: %v", bucket, key, err)
	}
}
