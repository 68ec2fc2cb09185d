// Package s3 implements the hot tier on AWS S3 and S3-compatible stores.
package s3

import "errors"

// Config holds per-bucket settings. Region, endpoint and credentials come
// from the shared aws.Config built by awsconn.Load.
type Config struct {
	Bucket string

	// ForcePathStyle puts the bucket in the path instead of the host name.
	// Moto and most S3-compatible stores need it.
	ForcePathStyle bool
}

var errNoBucket = errors.New("s3: bucket is required")

func (c Config) Validate() error {
	if c.Bucket == "" {
		return errNoBucket
	}
	return nil
}
