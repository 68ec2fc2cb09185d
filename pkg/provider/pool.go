package provider

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
)

// OpenFunc creates a Provider for a bucket.
type OpenFunc func(ctx context.Context, bucket string) (Provider, error)

// Pool lazily opens and caches one Provider per bucket.
type Pool struct {
	open OpenFunc

	mu      sync.Mutex
	buckets map[string]Provider
}

// NewPool returns a pool backed by open.
func NewPool(open OpenFunc) *Pool {
	return &Pool{open: open, buckets: make(map[string]Provider)}
}

// Bucket returns the provider for bucket, opening it on first use.
func (p *Pool) Bucket(ctx context.Context, bucket string) (Provider, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, &OpError{Op: "open", Err: ErrBucketNotFound}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prov, ok := p.buckets[bucket]; ok {
		return prov, nil
	}
	prov, err := p.open(ctx, bucket)
	if err != nil {
		return nil, err
	}
	p.buckets[bucket] = prov
	return prov, nil
}

// Get streams bucket/key.
func (p *Pool) Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	prov, err := p.Bucket(ctx, bucket)
	if err != nil {
		return nil, 0, err
	}
	return prov.GetObject(ctx, key)
}

// Put writes bucket/key.
func (p *Pool) Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error {
	prov, err := p.Bucket(ctx, bucket)
	if err != nil {
		return err
	}
	return prov.PutObject(ctx, key, body, size)
}

// Delete removes bucket/key.
func (p *Pool) Delete(ctx context.Context, bucket, key string) error {
	prov, err := p.Bucket(ctx, bucket)
	if err != nil {
		return err
	}
	return prov.DeleteObject(ctx, key)
}

// Close closes every opened provider.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, prov := range p.buckets {
		if err := prov.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.buckets, name)
	}
	return errors.Join(errs...)
}
