// Package file implements the hot tier on a local directory. Each bucket is
// a subdirectory of a shared root and keys are slash separated paths below it.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/3leaps/jobvault/pkg/provider"
)

// Provider stores one bucket under dir.
type Provider struct {
	dir    string
	bucket string
}

var _ provider.Provider = (*Provider)(nil)

// Config configures a file provider.
type Config struct {
	BaseDir string
	// Bucket only labels errors.
	Bucket string
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseDir) == "" {
		return errors.New("file provider: base dir is required")
	}
	return nil
}

func New(cfg Config) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provider{dir: filepath.Clean(cfg.BaseDir), bucket: cfg.Bucket}, nil
}

// Opener maps bucket names to subdirectories of root. Names that would
// leave root are rejected.
func Opener(root string) provider.OpenFunc {
	return func(_ context.Context, bucket string) (provider.Provider, error) {
		if bucket == "." || bucket == ".." || strings.ContainsAny(bucket, `/\`) {
			return nil, &provider.OpError{Op: "open", Backend: provider.BackendFile, Bucket: bucket, Err: provider.ErrBucketNotFound}
		}
		return New(Config{BaseDir: filepath.Join(root, bucket), Bucket: bucket})
	}
}

func (p *Provider) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	full := p.path(key)
	f, err := os.Open(full)
	if err != nil {
		return nil, 0, p.fail("get", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, p.fail("get", key, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, 0, p.fail("get", key, fs.ErrNotExist)
	}
	return f, info.Size(), nil
}

// PutObject writes through a temporary file so readers never see a
// partial object.
func (p *Provider) PutObject(_ context.Context, key string, body io.Reader, _ int64) error {
	full := p.path(key)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return p.fail("put", key, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".put-*")
	if err != nil {
		return p.fail("put", key, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, body); err != nil {
		_ = tmp.Close()
		return p.fail("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		return p.fail("put", key, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return p.fail("put", key, err)
	}
	return nil
}

func (p *Provider) DeleteObject(_ context.Context, key string) error {
	if err := os.Remove(p.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return p.fail("delete", key, err)
	}
	return nil
}

func (p *Provider) Close() error { return nil }

// path resolves key below dir. Dot-dot segments are clamped at the bucket
// root.
func (p *Provider) path(key string) string {
	clean := strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(key)), "/")
	return filepath.Join(p.dir, filepath.FromSlash(clean))
}

func (p *Provider) fail(op, key string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		err = provider.ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		err = fmt.Errorf("%w: %v", provider.ErrAccessDenied, err)
	}
	return &provider.OpError{Op: op, Backend: provider.BackendFile, Bucket: p.bucket, Key: key, Err: err}
}
