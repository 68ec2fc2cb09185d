package file

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/provider"
)

func TestProvider_RoundTrip(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{BaseDir: t.TempDir(), Bucket: "results"})
	require.NoError(t, err)

	content := []byte("chr1\t100\t.\tA\tG\n")
	key := "prefix/user-1/job-1~sample.vcf"
	require.NoError(t, p.PutObject(ctx, key, bytes.NewReader(content), int64(len(content))))

	body, size, err := p.GetObject(ctx, key)
	require.NoError(t, err)
	got, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, int64(len(content)), size)
	assert.Equal(t, content, got)

	require.NoError(t, p.PutObject(ctx, key, bytes.NewReader([]byte("v2")), 2))
	body, _, err = p.GetObject(ctx, key)
	require.NoError(t, err)
	got, _ = io.ReadAll(body)
	_ = body.Close()
	assert.Equal(t, "v2", string(got))

	require.NoError(t, p.DeleteObject(ctx, key))
	_, _, err = p.GetObject(ctx, key)
	assert.ErrorIs(t, err, provider.ErrNotFound)
	require.NoError(t, p.DeleteObject(ctx, key), "deleting a missing key is not an error")

	entries, err := os.ReadDir(filepath.Join(p.dir, "prefix", "user-1"))
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary files are cleaned up")
}

func TestProvider_GetErrors(t *testing.T) {
	ctx := context.Background()
	p, err := New(Config{BaseDir: t.TempDir(), Bucket: "inputs"})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(p.dir, "dir"), 0o755))

	tests := []struct {
		name string
		key  string
	}{
		{name: "missing", key: "nope.vcf"},
		{name: "directory", key: "dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := p.GetObject(ctx, tt.key)
			require.Error(t, err)
			assert.True(t, provider.IsNotFound(err))

			var opErr *provider.OpError
			require.ErrorAs(t, err, &opErr)
			assert.Equal(t, "get", opErr.Op)
			assert.Equal(t, "inputs", opErr.Bucket)
			assert.Equal(t, tt.key, opErr.Key)
		})
	}
}

func TestProvider_PathClampsTraversal(t *testing.T) {
	p, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	tests := []struct {
		key  string
		want string
	}{
		{key: "a/b.vcf", want: filepath.Join(p.dir, "a", "b.vcf")},
		{key: "/a/b.vcf", want: filepath.Join(p.dir, "a", "b.vcf")},
		{key: "../../etc/passwd", want: filepath.Join(p.dir, "etc", "passwd")},
		{key: "a/../../b", want: filepath.Join(p.dir, "b")},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, p.path(tt.key))
		})
	}
}

func TestOpener(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	pool := provider.NewPool(Opener(root))
	defer func() { _ = pool.Close() }()

	require.NoError(t, pool.Put(ctx, "results", "k.txt", bytes.NewReader([]byte("v")), 1))
	_, err := os.Stat(filepath.Join(root, "results", "k.txt"))
	require.NoError(t, err)

	for _, bucket := range []string{"../escape", "a/b", "..", ""} {
		_, err = pool.Bucket(ctx, bucket)
		assert.ErrorIs(t, err, provider.ErrBucketNotFound, bucket)
	}
}

func TestConfig_Validate(t *testing.T) {
	require.Error(t, Config{}.Validate())
	require.Error(t, Config{BaseDir: "  "}.Validate())
	require.NoError(t, Config{BaseDir: "/tmp"}.Validate())
}
