package coldstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

const (
	// DefaultSpoolMaxMemoryBytes controls how large an object is buffered in
	// memory before upload. Larger or unknown-size objects spool to a temp file.
	DefaultSpoolMaxMemoryBytes int64 = 16 << 20 // 16 MiB
)

// Spooled is a seekable copy of a streamed object. Archive uploads need a
// seekable body so the SDK can hash and retry it.
type Spooled struct {
	reader  io.ReadSeeker
	size    int64
	cleanup func() error
}

// Reader returns the buffered body, positioned at the start.
func (s *Spooled) Reader() io.ReadSeeker { return s.reader }

// Size returns the number of buffered bytes.
func (s *Spooled) Size() int64 { return s.size }

// Rewind seeks the body back to the start.
func (s *Spooled) Rewind() error {
	_, err := s.reader.Seek(0, io.SeekStart)
	return err
}

// Close releases the buffer, removing any temp file.
func (s *Spooled) Close() error {
	if s.cleanup == nil {
		return nil
	}
	return s.cleanup()
}

// Spool drains src into a seekable buffer and closes src.
// A negative size means unknown.
func Spool(src io.ReadCloser, size int64, maxMemoryBytes int64) (*Spooled, error) {
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultSpoolMaxMemoryBytes
	}

	defer func() { _ = src.Close() }()

	if size >= 0 && size <= maxMemoryBytes {
		data, err := io.ReadAll(io.LimitReader(src, size))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != size {
			return nil, fmt.Errorf("short read: got %d of %d bytes", len(data), size)
		}
		return &Spooled{reader: bytes.NewReader(data), size: size}, nil
	}

	f, err := os.CreateTemp("", "jobvault-archive-*")
	if err != nil {
		return nil, err
	}

	n, copyErr := io.Copy(f, src)
	if copyErr != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, copyErr
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, err
	}

	return &Spooled{
		reader: f,
		size:   n,
		cleanup: func() error {
			name := f.Name()
			closeErr := f.Close()
			rmErr := os.Remove(name)
			if closeErr != nil {
				return fmt.Errorf("close temp file: %w", closeErr)
			}
			if rmErr != nil {
				return fmt.Errorf("remove temp file: %w", rmErr)
			}
			return nil
		},
	}, nil
}
