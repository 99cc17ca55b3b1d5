package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/puzpuzpuz/xsync/v3"
)

// Memory keeps blobs in a concurrent map. Used by tests and the "memory"
// backend.
type Memory struct {
	blobs *xsync.MapOf[string, []byte]
	// FailUploads makes every upload fail with this error when set.
	FailUploads error
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{blobs: xsync.NewMapOf[string, []byte]()}
}

func memKey(folder, id string) string {
	return folder + "/" + id
}

func (m *Memory) Upload(ctx context.Context, folder, id string, data []byte, progress Progress) error {
	if m.FailUploads != nil {
		return m.FailUploads
	}
	total := int64(len(data))
	for off := int64(0); off < total; off += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		report(progress, min(off+chunkSize, total), total)
	}
	if total == 0 {
		report(progress, 0, 0)
	}
	m.blobs.Store(memKey(folder, id), append([]byte(nil), data...))
	return nil
}

func (m *Memory) Open(_ context.Context, folder, id string) (io.ReadCloser, error) {
	data, ok := m.blobs.Load(memKey(folder, id))
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", folder, id, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) URL(_ context.Context, folder, id string) (string, error) {
	return "mem://" + url.PathEscape(folder) + "/" + url.PathEscape(id), nil
}

func (m *Memory) Delete(_ context.Context, folder, id string) error {
	m.blobs.Delete(memKey(folder, id))
	return nil
}

// Exists reports whether a blob is stored.
func (m *Memory) Exists(folder, id string) bool {
	_, ok := m.blobs.Load(memKey(folder, id))
	return ok
}

// Len returns the number of stored blobs.
func (m *Memory) Len() int {
	return m.blobs.Size()
}
