// Package blob stores attachment content by folder and opaque id.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when opening a blob that does not exist.
var ErrNotFound = errors.New("blob not found")

// Progress reports bytes written so far out of total.
type Progress func(done, total int64)

// Backend is the blob storage collaborator.
type Backend interface {
	// Upload stores data under folder/id, reporting progress as it goes.
	Upload(ctx context.Context, folder, id string, data []byte, progress Progress) error
	// Open streams a stored blob. Missing blobs yield ErrNotFound.
	Open(ctx context.Context, folder, id string) (io.ReadCloser, error)
	// URL returns a download location for the blob.
	URL(ctx context.Context, folder, id string) (string, error)
	// Delete removes the blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, folder, id string) error
}

// chunkSize is the granularity of progress callbacks.
const chunkSize = 64 << 10

func report(progress Progress, done, total int64) {
	if progress != nil {
		progress(done, total)
	}
}
