package attachment

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAttachment is returned when a reference has no record.
	ErrUnknownAttachment = errors.New("unknown attachment")
	// ErrAttachmentRemoved is returned when acquiring a soft-deleted record.
	ErrAttachmentRemoved = errors.New("attachment was removed")
)

// UploadError means the blob could not be stored. The record carries the
// message in uploadError and the reference stays valid for the document.
type UploadError struct {
	StorageID string
	Folder    string
	Err       error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload of %s/%s failed: %v", e.Folder, e.StorageID, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// OrphanCleanupError means the record reached zero but its blob could not be
// deleted. It is logged, never surfaced to writers.
type OrphanCleanupError struct {
	StorageID string
	Folder    string
	Err       error
}

func (e *OrphanCleanupError) Error() string {
	return fmt.Sprintf("cleanup of %s/%s failed: %v", e.Folder, e.StorageID, e.Err)
}

func (e *OrphanCleanupError) Unwrap() error {
	return e.Err
}
