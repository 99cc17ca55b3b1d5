// Package attachment tracks blobs embedded in documents. Every blob has a
// record in the store whose useCount is the number of live references; the
// blob is deleted when the count drops back to zero.
package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/livebind/blob"
	"github.com/maxpert/livebind/hlc"
	"github.com/maxpert/livebind/identity"
	"github.com/maxpert/livebind/query"
	"github.com/maxpert/livebind/store"
	"github.com/maxpert/livebind/telemetry"
	"github.com/maxpert/livebind/treepath"
	"github.com/maxpert/livebind/value"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCollection   = "files"
	DefaultFolder       = "uploads"
	defaultURLCacheSize = 1024
)

// errSkip aborts a transaction without writing.
var errSkip = errors.New("skip")

// Config wires a Registry to its collaborators.
type Config struct {
	Store    store.Store
	Blobs    blob.Backend
	Identity identity.Provider
	Clock    *hlc.Clock
	// Collection holds the records, one document per storage id.
	Collection string
	// Folder receives uploads found during Materialize.
	Folder       string
	URLCacheSize int
}

// Registry uploads blobs and maintains their reference counts.
type Registry struct {
	store      store.Store
	blobs      blob.Backend
	identity   identity.Provider
	clock      *hlc.Clock
	collection string
	folder     string
	urls       *lru.Cache[string, string]
}

// NewRegistry creates a registry. Store and Blobs are required.
func NewRegistry(c Config) (*Registry, error) {
	if c.Store == nil || c.Blobs == nil {
		return nil, errors.New("attachment registry requires a store and a blob backend")
	}
	if c.Collection == "" {
		c.Collection = DefaultCollection
	}
	if err := treepath.Validate(c.Collection); err != nil {
		return nil, fmt.Errorf("attachment collection: %w", err)
	}
	if c.Folder == "" {
		c.Folder = DefaultFolder
	}
	if c.URLCacheSize <= 0 {
		c.URLCacheSize = defaultURLCacheSize
	}
	if c.Identity == nil {
		c.Identity = identity.Static("")
	}
	if c.Clock == nil {
		c.Clock = hlc.NewClock(0)
	}

	urls, err := lru.New[string, string](c.URLCacheSize)
	if err != nil {
		return nil, err
	}

	return &Registry{
		store:      c.Store,
		blobs:      c.Blobs,
		identity:   c.Identity,
		clock:      c.Clock,
		collection: treepath.Clean(c.Collection),
		folder:     c.Folder,
		urls:       urls,
	}, nil
}

// Folder returns the folder uploads are stored under.
func (r *Registry) Folder() string {
	return r.folder
}

func (r *Registry) recordPath(storageID string) string {
	return treepath.Join(r.collection, storageID)
}

// Upload creates the record, then stores the blob. The record starts with
// useCount 0; the writer that embeds the reference raises it. When the blob
// cannot be stored the record keeps the message in uploadError and the
// returned reference stays usable alongside an *UploadError.
func (r *Registry) Upload(ctx context.Context, folder string, up value.Upload) (value.Ref, error) {
	if folder == "" {
		folder = r.folder
	}
	rec := Record{
		StorageID:   r.store.NewID(),
		Folder:      folder,
		Name:        up.Name,
		Type:        up.Type,
		Size:        int64(len(up.Data)),
		DateCreated: r.clock.Now().UnixMilli(),
		CreatedBy:   r.identity.SessionID(),
	}
	ref := rec.Ref()
	p := r.recordPath(rec.StorageID)

	if err := r.store.Set(ctx, p, rec.toNode()); err != nil {
		telemetry.UploadsTotal.With("record_failed").Inc()
		return value.Ref{}, fmt.Errorf("failed to create attachment record: %w", err)
	}

	start := time.Now()
	step := int64(-1)
	progress := func(done, total int64) {
		if total <= 0 {
			return
		}
		// At most one record write per 10%.
		if s := done * 10 / total; s > step && done < total {
			step = s
			frac := float64(done) / float64(total)
			if err := r.store.Update(ctx, p, value.Node{fieldUploadProgress: value.Float(frac)}); err != nil {
				log.Debug().Err(err).Str("storage_id", rec.StorageID).Msg("Failed to record upload progress")
			}
		}
	}

	err := r.blobs.Upload(ctx, folder, rec.StorageID, up.Data, progress)
	telemetry.UploadDurationSeconds.With(folder).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.UploadsTotal.With("failed").Inc()
		if uerr := r.store.Update(ctx, p, value.Node{fieldUploadError: value.String(err.Error())}); uerr != nil {
			log.Warn().Err(uerr).Str("storage_id", rec.StorageID).Msg("Failed to record upload error")
		}
		return ref, &UploadError{StorageID: rec.StorageID, Folder: folder, Err: err}
	}

	done := value.Node{
		fieldLocation:       value.String(folder + "/" + rec.StorageID),
		fieldUploadProgress: value.Null{},
		fieldUploadError:    value.Null{},
	}
	if err := r.store.Update(ctx, p, done); err != nil {
		telemetry.UploadsTotal.With("record_failed").Inc()
		return ref, fmt.Errorf("failed to finalize attachment record: %w", err)
	}

	telemetry.UploadsTotal.With("ok").Inc()
	log.Debug().
		Str("storage_id", rec.StorageID).
		Str("folder", folder).
		Int64("size", rec.Size).
		Msg("Uploaded attachment")
	return ref, nil
}

// Acquire adds one reference. It fails for unknown or soft-deleted records.
func (r *Registry) Acquire(ctx context.Context, ref value.Ref) error {
	_, err := r.store.Transact(ctx, r.recordPath(ref.StorageID), func(cur value.Value) (value.Value, error) {
		rec, ok := recordFromValue(ref.StorageID, cur)
		if !ok {
			return nil, ErrUnknownAttachment
		}
		if rec.Removed() {
			return nil, ErrAttachmentRemoved
		}
		n := cur.(value.Node)
		n[fieldUseCount] = value.Int(rec.UseCount + 1)
		return n, nil
	})
	if err != nil {
		telemetry.RefChangesTotal.With("acquire", "failed").Inc()
		return fmt.Errorf("acquire %s: %w", ref.StorageID, err)
	}
	telemetry.RefChangesTotal.With("acquire", "ok").Inc()
	return nil
}

// Release drops one reference. Releasing an unknown record or one already at
// zero does nothing. When the count reaches zero the record is soft-deleted
// and the blob plus its derived blobs are removed; failures there come back
// as *OrphanCleanupError.
func (r *Registry) Release(ctx context.Context, ref value.Ref) error {
	var orphan Record
	_, err := r.store.Transact(ctx, r.recordPath(ref.StorageID), func(cur value.Value) (value.Value, error) {
		rec, ok := recordFromValue(ref.StorageID, cur)
		if !ok || rec.UseCount <= 0 {
			return nil, errSkip
		}
		n := cur.(value.Node)
		n[fieldUseCount] = value.Int(rec.UseCount - 1)
		if rec.UseCount == 1 {
			rec.UseCount = 0
			rec.DateRemoved = r.clock.Now().UnixMilli()
			n[fieldDateRemoved] = value.Int(rec.DateRemoved)
			orphan = rec
		}
		return n, nil
	})
	if errors.Is(err, errSkip) {
		telemetry.RefChangesTotal.With("release", "noop").Inc()
		return nil
	}
	if err != nil {
		telemetry.RefChangesTotal.With("release", "failed").Inc()
		return fmt.Errorf("release %s: %w", ref.StorageID, err)
	}
	telemetry.RefChangesTotal.With("release", "ok").Inc()

	if orphan.StorageID == "" {
		return nil
	}
	r.urls.Remove(orphan.StorageID)
	return r.deleteBlobs(ctx, orphan)
}

func (r *Registry) deleteBlobs(ctx context.Context, rec Record) error {
	var errs []error
	if err := r.blobs.Delete(ctx, rec.Folder, rec.StorageID); err != nil {
		errs = append(errs, err)
	}
	for _, loc := range rec.Derived {
		folder, id, ok := strings.Cut(loc, "/")
		if !ok {
			continue
		}
		if err := r.blobs.Delete(ctx, folder, id); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		telemetry.OrphansDeletedTotal.With("failed").Inc()
		return &OrphanCleanupError{StorageID: rec.StorageID, Folder: rec.Folder, Err: errors.Join(errs...)}
	}
	telemetry.OrphansDeletedTotal.With("ok").Inc()
	log.Debug().Str("storage_id", rec.StorageID).Str("folder", rec.Folder).Msg("Deleted orphaned attachment")
	return nil
}

// Record reads the record for storageID.
func (r *Registry) Record(ctx context.Context, storageID string) (Record, error) {
	if storageID == "" || strings.Contains(storageID, "/") {
		return Record{}, ErrUnknownAttachment
	}
	snap, err := r.store.Read(ctx, query.Point(r.recordPath(storageID)))
	if err != nil {
		return Record{}, err
	}
	rec, ok := recordFromValue(storageID, snap.Value)
	if !snap.Exists || !ok {
		return Record{}, ErrUnknownAttachment
	}
	return rec, nil
}

// URL returns a download location for a live attachment.
func (r *Registry) URL(ctx context.Context, ref value.Ref) (string, error) {
	if u, ok := r.urls.Get(ref.StorageID); ok {
		return u, nil
	}
	rec, err := r.Record(ctx, ref.StorageID)
	if err != nil {
		return "", err
	}
	if rec.Removed() {
		return "", ErrAttachmentRemoved
	}
	u, err := r.blobs.URL(ctx, rec.Folder, rec.StorageID)
	if err != nil {
		return "", err
	}
	r.urls.Add(ref.StorageID, u)
	return u, nil
}

// Open streams the blob behind ref.
func (r *Registry) Open(ctx context.Context, ref value.Ref) (io.ReadCloser, error) {
	folder := ref.Folder
	if folder == "" {
		folder = r.folder
	}
	return r.blobs.Open(ctx, folder, ref.StorageID)
}
