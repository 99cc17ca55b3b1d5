package attachment

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/maxpert/livebind/value"
	"github.com/rs/zerolog/log"
)

// Materialize prepares next for a commit at path. Upload nodes are stored and
// replaced by references, then every reference next holds more often than
// prev gets acquired. References are counted per document rather than per
// position, so moving one inside a document changes nothing.
//
// Upload and acquire failures are logged; the write always proceeds. Only
// context cancellation is returned.
func (r *Registry) Materialize(ctx context.Context, path string, prev, next value.Value) (value.Value, error) {
	out := r.upload(ctx, path, "", next)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, d := range delta(refCounts(out), refCounts(prev)) {
		for i := 0; i < d.n; i++ {
			if err := r.Acquire(ctx, d.ref); err != nil {
				log.Warn().Err(err).Str("path", path).Str("storage_id", d.ref.StorageID).Msg("Document references an unavailable attachment")
				break
			}
		}
	}
	return out, nil
}

// ReleaseDiff drops the references prev holds more often than next. A nil or
// Null next releases everything in prev. Errors are logged only.
func (r *Registry) ReleaseDiff(ctx context.Context, prev, next value.Value) {
	for _, d := range delta(refCounts(prev), refCounts(next)) {
		for i := 0; i < d.n; i++ {
			err := r.Release(ctx, d.ref)
			if err == nil {
				continue
			}
			var cleanup *OrphanCleanupError
			if errors.As(err, &cleanup) {
				log.Warn().Err(err).Str("storage_id", d.ref.StorageID).Msg("Orphaned attachment cleanup failed")
			} else {
				log.Error().Err(err).Str("storage_id", d.ref.StorageID).Msg("Failed to release attachment")
			}
		}
	}
}

// upload rebuilds v with every Upload replaced by a Ref.
func (r *Registry) upload(ctx context.Context, path, rel string, v value.Value) value.Value {
	switch t := v.(type) {
	case value.Upload:
		ref, err := r.Upload(ctx, r.folder, t)
		if err == nil {
			return ref
		}
		var uerr *UploadError
		if errors.As(err, &uerr) {
			log.Warn().Err(err).Str("path", path).Str("field", rel).Msg("Attachment upload failed")
			return ref
		}
		log.Error().Err(err).Str("path", path).Str("field", rel).Msg("Attachment record could not be created")
		return value.Null{}
	case value.Node:
		out := make(value.Node, len(t))
		for _, k := range value.Keys(t) {
			out[k] = r.upload(ctx, path, join(rel, k), t[k])
		}
		return out
	case value.List:
		out := make(value.List, len(t))
		for i, c := range t {
			out[i] = r.upload(ctx, path, join(rel, strconv.Itoa(i)), c)
		}
		return out
	}
	return v
}

func join(rel, k string) string {
	if rel == "" {
		return k
	}
	return rel + "/" + k
}

type refDelta struct {
	ref value.Ref
	n   int
}

func refCounts(v value.Value) map[value.Ref]int {
	counts := make(map[value.Ref]int)
	value.Walk(v, func(_ string, c value.Value) {
		if ref, ok := c.(value.Ref); ok && ref.StorageID != "" {
			counts[ref]++
		}
	})
	return counts
}

// delta returns how many more times each ref occurs in a than in b, sorted
// by storage id.
func delta(a, b map[value.Ref]int) []refDelta {
	var out []refDelta
	for ref, n := range a {
		if d := n - b[ref]; d > 0 {
			out = append(out, refDelta{ref: ref, n: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ref.StorageID < out[j].ref.StorageID
	})
	return out
}

// HasUploads reports whether v contains content that still needs storing.
func HasUploads(v value.Value) bool {
	found := false
	value.Walk(v, func(_ string, c value.Value) {
		if _, ok := c.(value.Upload); ok {
			found = true
		}
	})
	return found
}

// Refs lists the distinct references in v.
func Refs(v value.Value) []value.Ref {
	counts := refCounts(v)
	out := make([]value.Ref, 0, len(counts))
	for ref := range counts {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StorageID < out[j].StorageID })
	return out
}
