package attachment

import (
	"context"
	"errors"
	"testing"

	"github.com/maxpert/livebind/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaterialize_UploadBecomesReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	next := value.Node{
		"title": value.String("photo"),
		"file":  value.Upload{Data: []byte{1, 2, 3}, Name: "p.png"},
	}
	out, err := f.reg.Materialize(ctx, "photo", value.Null{}, next)
	require.NoError(t, err)

	n, ok := value.AsNode(out)
	require.True(t, ok)
	ref, ok := n["file"].(value.Ref)
	require.True(t, ok, "upload should be replaced by a reference")
	assert.Equal(t, DefaultFolder, ref.Folder)
	assert.Equal(t, value.String("photo"), n["title"])
	assert.False(t, HasUploads(out))

	assert.Equal(t, int64(1), f.record(t, ref).UseCount)
	assert.True(t, f.blobs.Exists(DefaultFolder, ref.StorageID))

	// The input is left untouched.
	_, still := next["file"].(value.Upload)
	assert.True(t, still)
}

func TestMaterialize_NestedUploadsInLists(t *testing.T) {
	f := newFixture(t)

	next := value.Node{"gallery": value.List{
		value.Node{"img": value.Upload{Data: []byte("a")}},
		value.Upload{Data: []byte("b")},
	}}
	out, err := f.reg.Materialize(context.Background(), "albums/1", nil, next)
	require.NoError(t, err)

	refs := Refs(out)
	require.Len(t, refs, 2)
	for _, ref := range refs {
		assert.Equal(t, int64(1), f.record(t, ref).UseCount)
	}
}

func TestMaterialize_CopiedReferenceAcquired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.reg.Materialize(ctx, "a", nil, value.Node{"f": value.Upload{Data: []byte("x")}})
	require.NoError(t, err)
	ref := first.(value.Node)["f"].(value.Ref)

	_, err = f.reg.Materialize(ctx, "b", nil, value.Node{"copy": ref})
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.record(t, ref).UseCount)

	// Rewriting a document that already holds the reference does not count it again.
	_, err = f.reg.Materialize(ctx, "b", value.Node{"copy": ref}, value.Node{"copy": ref, "n": value.Int(1)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.record(t, ref).UseCount)
}

func TestMaterialize_MovedReferenceIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.reg.Materialize(ctx, "doc", nil, value.Node{"a": value.Upload{Data: []byte("x")}})
	require.NoError(t, err)
	ref := out.(value.Node)["a"].(value.Ref)

	prev := value.Node{"a": ref}
	next := value.Node{"b": value.Node{"deep": ref}}
	moved, err := f.reg.Materialize(ctx, "doc", prev, next)
	require.NoError(t, err)
	f.reg.ReleaseDiff(ctx, prev, moved)

	assert.Equal(t, int64(1), f.record(t, ref).UseCount)
	assert.True(t, f.readable(ref))
}

func TestMaterialize_FailedUploadKeepsWriteGoing(t *testing.T) {
	f := newFixture(t)
	f.blobs.FailUploads = errors.New("offline")

	out, err := f.reg.Materialize(context.Background(), "doc", nil, value.Node{"f": value.Upload{Data: []byte("x")}})
	require.NoError(t, err)

	ref, ok := out.(value.Node)["f"].(value.Ref)
	require.True(t, ok)
	rec := f.record(t, ref)
	assert.Equal(t, "offline", rec.UploadError)
	assert.Equal(t, int64(1), rec.UseCount)
}

func TestMaterialize_UnknownReferenceLogged(t *testing.T) {
	f := newFixture(t)

	ghost := value.Ref{StorageID: "ghost", Folder: "uploads"}
	out, err := f.reg.Materialize(context.Background(), "doc", nil, value.Node{"f": ghost})
	require.NoError(t, err)
	assert.Equal(t, ghost, out.(value.Node)["f"])
}

func TestMaterialize_CanceledContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.reg.Materialize(ctx, "doc", nil, value.Node{"f": value.Upload{Data: []byte("x")}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestReleaseDiff_RemoveReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.reg.Materialize(ctx, "doc", nil, value.Node{
		"a": value.Upload{Data: []byte("1")},
		"b": value.List{value.Upload{Data: []byte("2")}},
	})
	require.NoError(t, err)
	refs := Refs(out)
	require.Len(t, refs, 2)

	f.reg.ReleaseDiff(ctx, out, nil)
	for _, ref := range refs {
		rec := f.record(t, ref)
		assert.Equal(t, int64(0), rec.UseCount)
		assert.True(t, rec.Removed())
		assert.False(t, f.readable(ref))
	}

	// Releasing again stays at zero.
	f.reg.ReleaseDiff(ctx, out, value.Null{})
	assert.Equal(t, int64(0), f.record(t, refs[0]).UseCount)
}

func TestReleaseDiff_ReplacedReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old, err := f.reg.Materialize(ctx, "doc", nil, value.Node{"f": value.Upload{Data: []byte("old")}})
	require.NoError(t, err)
	next, err := f.reg.Materialize(ctx, "doc", old, value.Node{"f": value.Upload{Data: []byte("new")}})
	require.NoError(t, err)
	f.reg.ReleaseDiff(ctx, old, next)

	oldRef := old.(value.Node)["f"].(value.Ref)
	newRef := next.(value.Node)["f"].(value.Ref)
	assert.NotEqual(t, oldRef, newRef)
	assert.Equal(t, int64(0), f.record(t, oldRef).UseCount)
	assert.Equal(t, int64(1), f.record(t, newRef).UseCount)
}

func TestDelta(t *testing.T) {
	a := value.Ref{StorageID: "a"}
	b := value.Ref{StorageID: "b"}

	d := delta(map[value.Ref]int{a: 2, b: 1}, map[value.Ref]int{a: 1, b: 3})
	require.Len(t, d, 1)
	assert.Equal(t, refDelta{ref: a, n: 1}, d[0])

	assert.Empty(t, delta(refCounts(nil), refCounts(value.Node{"x": a})))
}
