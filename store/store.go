// Package store defines the remote tree/document store the binding layer sits
// on, plus helpers shared by the concrete backends in its subpackages.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/maxpert/livebind/query"
	"github.com/maxpert/livebind/value"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store is closed")
	// ErrUnsupported marks operations a backend cannot express.
	ErrUnsupported = errors.New("operation not supported by store")
)

// Snapshot is a full (non-delta) view of a path. Point reads fill Value;
// listings fill Children in query order.
type Snapshot struct {
	Path     string
	Exists   bool
	Value    value.Value
	Children []query.Doc
}

// Equal reports whether two snapshots carry the same data.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.Exists != o.Exists || len(s.Children) != len(o.Children) {
		return false
	}
	if !value.Equal(s.Value, o.Value) {
		return false
	}
	for i := range s.Children {
		if s.Children[i].ID != o.Children[i].ID || !value.Equal(s.Children[i].Value, o.Children[i].Value) {
			return false
		}
	}
	return true
}

// Handler receives snapshots from a subscription. err is set when a re-read
// failed; the subscription stays open.
type Handler func(snap Snapshot, err error)

// TxnFunc computes the new value of a node from its current value (Null when
// absent). Returning an error aborts the transaction.
type TxnFunc func(current value.Value) (value.Value, error)

// Store is the path-addressed remote store.
type Store interface {
	// Read performs one point read or listing.
	Read(ctx context.Context, q query.Query) (Snapshot, error)
	// Subscribe delivers the current snapshot and then one snapshot per
	// change. The returned cancel function is idempotent.
	Subscribe(q query.Query, fn Handler) (cancel func(), err error)
	// Set replaces the node at p. Setting Null deletes it.
	Set(ctx context.Context, p string, v value.Value) error
	// Update shallow-merges fields into the node at p. A Null field deletes it.
	Update(ctx context.Context, p string, fields value.Node) error
	// Delete removes the node at p and everything under it.
	Delete(ctx context.Context, p string) error
	// NewID returns a fresh child key.
	NewID() string
	// Transact atomically replaces the node at p with fn(current).
	Transact(ctx context.Context, p string, fn TxnFunc) (value.Value, error)
	Close() error
}

// FromTree builds the snapshot q sees when the node at q.Path holds v.
func FromTree(q query.Query, v value.Value, exists bool) Snapshot {
	snap := Snapshot{Path: q.Path, Exists: exists}
	if !q.Listing() {
		snap.Value = value.Or(v, nil)
		return snap
	}

	var docs []query.Doc
	switch t := v.(type) {
	case value.Node:
		docs = make([]query.Doc, 0, len(t))
		for k, c := range t {
			docs = append(docs, query.Doc{ID: k, Value: c})
		}
	case value.List:
		docs = make([]query.Doc, 0, len(t))
		for i, c := range t {
			docs = append(docs, query.Doc{ID: strconv.Itoa(i), Value: c})
		}
	}
	snap.Children = q.Apply(docs)
	return snap
}

// CheckValue rejects values that must never reach a store.
func CheckValue(v value.Value) error {
	var bad error
	value.Walk(v, func(rel string, c value.Value) {
		if bad != nil || c == nil {
			return
		}
		switch c.Kind() {
		case value.KindUpload:
			bad = fmt.Errorf("unmaterialized upload at %q", rel)
		case value.KindUnloaded:
			bad = fmt.Errorf("unloaded sentinel at %q", rel)
		}
	})
	return bad
}
