// Package memory is an in-process tree store. It backs tests and the
// "memory" backend, and serves both tree-mode and document-mode paths.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/maxpert/livebind/hlc"
	"github.com/maxpert/livebind/id"
	"github.com/maxpert/livebind/notify"
	"github.com/maxpert/livebind/query"
	"github.com/maxpert/livebind/store"
	"github.com/maxpert/livebind/treepath"
	"github.com/maxpert/livebind/value"
)

// Store keeps the whole tree in memory. Writes copy the nodes along the
// written path, so subtrees handed to readers are never mutated afterwards.
type Store struct {
	mu       sync.RWMutex
	root     value.Value
	ids      id.Generator
	watchers *store.Watchers
	writes   atomic.Uint64
	closed   atomic.Bool
}

// New creates an empty store. A nil generator uses a node-0 clock.
func New(ids id.Generator) *Store {
	if ids == nil {
		ids = id.NewHLCGenerator(hlc.NewClock(0))
	}
	s := &Store{root: value.Null{}, ids: ids}
	s.watchers = store.NewWatchers(notify.NewHub(), s.Read)
	return s
}

var _ store.Store = (*Store)(nil)

func (s *Store) Read(ctx context.Context, q query.Query) (store.Snapshot, error) {
	if err := s.check(ctx); err != nil {
		return store.Snapshot{}, err
	}

	s.mu.RLock()
	v, ok := get(s.root, treepath.Split(q.Path))
	s.mu.RUnlock()

	return store.FromTree(q, v, ok), nil
}

func (s *Store) Subscribe(q query.Query, fn store.Handler) (func(), error) {
	if s.closed.Load() {
		return nil, store.ErrClosed
	}
	return s.watchers.Watch(q, fn)
}

func (s *Store) Set(ctx context.Context, p string, v value.Value) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := store.CheckValue(v); err != nil {
		return err
	}

	s.mu.Lock()
	s.root = setIn(s.root, treepath.Split(p), normalize(value.Clone(v)))
	s.mu.Unlock()

	s.changed(p)
	return nil
}

func (s *Store) Update(ctx context.Context, p string, fields value.Node) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := store.CheckValue(fields); err != nil {
		return err
	}

	segs := treepath.Split(p)
	s.mu.Lock()
	for k, v := range fields {
		// Field keys may address nested paths ("a/b").
		s.root = setIn(s.root, append(append([]string(nil), segs...), treepath.Split(k)...), normalize(value.Clone(v)))
	}
	s.mu.Unlock()

	s.changed(p)
	return nil
}

func (s *Store) Delete(ctx context.Context, p string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.root = setIn(s.root, treepath.Split(p), value.Null{})
	s.mu.Unlock()

	s.changed(p)
	return nil
}

func (s *Store) NewID() string {
	return s.ids.NextID()
}

func (s *Store) Transact(ctx context.Context, p string, fn store.TxnFunc) (value.Value, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	segs := treepath.Split(p)
	s.mu.Lock()
	cur, _ := get(s.root, segs)
	next, err := fn(value.Clone(value.Or(cur, nil)))
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := store.CheckValue(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.root = setIn(s.root, segs, normalize(value.Clone(next)))
	s.mu.Unlock()

	s.changed(p)
	return next, nil
}

// Writes returns how many mutations have been applied.
func (s *Store) Writes() uint64 {
	return s.writes.Load()
}

// Watchers returns the number of open subscriptions.
func (s *Store) Watchers() int {
	return s.watchers.Active()
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.watchers.Close()
	return nil
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

func (s *Store) changed(p string) {
	s.writes.Add(1)
	s.watchers.Signal(p)
}

func get(cur value.Value, segs []string) (value.Value, bool) {
	for _, seg := range segs {
		n, ok := cur.(value.Node)
		if !ok {
			return value.Null{}, false
		}
		cur, ok = n[seg]
		if !ok {
			return value.Null{}, false
		}
	}
	if value.IsNull(cur) {
		return value.Null{}, false
	}
	return cur, true
}

// setIn returns a copy of cur with v placed at segs. Null values delete and
// empty parents are pruned.
func setIn(cur value.Value, segs []string, v value.Value) value.Value {
	if len(segs) == 0 {
		return v
	}

	n, _ := cur.(value.Node)
	out := make(value.Node, len(n)+1)
	for k, c := range n {
		out[k] = c
	}

	child := setIn(out[segs[0]], segs[1:], v)
	if value.IsNull(child) {
		delete(out, segs[0])
	} else {
		out[segs[0]] = child
	}

	if len(out) == 0 {
		return value.Null{}
	}
	return out
}

// normalize drops Null members and empty nodes the way a tree store does.
func normalize(v value.Value) value.Value {
	switch t := v.(type) {
	case nil:
		return value.Null{}
	case value.Node:
		for k, c := range t {
			c = normalize(c)
			if value.IsNull(c) {
				delete(t, k)
				continue
			}
			t[k] = c
		}
		if len(t) == 0 {
			return value.Null{}
		}
		return t
	case value.List:
		for i, c := range t {
			t[i] = normalize(c)
		}
		return t
	}
	return v
}
