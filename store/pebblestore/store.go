// Package pebblestore is a persistent tree store on Pebble. The tree is flattened
// into leaf keys: every non-node value (scalar, list, attachment reference)
// lives at /n/<seg>/<seg>/ and nodes exist only through their leaves.
package pebblestore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/livebind/encoding"
	"github.com/maxpert/livebind/hlc"
	"github.com/maxpert/livebind/id"
	"github.com/maxpert/livebind/notify"
	"github.com/maxpert/livebind/query"
	"github.com/maxpert/livebind/store"
	"github.com/maxpert/livebind/treepath"
	"github.com/maxpert/livebind/value"
	"github.com/rs/zerolog/log"
)

const prefixNode = "/n/"

// Options tunes the underlying Pebble instance.
type Options struct {
	CacheSizeMB int64
	// NoSync commits without fsync. Faster; the last writes may be lost on crash.
	NoSync bool
}

// Store is safe for concurrent use. Writes are serialized by writeMu so
// subtree replacement and transactions see a stable tree; reads use Pebble's
// iterator snapshots and never block on writers.
type Store struct {
	db       *pebble.DB
	path     string
	writeMu  sync.Mutex
	sync     *pebble.WriteOptions
	ids      id.Generator
	watchers *store.Watchers
	closed   atomic.Bool
}

// pebbleLogger routes Pebble's logging through zerolog
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// Open opens or creates a store at path. A nil generator uses a node-0 clock.
func Open(path string, ids id.Generator, opts Options) (*Store, error) {
	if opts.CacheSizeMB <= 0 {
		opts.CacheSizeMB = 16
	}
	if ids == nil {
		ids = id.NewHLCGenerator(hlc.NewClock(0))
	}

	cache := pebble.NewCache(opts.CacheSizeMB << 20)
	defer cache.Unref()

	db, err := pebble.Open(path, &pebble.Options{
		Cache:  cache,
		Logger: &pebbleLogger{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store at %s: %w", path, err)
	}

	s := &Store{
		db:   db,
		path: path,
		sync: pebble.Sync,
		ids:  ids,
	}
	if opts.NoSync {
		s.sync = pebble.NoSync
	}
	s.watchers = store.NewWatchers(notify.NewHub(), s.Read)

	log.Info().Str("path", path).Msg("Opened pebble tree store")
	return s, nil
}

var _ store.Store = (*Store)(nil)

func (s *Store) Read(ctx context.Context, q query.Query) (store.Snapshot, error) {
	if err := s.check(ctx); err != nil {
		return store.Snapshot{}, err
	}

	v, ok, err := s.readNode(treepath.Split(q.Path))
	if err != nil {
		return store.Snapshot{}, err
	}
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

	s.writeMu.Lock()
	err := s.commit(func(b *pebble.Batch) error {
		return replace(b, treepath.Split(p), v)
	})
	s.writeMu.Unlock()

	return s.done(p, err)
}

func (s *Store) Update(ctx context.Context, p string, fields value.Node) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if err := store.CheckValue(fields); err != nil {
		return err
	}

	segs := treepath.Split(p)
	s.writeMu.Lock()
	err := s.commit(func(b *pebble.Batch) error {
		for _, k := range value.Keys(fields) {
			if err := replace(b, join(segs, treepath.Split(k)), fields[k]); err != nil {
				return err
			}
		}
		return nil
	})
	s.writeMu.Unlock()

	return s.done(p, err)
}

func (s *Store) Delete(ctx context.Context, p string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.writeMu.Lock()
	err := s.commit(func(b *pebble.Batch) error {
		return replace(b, treepath.Split(p), value.Null{})
	})
	s.writeMu.Unlock()

	return s.done(p, err)
}

func (s *Store) NewID() string {
	return s.ids.NextID()
}

func (s *Store) Transact(ctx context.Context, p string, fn store.TxnFunc) (value.Value, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	segs := treepath.Split(p)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur, _, err := s.readNode(segs)
	if err != nil {
		return nil, err
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if err := store.CheckValue(next); err != nil {
		return nil, err
	}

	err = s.commit(func(b *pebble.Batch) error {
		return replace(b, segs, next)
	})
	if err := s.done(p, err); err != nil {
		return nil, err
	}
	return next, nil
}

// Close stops watchers and closes the database. Safe to call twice.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.watchers.Close()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.Close()
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return store.ErrClosed
	}
	return ctx.Err()
}

func (s *Store) done(p string, err error) error {
	if err != nil {
		return err
	}
	s.watchers.Signal(p)
	return nil
}

func (s *Store) commit(fill func(b *pebble.Batch) error) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := fill(b); err != nil {
		return err
	}
	if err := b.Commit(s.sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// readNode rebuilds the value at segs from its leaves.
func (s *Store) readNode(segs []string) (value.Value, bool, error) {
	lower := nodeKey(segs)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	var root value.Node
	for iter.SeekGE(lower); iter.Valid(); iter.Next() {
		raw, err := iter.ValueAndErr()
		if err != nil {
			return nil, false, err
		}
		leaf, err := encoding.DecodeValue(raw)
		if err != nil {
			return nil, false, fmt.Errorf("corrupt leaf %q: %w", iter.Key(), err)
		}

		rel := treepath.Split(string(iter.Key()[len(lower):]))
		if len(rel) == 0 {
			// A leaf at the node itself has no descendants.
			return leaf, true, nil
		}
		if root == nil {
			root = value.Node{}
		}
		place(root, rel, leaf)
	}
	if err := iter.Error(); err != nil {
		return nil, false, err
	}

	if root == nil {
		return value.Null{}, false, nil
	}
	return root, true, nil
}

func place(n value.Node, rel []string, leaf value.Value) {
	for _, seg := range rel[:len(rel)-1] {
		child, ok := n[seg].(value.Node)
		if !ok {
			child = value.Node{}
			n[seg] = child
		}
		n = child
	}
	n[rel[len(rel)-1]] = leaf
}

// replace removes the subtree at segs, any leaf sitting on an ancestor, and
// writes v's leaves. Later batch entries win over the earlier range delete.
func replace(b *pebble.Batch, segs []string, v value.Value) error {
	key := nodeKey(segs)
	if err := b.DeleteRange(key, prefixUpperBound(key), nil); err != nil {
		return err
	}
	for i := 0; i < len(segs); i++ {
		if err := b.Delete(nodeKey(segs[:i]), nil); err != nil {
			return err
		}
	}
	return flatten(b, segs, v)
}

func flatten(b *pebble.Batch, segs []string, v value.Value) error {
	switch t := v.(type) {
	case nil, value.Null:
		return nil
	case value.Node:
		for k, c := range t {
			if err := flatten(b, join(segs, treepath.Split(k)), c); err != nil {
				return err
			}
		}
		return nil
	}

	data, err := encoding.EncodeValue(v)
	if err != nil {
		return fmt.Errorf("failed to encode leaf: %w", err)
	}
	return b.Set(nodeKey(segs), data, nil)
}

func join(a, b []string) []string {
	out := make([]string, 0, len(a)+len(b))
	return append(append(out, a...), b...)
}

func nodeKey(segs []string) []byte {
	if len(segs) == 0 {
		return []byte(prefixNode)
	}
	return []byte(prefixNode + strings.Join(segs, "/") + "/")
}

// prefixUpperBound returns the exclusive upper bound for a prefix scan.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
