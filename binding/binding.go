package binding

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/livebind/query"
	"github.com/maxpert/livebind/telemetry"
	"github.com/maxpert/livebind/value"
	"github.com/rs/zerolog/log"
)

// ErrNotCollection rejects Push and Query where the path names a document.
var ErrNotCollection = errors.New("path is not a collection")

// Binding is a live handle over one path. Values handed out are deep copies.
type Binding interface {
	Path() string
	// Subscribe registers fn and delivers the cached value, if any, before
	// returning. The returned function stops delivery; calling it again is
	// a no-op.
	Subscribe(fn func(value.Value)) (unsubscribe func())
	// Then resolves with the cached value, reading the store once when
	// nothing is cached yet. It never opens a subscription.
	Then(ctx context.Context) *future.Future[value.Value]
	// Read is Then followed by Get on the future.
	Read(ctx context.Context) (value.Value, error)
	// Get returns the cached value or value.Unloaded without blocking.
	Get() value.Value
	Loaded() bool

	// Set replaces the value. It fails with ErrNotLoaded until the binding
	// has observed the stored value.
	Set(v value.Value) error
	// Update shallow-merges fields, loading the value first when needed.
	// A Null field deletes it.
	Update(ctx context.Context, fields value.Node) error
	// Overwrite re-reads the stored value and then sets v.
	Overwrite(ctx context.Context, v value.Value) error
	// Remove deletes the stored value and releases its attachments.
	Remove(ctx context.Context) error
	// Push writes v under a new child id without debouncing and returns
	// the id before the write lands.
	Push(v value.Value) (string, error)
	// Add is Push.
	Add(v value.Value) (string, error)
	// Query swaps filters, ordering and limit in place and returns the first
	// result under the new query. Subscribers stay attached.
	Query(ctx context.Context, opts Options) (value.Value, error)
	// Flush commits a pending write now and waits for it.
	Flush(ctx context.Context) error
}

// handle resolves its entry on every call so an evicted entry is rebuilt
// transparently.
type handle struct {
	c    *Cache
	path string

	mu   sync.Mutex
	key  string
	q    query.Query
	opts Options
}

var _ Binding = (*handle)(nil)

func (h *handle) target() (string, query.Query) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.key, h.q
}

func (h *handle) options() Options {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts
}

func (h *handle) present(v view) value.Value {
	return h.c.present(h.path, h.options(), v)
}

func (h *handle) Path() string {
	return h.path
}

func (h *handle) Subscribe(fn func(value.Value)) func() {
	if h.c.closed.Load() {
		return func() {}
	}
	s := &subscriber{fn: fn, opts: h.options(), owner: h}
	s.active.Store(true)

	e := h.c.acquire(h)
	e.subscribe(s)
	return s.unsubscribe
}

func (h *handle) Then(ctx context.Context) *future.Future[value.Value] {
	p := future.NewPromise[value.Value]()
	opts := h.options()
	e := h.c.acquire(h)
	if e.loaded {
		v := e.viewLocked()
		e.mu.Unlock()
		p.Set(h.c.present(h.path, opts, v), nil)
		h.c.settle(e)
		return p.Future()
	}

	start := e.addWaiterLocked(waiter{p: p, opts: opts})
	e.mu.Unlock()

	if start {
		h.c.wg.Add(1)
		go func() {
			defer h.c.wg.Done()
			e.runLoad(ctx)
		}()
	}
	return p.Future()
}

func (h *handle) Read(ctx context.Context) (value.Value, error) {
	return h.Then(ctx).Get()
}

func (h *handle) Get() value.Value {
	e := h.c.acquire(h)
	loaded, v := e.loaded, e.viewLocked()
	e.mu.Unlock()
	h.c.settle(e)
	if !loaded {
		return value.Unloaded
	}
	return h.present(v)
}

func (h *handle) Loaded() bool {
	e := h.c.acquire(h)
	loaded := e.loaded
	e.mu.Unlock()
	h.c.settle(e)
	return loaded
}

func (h *handle) writable() error {
	if h.c.closed.Load() {
		return ErrClosed
	}
	if h.c.collection(h.path) {
		return ErrCollectionWrite
	}
	return nil
}

func (h *handle) debounce() time.Duration {
	return h.c.debounce(h.options())
}

func (h *handle) Set(v value.Value) error {
	if err := h.writable(); err != nil {
		return err
	}

	d := h.debounce()
	e := h.c.acquire(h)
	if !e.loaded {
		e.mu.Unlock()
		h.c.settle(e)
		telemetry.RejectedWritesTotal.With("not_loaded").Inc()
		log.Warn().Str("path", h.path).Msg("Set before the value was loaded; use Overwrite to replace unseen state")
		return ErrNotLoaded
	}
	e.writeLocked(kindSet, value.Clone(value.Or(v, nil)), d)
	e.mu.Unlock()
	e.drain()
	return nil
}

// pin acquires the entry and keeps it from eviction until unpin.
func (h *handle) pin() *entry {
	e := h.c.acquire(h)
	e.busy++
	e.mu.Unlock()
	return e
}

func (h *handle) unpin(e *entry) {
	e.mu.Lock()
	e.busy--
	e.mu.Unlock()
	h.c.settle(e)
}

func (h *handle) Update(ctx context.Context, fields value.Node) error {
	if err := h.writable(); err != nil {
		return err
	}

	e := h.pin()
	defer h.unpin(e)
	if err := e.loadWait(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.writeLocked(kindUpdate, value.Clone(fields).(value.Node), h.debounce())
	e.mu.Unlock()
	e.drain()
	return nil
}

func (h *handle) Overwrite(ctx context.Context, v value.Value) error {
	if err := h.writable(); err != nil {
		return err
	}

	e := h.pin()
	defer h.unpin(e)
	if _, err := e.refresh(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	e.writeLocked(kindSet, value.Clone(value.Or(v, nil)), h.debounce())
	e.mu.Unlock()
	e.drain()
	return nil
}

func (h *handle) Remove(ctx context.Context) error {
	if h.c.closed.Load() {
		return ErrClosed
	}

	e := h.pin()
	defer h.unpin(e)
	if err := e.loadWait(ctx); err != nil {
		return err
	}

	var err error
	e.mu.Lock()
	e.dropPendingLocked()
	e.setLocalLocked(value.Null{})
	h.c.wg.Add(1)
	done := e.chainLocked(func(ctx context.Context) error {
		err = e.commitDelete(ctx)
		return err
	})
	e.mu.Unlock()
	e.drain()

	select {
	case <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) Push(v value.Value) (string, error) {
	if h.c.closed.Load() {
		return "", ErrClosed
	}
	if h.c.cfg.Mode == ModeDocument && !h.c.collection(h.path) {
		return "", ErrNotCollection
	}

	id := h.c.cfg.Store.NewID()
	v = value.Clone(value.Or(v, nil))

	e := h.c.acquire(h)
	// Keep commit order: a pending write to the parent lands first.
	if pw := e.pending; pw != nil {
		e.takeLocked(pw)
	}
	if e.loaded {
		e.setLocalLocked(value.Merge(e.nodeLocked(), value.Node{id: v}))
	}
	h.c.wg.Add(1)
	e.chainLocked(func(ctx context.Context) error {
		return e.commitPush(ctx, id, v)
	})
	e.mu.Unlock()
	e.drain()
	return id, nil
}

func (h *handle) Add(v value.Value) (string, error) {
	return h.Push(v)
}

// Query points the handle at the entry for the new listing shape, taking
// its subscribers along. Entries are never mutated, so other bindings of
// the old shape keep their view, and later bindings of the new shape share
// the entry.
func (h *handle) Query(ctx context.Context, opts Options) (value.Value, error) {
	if h.c.cfg.Mode == ModeDocument && !h.c.collection(h.path) {
		return nil, ErrNotCollection
	}
	q := h.c.buildQuery(h.path, opts)
	if err := q.Validate(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	from := h.key
	h.key, h.q = entryKey(q), q
	h.opts.Where = q.Where
	h.opts.OrderBy = q.OrderBy
	h.opts.Direction = q.Direction
	h.opts.Limit = q.Limit
	h.mu.Unlock()

	if from != entryKey(q) {
		h.move(from)
	}

	e := h.pin()
	defer h.unpin(e)
	v, err := e.refresh(ctx)
	if err != nil {
		return nil, err
	}
	return h.present(v), nil
}

// move transfers the subscribers this handle registered on the entry at
// from to its current entry. The old remote subscription closes at once
// when nothing else uses it.
func (h *handle) move(from string) {
	old, ok := h.c.entries.Load(from)
	if !ok {
		return
	}

	old.mu.Lock()
	var moved []*subscriber
	for _, s := range append([]*subscriber(nil), old.subs...) {
		if s.owner == h {
			s.entry.Store(nil)
			moved = append(moved, s)
		}
	}
	var cancel func()
	for _, s := range moved {
		if c := old.detachLocked(s, false); c != nil {
			cancel = c
		}
	}
	old.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.c.settle(old)
	if len(moved) == 0 {
		return
	}

	e := h.c.acquire(h)
	if e.closed {
		e.mu.Unlock()
		return
	}
	open := false
	for _, s := range moved {
		if e.attachLocked(s) {
			open = true
		}
	}
	gen := e.gen
	e.mu.Unlock()

	if open {
		e.openRemote(gen)
	}
	e.drain()
}

func (h *handle) Flush(ctx context.Context) error {
	e := h.pin()
	defer h.unpin(e)
	return e.flush(ctx)
}

// noop stands in for bindings whose path cannot be resolved. It behaves like
// a binding over a value that does not exist.
type noop struct {
	startWith value.Value
}

var _ Binding = noop{}

func (n noop) value() value.Value {
	return value.Clone(value.Or(n.startWith, nil))
}

func (noop) Path() string { return "" }

func (n noop) Subscribe(fn func(value.Value)) func() {
	fn(n.value())
	return func() {}
}

func (n noop) Then(context.Context) *future.Future[value.Value] {
	p := future.NewPromise[value.Value]()
	p.Set(n.value(), nil)
	return p.Future()
}

func (n noop) Read(context.Context) (value.Value, error)          { return n.value(), nil }
func (n noop) Get() value.Value                                    { return n.value() }
func (noop) Loaded() bool                                          { return true }
func (noop) Set(value.Value) error                                 { return nil }
func (noop) Update(context.Context, value.Node) error              { return nil }
func (noop) Overwrite(context.Context, value.Value) error          { return nil }
func (noop) Remove(context.Context) error                          { return nil }
func (noop) Push(value.Value) (string, error)                      { return "", nil }
func (noop) Add(value.Value) (string, error)                       { return "", nil }
func (n noop) Query(context.Context, Options) (value.Value, error) { return n.value(), nil }
func (noop) Flush(context.Context) error                           { return nil }

// IsNoop reports whether b is the placeholder for an unresolvable path.
func IsNoop(b Binding) bool {
	_, ok := b.(noop)
	return ok
}
