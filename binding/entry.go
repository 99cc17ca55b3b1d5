package binding

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/livebind/query"
	"github.com/maxpert/livebind/store"
	"github.com/maxpert/livebind/telemetry"
	"github.com/maxpert/livebind/value"
	"github.com/rs/zerolog/log"
)

// subscriber is one Subscribe call. It keeps the presentation options of the
// handle that registered it and can move between entries when that handle
// re-queries.
type subscriber struct {
	fn     func(value.Value)
	opts   Options
	owner  *handle
	entry  atomic.Pointer[entry]
	active atomic.Bool
}

// unsubscribe detaches s from whichever entry holds it.
func (s *subscriber) unsubscribe() {
	if !s.active.CompareAndSwap(true, false) {
		return
	}
	for {
		e := s.entry.Load()
		if e == nil {
			return
		}
		e.mu.Lock()
		if s.entry.Load() != e {
			e.mu.Unlock()
			continue
		}
		cancel := e.detachLocked(s, true)
		e.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		e.c.settle(e)
		return
	}
}

// view is what an entry knows about its path, before any handle options
// are applied.
type view struct {
	raw  value.Value
	docs []query.Doc
	list bool
}

// delivery carries the subscriber list captured when it was queued, so
// subscribers added later do not see it.
type delivery struct {
	v    view
	subs []*subscriber
}

type waiter struct {
	p    *future.Promise[value.Value]
	opts Options
}

// entry is the shared state behind every handle bound to the same point
// path, or to the same listing shape.
type entry struct {
	c    *Cache
	key  string
	path string
	q    query.Query

	mu sync.Mutex
	// raw is the point value, Null when absent. A listing holds its whole
	// node only after a local write replaced it, otherwise Unloaded.
	raw       value.Value
	docs      []query.Doc
	committed value.Value // last value known to be stored; Unloaded when unknown
	loaded    bool
	// stale asks for a re-read once outstanding writes land.
	stale bool

	loadWaiters []waiter

	subs     []*subscriber
	remote   func()
	opening  bool
	gen      uint64
	deferred bool
	grace    *time.Timer
	graceSeq uint64

	pending  *pendingWrite
	inflight int
	tail     chan struct{}

	queue      []delivery
	delivering bool

	// busy pins the entry while a handle works on it outside the lock.
	busy    int
	evicted bool
	closed  bool
}

func newEntry(c *Cache, key string, q query.Query) *entry {
	return &entry{
		c:         c,
		key:       key,
		path:      q.Path,
		q:         q,
		raw:       value.Unloaded,
		committed: value.Unloaded,
	}
}

func (e *entry) idleLocked() bool {
	return len(e.subs) == 0 &&
		e.remote == nil &&
		!e.opening &&
		e.grace == nil &&
		e.pending == nil &&
		e.inflight == 0 &&
		len(e.loadWaiters) == 0 &&
		e.busy == 0
}

func (e *entry) viewLocked() view {
	return view{raw: e.raw, docs: e.docs, list: e.q.Listing()}
}

// subscribe registers s. Called with e.mu held; returns with it released.
func (e *entry) subscribe(s *subscriber) {
	if e.closed {
		e.mu.Unlock()
		return
	}
	open := e.attachLocked(s)
	gen := e.gen
	e.mu.Unlock()

	if open {
		e.openRemote(gen)
	}
	e.drain()
}

// attachLocked adds s, queues the cached value for it and reports whether
// the caller must open the remote subscription.
func (e *entry) attachLocked(s *subscriber) bool {
	// Publish the entry before checking active so a racing unsubscribe
	// either finds s here or is seen as inactive.
	s.entry.Store(e)
	if !s.active.Load() {
		return false
	}

	e.subs = append(e.subs, s)
	e.stopGraceLocked()
	if e.loaded {
		e.enqueueLocked([]*subscriber{s})
	}
	if e.remote != nil || e.opening {
		return false
	}
	e.gen++
	e.opening = true
	return true
}

// detachLocked removes s. When it was the last subscriber the remote
// subscription is closed, after the grace delay if grace is set. The
// returned cancel must be called after unlocking.
func (e *entry) detachLocked(s *subscriber, grace bool) func() {
	for i, cur := range e.subs {
		if cur == s {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			break
		}
	}
	if len(e.subs) > 0 || e.closed || (e.remote == nil && !e.opening) {
		return nil
	}
	if d := e.c.cfg.GraceDelay; grace && d > 0 {
		if e.grace == nil {
			e.graceSeq++
			seq := e.graceSeq
			e.grace = time.AfterFunc(d, func() { e.graceExpired(seq) })
		}
		return nil
	}
	e.stopGraceLocked()
	return e.closeRemoteLocked()
}

func (e *entry) stopGraceLocked() {
	if e.grace != nil {
		e.grace.Stop()
		e.grace = nil
		e.graceSeq++
	}
}

func (e *entry) graceExpired(seq uint64) {
	e.mu.Lock()
	if seq != e.graceSeq || e.grace == nil || len(e.subs) > 0 {
		e.mu.Unlock()
		return
	}
	e.grace = nil
	cancel := e.closeRemoteLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Debug().Str("path", e.path).Msg("Closed idle remote subscription")
	e.c.settle(e)
}

// closeRemoteLocked detaches the remote subscription. The returned cancel
// must be called after unlocking.
func (e *entry) closeRemoteLocked() func() {
	e.gen++
	cancel := e.remote
	e.remote = nil
	e.opening = false
	e.deferred = false
	return cancel
}

func (e *entry) openRemote(gen uint64) {
	cancel, err := e.c.cfg.Store.Subscribe(e.q, func(snap store.Snapshot, err error) {
		e.onSnapshot(gen, snap, err)
	})

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	e.opening = false
	if err != nil {
		e.mu.Unlock()
		log.Error().Err(err).Str("path", e.path).Msg("Failed to open remote subscription")
		e.c.settle(e)
		return
	}
	e.remote = cancel
	e.mu.Unlock()
}

func (e *entry) onSnapshot(gen uint64, snap store.Snapshot, err error) {
	e.mu.Lock()
	if gen != e.gen || e.closed {
		e.mu.Unlock()
		return
	}
	if err != nil {
		e.mu.Unlock()
		log.Warn().Err(err).Str("path", e.path).Msg("Remote subscription error")
		return
	}
	// Optimistic state wins until outstanding writes land.
	if e.pending != nil || e.inflight > 0 {
		e.deferred = true
		e.mu.Unlock()
		return
	}
	e.applyLocked(snap)
	e.mu.Unlock()
	e.drain()
}

// quietLocked reports whether no write is pending or in flight.
func (e *entry) quietLocked() bool {
	return e.pending == nil && e.inflight == 0
}

// applyLocked caches snap and queues it for every subscriber when it changed.
func (e *entry) applyLocked(snap store.Snapshot) {
	var changed bool
	if e.q.Listing() {
		changed = !e.loaded || !sameDocs(e.docs, snap.Children)
		e.docs = snap.Children
		e.raw = value.Unloaded
	} else {
		raw := value.Or(snap.Value, nil)
		if !snap.Exists {
			raw = value.Null{}
		}
		changed = !e.loaded || !value.Equal(e.raw, raw)
		e.raw = raw
		e.committed = raw
	}

	e.loaded = true
	if changed && len(e.subs) > 0 {
		e.enqueueLocked(e.subs)
	}
}

func sameDocs(a, b []query.Doc) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || !value.Equal(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

// setLocalLocked applies an optimistic write. Listings re-run their query
// over the new node.
func (e *entry) setLocalLocked(raw value.Value) {
	e.raw = raw
	if e.q.Listing() {
		e.docs = store.FromTree(e.q, raw, true).Children
	}
	e.loaded = true
	if len(e.subs) > 0 {
		e.enqueueLocked(e.subs)
	}
}

// nodeLocked returns the node local writes merge onto. A listing that has
// only seen its query result rebuilds it from the listed children and is
// re-read once the write lands.
func (e *entry) nodeLocked() value.Node {
	if n, ok := e.raw.(value.Node); ok {
		return n
	}
	if !e.q.Listing() || value.IsLoaded(e.raw) {
		return nil
	}
	n := make(value.Node, len(e.docs))
	for _, d := range e.docs {
		n[d.ID] = d.Value
	}
	e.stale = true
	return n
}

// present shapes v for a binding with options o. StartWith fills absent
// values and missing fields, Array reshapes nodes and document listings
// carry their ids. The result is a fresh copy.
func (c *Cache) present(p string, o Options, v view) value.Value {
	if !v.list {
		return presentPoint(o, v.raw)
	}

	if c.collection(p) {
		out := make(value.List, 0, len(v.docs))
		for _, d := range v.docs {
			out = append(out, withID(d))
		}
		return value.Clone(out)
	}

	if len(v.docs) == 0 {
		return value.Clone(value.Or(o.StartWith, nil))
	}
	if o.Array {
		out := make(value.List, len(v.docs))
		for i, d := range v.docs {
			out[i] = d.Value
		}
		return value.Clone(out)
	}
	out := make(value.Node, len(v.docs))
	for _, d := range v.docs {
		out[d.ID] = d.Value
	}
	return value.Clone(out)
}

// presentPoint applies StartWith and the Array reshape to a point value.
func presentPoint(o Options, raw value.Value) value.Value {
	var v value.Value
	switch n := raw.(type) {
	case value.Node:
		v = n
		if sw, ok := o.StartWith.(value.Node); ok {
			v = value.Merge(sw, n)
		}
	default:
		v = value.Or(raw, nil)
		if value.IsNull(raw) {
			v = value.Or(o.StartWith, nil)
		}
	}

	if n, ok := v.(value.Node); ok && o.Array {
		keys := value.Keys(n)
		out := make(value.List, len(keys))
		for i, k := range keys {
			out[i] = n[k]
		}
		return value.Clone(out)
	}
	return value.Clone(v)
}

// withID flattens a listed document into its fields plus "id".
func withID(d query.Doc) value.Node {
	n, ok := d.Value.(value.Node)
	doc := make(value.Node, len(n)+1)
	if ok {
		for k, v := range n {
			doc[k] = v
		}
	} else {
		doc["value"] = d.Value
	}
	doc["id"] = value.String(d.ID)
	return doc
}

func (e *entry) enqueueLocked(subs []*subscriber) {
	e.queue = append(e.queue, delivery{v: e.viewLocked(), subs: append([]*subscriber(nil), subs...)})
}

// drain delivers queued values outside the lock. A drain already running on
// another frame picks up anything queued meanwhile, so re-entrant writes
// from callbacks are delivered after the current callback returns.
func (e *entry) drain() {
	e.mu.Lock()
	if e.delivering {
		e.mu.Unlock()
		return
	}
	e.delivering = true

	for len(e.queue) > 0 {
		d := e.queue[0]
		e.queue[0] = delivery{}
		e.queue = e.queue[1:]
		e.mu.Unlock()

		for _, s := range d.subs {
			if s.active.Load() && s.entry.Load() == e {
				s.fn(e.c.present(e.path, s.opts, d.v))
				telemetry.DeliveriesTotal.Inc()
			}
		}

		e.mu.Lock()
	}
	e.delivering = false
	e.mu.Unlock()
}

// addWaiterLocked registers w for the next load result and reports whether
// the caller must start the read.
func (e *entry) addWaiterLocked(w waiter) bool {
	e.loadWaiters = append(e.loadWaiters, w)
	return len(e.loadWaiters) == 1
}

// runLoad performs the single read shared by every waiter.
func (e *entry) runLoad(ctx context.Context) {
	snap, err := e.c.cfg.Store.Read(ctx, e.q)

	e.mu.Lock()
	waiters := e.loadWaiters
	e.loadWaiters = nil
	if err == nil && (!e.loaded || e.quietLocked()) {
		e.applyLocked(snap)
	}
	v := e.viewLocked()
	e.mu.Unlock()

	for _, w := range waiters {
		if err != nil {
			w.p.Set(nil, err)
		} else {
			w.p.Set(e.c.present(e.path, w.opts, v), nil)
		}
	}
	e.drain()
	e.c.settle(e)
}

// loadWait loads e unless it already holds a value. The caller must hold a
// busy pin.
func (e *entry) loadWait(ctx context.Context) error {
	e.mu.Lock()
	if e.loaded {
		e.mu.Unlock()
		return nil
	}
	p := future.NewPromise[value.Value]()
	start := e.addWaiterLocked(waiter{p: p})
	e.mu.Unlock()

	if start {
		e.runLoad(ctx)
	}
	_, err := p.Future().Get()
	return err
}

// refresh forces a read and applies it unless writes are outstanding. The
// entry counts as loaded afterwards.
func (e *entry) refresh(ctx context.Context) (view, error) {
	snap, err := e.c.cfg.Store.Read(ctx, e.q)
	if err != nil {
		return view{}, err
	}

	e.mu.Lock()
	if !e.loaded || e.quietLocked() {
		e.applyLocked(snap)
	}
	v := e.viewLocked()
	e.mu.Unlock()

	e.drain()
	return v, nil
}

// shutdown detaches everything. Pending writes must already be flushed.
func (e *entry) shutdown() {
	e.mu.Lock()
	e.closed = true
	e.stopGraceLocked()
	for _, s := range e.subs {
		s.active.Store(false)
	}
	e.subs = nil
	cancel := e.closeRemoteLocked()
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
