// Package binding turns store paths into live values. A Cache keeps one entry
// per path, plus one per listing shape; every entry multiplexes local
// subscribers onto a single remote subscription and debounces writes before
// committing them. Presentation options such as StartWith and Array belong
// to the handle, not the entry.
package binding

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/livebind/telemetry"
	"github.com/maxpert/livebind/treepath"
	"github.com/maxpert/livebind/value"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotLoaded rejects Set on a binding that has never observed its value.
	ErrNotLoaded = errors.New("binding value not loaded; use Overwrite to replace unseen state")
	// ErrClosed is returned by writes after the cache is closed.
	ErrClosed = errors.New("binding cache is closed")
	// ErrCollectionWrite rejects whole-value writes to a document collection.
	ErrCollectionWrite = errors.New("collections accept push and remove only")
	// ErrInvalidPath marks paths that resolve to a no-op binding.
	ErrInvalidPath = treepath.ErrInvalidPath
)

// commitStripes bounds the per-path commit locks.
const commitStripes = 64

// Cache owns every live entry. Create one per store; Close flushes pending
// writes and releases remote subscriptions.
type Cache struct {
	cfg     Config
	entries *xsync.MapOf[string, *entry]
	idle    *lru.Cache[string, *entry]
	stripes [commitStripes]sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a cache over cfg.Store.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, errors.New("binding cache requires a store")
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		cfg:     cfg,
		entries: xsync.NewMapOf[string, *entry](),
		ctx:     ctx,
		cancel:  cancel,
	}

	idle, err := lru.NewWithEvict[string, *entry](cfg.MaxIdle, c.evict)
	if err != nil {
		cancel()
		return nil, err
	}
	c.idle = idle

	log.Debug().
		Str("mode", cfg.Mode.String()).
		Dur("debounce", cfg.Debounce).
		Dur("grace", cfg.GraceDelay).
		Int("max_idle", cfg.MaxIdle).
		Msg("Binding cache created")
	return c, nil
}

// Mode returns the path mode of the cache.
func (c *Cache) Mode() Mode {
	return c.cfg.Mode
}

// Bind returns the binding for p. Invalid paths yield a binding that never
// touches the store and always reads as StartWith.
func (c *Cache) Bind(p string, opts Options) Binding {
	if err := treepath.Validate(p); err != nil {
		log.Debug().Str("path", p).Msg("Invalid path, using no-op binding")
		return noop{startWith: opts.StartWith}
	}
	p = treepath.Clean(p)
	q := c.buildQuery(p, opts)
	if err := q.Validate(); err != nil {
		log.Warn().Err(err).Str("path", p).Msg("Invalid query options, using no-op binding")
		return noop{startWith: opts.StartWith}
	}
	return &handle{c: c, path: p, key: entryKey(q), q: q, opts: opts}
}

// acquire returns the live entry for h, locked.
func (c *Cache) acquire(h *handle) *entry {
	key, q := h.target()
	for {
		e, _ := c.entries.LoadOrCompute(key, func() *entry {
			return newEntry(c, key, q)
		})
		e.mu.Lock()
		if !e.evicted {
			return e
		}
		e.mu.Unlock()
	}
}

// settle parks e in the idle list when nothing holds it open.
func (c *Cache) settle(e *entry) {
	e.mu.Lock()
	idle := e.idleLocked()
	e.mu.Unlock()
	if idle && !c.closed.Load() {
		c.idle.Add(e.key, e)
	}
}

// evict drops an entry pushed out of the idle list if it is still idle.
func (c *Cache) evict(key string, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted || !e.idleLocked() {
		return
	}
	e.evicted = true
	c.entries.Compute(key, func(cur *entry, loaded bool) (*entry, bool) {
		return cur, loaded && cur == e
	})
	telemetry.EvictionsTotal.Inc()
}

// invalidate forgets the stored base of every other entry overlapping p so
// its next commit re-reads it. Only reference counting needs the base.
func (c *Cache) invalidate(p string, from *entry) {
	if c.cfg.Attachments == nil {
		return
	}
	c.entries.Range(func(_ string, e *entry) bool {
		if e != from && treepath.Related(e.path, p) {
			e.mu.Lock()
			e.committed = value.Unloaded
			e.mu.Unlock()
		}
		return true
	})
}

// stripe serializes commits to the same path across entries.
func (c *Cache) stripe(p string) *sync.Mutex {
	return &c.stripes[xxhash.Sum64String(p)%commitStripes]
}

// Stats samples the cache for metrics and the admin API.
func (c *Cache) Stats() telemetry.CacheStats {
	var s telemetry.CacheStats
	c.entries.Range(func(_ string, e *entry) bool {
		e.mu.Lock()
		s.Entries++
		s.Subscribers += len(e.subs)
		if e.remote != nil {
			s.Remote++
		}
		if e.pending != nil {
			s.PendingWrites++
		}
		e.mu.Unlock()
		return true
	})
	return s
}

// Flush commits every pending write now and waits for all commits.
func (c *Cache) Flush(ctx context.Context) error {
	var errs []error
	c.entries.Range(func(_ string, e *entry) bool {
		if err := e.flush(ctx); err != nil {
			errs = append(errs, err)
		}
		return ctx.Err() == nil
	})
	return errors.Join(errs...)
}

// Close flushes pending writes, waits for in-flight commits and closes every
// remote subscription. The store is left open.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := c.Flush(context.Background())
	c.wg.Wait()

	c.entries.Range(func(key string, e *entry) bool {
		e.shutdown()
		c.entries.Delete(key)
		return true
	})
	c.idle.Purge()
	c.cancel()

	log.Debug().Msg("Binding cache closed")
	return err
}
