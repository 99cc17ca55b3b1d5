package binding

import (
	"fmt"
	"time"

	"github.com/maxpert/livebind/attachment"
	"github.com/maxpert/livebind/query"
	"github.com/maxpert/livebind/store"
	"github.com/maxpert/livebind/treepath"
	"github.com/maxpert/livebind/value"
)

// Mode selects how paths map onto the store.
type Mode int

const (
	// ModeTree treats every path as a node in one tree.
	ModeTree Mode = iota
	// ModeDocument treats odd-depth paths as collections of documents.
	ModeDocument
)

func (m Mode) String() string {
	if m == ModeDocument {
		return "document"
	}
	return "tree"
}

// ParseMode parses "tree" or "document".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "tree":
		return ModeTree, nil
	case "document":
		return ModeDocument, nil
	}
	return ModeTree, fmt.Errorf("unknown binding mode %q", s)
}

const (
	DefaultTreeDebounce = 300 * time.Millisecond
	DefaultGraceDelay   = 5 * time.Second
	defaultMaxIdle      = 256
)

// Options configure one binding.
type Options struct {
	// StartWith replaces absent values and supplies defaults for nodes.
	StartWith value.Value
	// Debounce delays commits. Zero uses the cache default, negative
	// commits immediately.
	Debounce time.Duration

	Where     []query.Filter
	OrderBy   string
	Direction query.Direction
	Limit     int

	// Array reshapes a node into the list of its children in key order.
	Array bool
}

// Op names a committed write.
type Op string

const (
	OpSet    Op = "set"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpPush   Op = "push"
)

// Commit describes a write that reached the store.
type Commit struct {
	Path  string
	Op    Op
	Value value.Value
	At    time.Time
}

// CommitHook observes successful commits. It runs on the commit goroutine
// and must not block.
type CommitHook func(Commit)

// Config wires a Cache.
type Config struct {
	Store store.Store
	Mode  Mode
	// Attachments enables upload and reference counting on writes.
	Attachments *attachment.Registry

	// Debounce is the default commit delay. Zero picks the mode default
	// (300ms tree, immediate document); negative commits immediately.
	Debounce time.Duration
	// GraceDelay keeps an unused remote subscription open for quick
	// resubscribes. Zero means DefaultGraceDelay, negative closes at once.
	GraceDelay time.Duration
	// MaxIdle bounds how many idle entries are kept warm.
	MaxIdle int

	OnCommit CommitHook
}

func (c Config) withDefaults() Config {
	if c.Debounce == 0 && c.Mode == ModeTree {
		c.Debounce = DefaultTreeDebounce
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.GraceDelay == 0 {
		c.GraceDelay = DefaultGraceDelay
	}
	if c.GraceDelay < 0 {
		c.GraceDelay = 0
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = defaultMaxIdle
	}
	return c
}

// debounce resolves the per-binding delay.
func (c *Cache) debounce(o Options) time.Duration {
	switch {
	case o.Debounce < 0:
		return 0
	case o.Debounce > 0:
		return o.Debounce
	}
	return c.cfg.Debounce
}

// collection reports whether p lists documents rather than naming one.
func (c *Cache) collection(p string) bool {
	return c.cfg.Mode == ModeDocument && treepath.IsCollection(p)
}

// buildQuery turns options into the store query for p. Document paths in
// document mode ignore listing options.
func (c *Cache) buildQuery(p string, o Options) query.Query {
	q := query.Point(p)
	if c.cfg.Mode == ModeDocument && !treepath.IsCollection(p) {
		return q
	}
	q.Where = append([]query.Filter(nil), o.Where...)
	q.OrderBy = o.OrderBy
	q.Direction = o.Direction
	q.Limit = o.Limit
	q.Children = c.collection(p)
	return q
}

// entryKey identifies the entry behind q. Every point binding on a path
// shares one entry, so there is one stored base and one remote subscription
// per path; listings share by query shape.
func entryKey(q query.Query) string {
	if !q.Listing() {
		return q.Path
	}
	return fmt.Sprintf("%s?%016x", q.Path, q.Fingerprint())
}
