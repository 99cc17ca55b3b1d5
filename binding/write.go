package binding

import (
	"context"
	"time"

	"github.com/maxpert/livebind/attachment"
	"github.com/maxpert/livebind/query"
	"github.com/maxpert/livebind/telemetry"
	"github.com/maxpert/livebind/treepath"
	"github.com/maxpert/livebind/value"
	"github.com/rs/zerolog/log"
)

type writeKind int

const (
	kindSet writeKind = iota
	kindUpdate
)

// pendingWrite is the debounced payload of an entry. A set holds the full
// value; an update holds the accumulated field patch.
type pendingWrite struct {
	kind  writeKind
	value value.Value
	timer *time.Timer
}

// writeLocked applies a write optimistically and schedules its commit after
// d. At most one write is pending per entry: a set absorbs later updates, and
// a set replaces a pending update. The latest writer's delay restarts the
// timer.
func (e *entry) writeLocked(kind writeKind, v value.Value, d time.Duration) {
	switch kind {
	case kindSet:
		e.setLocalLocked(v)
	case kindUpdate:
		e.setLocalLocked(value.Merge(e.nodeLocked(), v.(value.Node)))
	}

	pw := e.pending
	if pw == nil {
		pw = &pendingWrite{kind: kind, value: v}
		e.pending = pw
		e.c.wg.Add(1)
		if d <= 0 {
			go e.fire(pw)
			return
		}
		pw.timer = time.AfterFunc(d, func() { e.fire(pw) })
		return
	}

	switch {
	case kind == kindSet:
		pw.kind = kindSet
		pw.value = v
		telemetry.CoalescedWritesTotal.With("set").Inc()
	case pw.kind == kindUpdate:
		pw.value = mergePatch(pw.value.(value.Node), v.(value.Node))
		telemetry.CoalescedWritesTotal.With("update").Inc()
	default:
		base, _ := pw.value.(value.Node)
		pw.value = value.Merge(base, v.(value.Node))
		telemetry.CoalescedWritesTotal.With("update").Inc()
	}
	if pw.timer != nil {
		pw.timer.Reset(d)
	}
}

// mergePatch folds b into a, keeping Null markers so the store deletes
// those fields.
func mergePatch(a, b value.Node) value.Node {
	out := make(value.Node, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

func (e *entry) fire(pw *pendingWrite) {
	e.mu.Lock()
	if e.pending == pw {
		e.takeLocked(pw)
	}
	e.mu.Unlock()
}

// takeLocked moves the pending write onto the commit chain. The wait group
// slot taken when the write was created moves with it.
func (e *entry) takeLocked(pw *pendingWrite) {
	e.pending = nil
	if pw.timer != nil {
		pw.timer.Stop()
	}
	e.chainLocked(func(ctx context.Context) error {
		return e.commitWrite(ctx, pw)
	})
}

// dropPendingLocked discards the pending write without committing it.
func (e *entry) dropPendingLocked() {
	pw := e.pending
	if pw == nil {
		return
	}
	e.pending = nil
	if pw.timer != nil {
		pw.timer.Stop()
	}
	e.c.wg.Done()
}

// chainLocked runs fn after every commit queued before it. The caller must
// have added to the cache wait group.
func (e *entry) chainLocked(fn func(ctx context.Context) error) <-chan struct{} {
	prev := e.tail
	done := make(chan struct{})
	e.tail = done
	e.inflight++

	go func() {
		defer e.c.wg.Done()
		if prev != nil {
			<-prev
		}

		mu := e.c.stripe(e.path)
		mu.Lock()
		err := fn(e.c.ctx)
		mu.Unlock()
		if err != nil {
			log.Error().Err(err).Str("path", e.path).Msg("Commit failed")
		}

		e.mu.Lock()
		e.inflight--
		if e.tail == done {
			e.tail = nil
		}
		refresh := (e.deferred || e.stale) && e.quietLocked()
		if refresh {
			e.deferred = false
			e.stale = false
			e.busy++
		}
		e.mu.Unlock()
		close(done)

		if refresh {
			if _, err := e.refresh(e.c.ctx); err != nil {
				log.Warn().Err(err).Str("path", e.path).Msg("Refresh after commit failed")
			}
			e.mu.Lock()
			e.busy--
			e.mu.Unlock()
		}
		e.c.settle(e)
	}()
	return done
}

// flush commits the pending write now and waits for the chain to drain.
func (e *entry) flush(ctx context.Context) error {
	e.mu.Lock()
	if pw := e.pending; pw != nil {
		e.takeLocked(pw)
	}
	tail := e.tail
	e.mu.Unlock()

	if tail == nil {
		return nil
	}
	select {
	case <-tail:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// base returns the stored value the next commit replaces. Without a known
// value it is read, since reference counting needs it. Listings only ever
// see part of their node, so they always read.
func (e *entry) base(ctx context.Context) value.Value {
	e.mu.Lock()
	base := e.committed
	if e.q.Listing() {
		base = value.Unloaded
	}
	e.mu.Unlock()
	if value.IsLoaded(base) || e.c.cfg.Attachments == nil {
		return value.Or(base, nil)
	}

	snap, err := e.c.cfg.Store.Read(ctx, query.Point(e.path))
	if err != nil {
		log.Warn().Err(err).Str("path", e.path).Msg("Failed to read value before commit")
		return value.Null{}
	}
	if len(snap.Children) > 0 {
		n := make(value.Node, len(snap.Children))
		for _, d := range snap.Children {
			n[d.ID] = d.Value
		}
		return n
	}
	if !snap.Exists {
		return value.Null{}
	}
	return value.Or(snap.Value, nil)
}

func (e *entry) commitWrite(ctx context.Context, pw *pendingWrite) error {
	base := e.base(ctx)
	reg := e.c.cfg.Attachments
	st := e.c.cfg.Store

	var (
		op      Op
		written value.Value
		after   value.Value
		err     error
	)
	start := time.Now()

	switch pw.kind {
	case kindSet:
		op = OpSet
		next := pw.value
		if reg != nil {
			if next, err = reg.Materialize(ctx, e.path, base, next); err != nil {
				return err
			}
		}
		err = st.Set(ctx, e.path, next)
		written, after = next, next

	case kindUpdate:
		op = OpUpdate
		patch := pw.value.(value.Node)
		baseNode, _ := base.(value.Node)
		if reg != nil {
			full, merr := reg.Materialize(ctx, e.path, base, value.Merge(baseNode, patch))
			if merr != nil {
				return merr
			}
			patch = fieldsOf(full, patch)
		}
		err = st.Update(ctx, e.path, patch)
		written, after = patch, value.Merge(baseNode, patch)
	}

	if err != nil {
		e.failed(ctx, op, base, after, start)
		return err
	}
	e.committedLocal(ctx, op, base, after, written, start)
	return nil
}

// fieldsOf picks the patched fields out of the materialized document.
func fieldsOf(full value.Value, patch value.Node) value.Node {
	n, _ := full.(value.Node)
	out := make(value.Node, len(patch))
	for k := range patch {
		if v, ok := n[k]; ok {
			out[k] = v
		} else {
			out[k] = value.Null{}
		}
	}
	return out
}

// failed undoes reference acquisitions made for a write that never landed.
func (e *entry) failed(ctx context.Context, op Op, base, after value.Value, start time.Time) {
	telemetry.CommitsTotal.With(string(op), "error").Inc()
	telemetry.CommitDurationSeconds.With(string(op)).Observe(time.Since(start).Seconds())
	if reg := e.c.cfg.Attachments; reg != nil {
		reg.ReleaseDiff(ctx, after, base)
	}
}

// committedLocal records a successful write: the stored value becomes the
// new base, uploads in the optimistic value are swapped for references,
// and references the write dropped are released.
func (e *entry) committedLocal(ctx context.Context, op Op, base, after, written value.Value, start time.Time) {
	telemetry.CommitsTotal.With(string(op), "ok").Inc()
	telemetry.CommitDurationSeconds.With(string(op)).Observe(time.Since(start).Seconds())

	e.mu.Lock()
	e.committed = after
	if e.pending == nil && e.inflight == 1 && attachment.HasUploads(e.raw) {
		e.setLocalLocked(after)
	}
	e.mu.Unlock()
	e.drain()

	if reg := e.c.cfg.Attachments; reg != nil {
		reg.ReleaseDiff(ctx, base, after)
	}
	e.c.invalidate(e.path, e)
	e.notify(op, e.path, written)
}

func (e *entry) notify(op Op, p string, v value.Value) {
	if hook := e.c.cfg.OnCommit; hook != nil {
		hook(Commit{Path: p, Op: op, Value: v, At: time.Now()})
	}
}

func (e *entry) commitDelete(ctx context.Context) error {
	base := e.base(ctx)
	start := time.Now()

	if err := e.c.cfg.Store.Delete(ctx, e.path); err != nil {
		telemetry.CommitsTotal.With(string(OpDelete), "error").Inc()
		return err
	}
	telemetry.CommitsTotal.With(string(OpDelete), "ok").Inc()
	telemetry.CommitDurationSeconds.With(string(OpDelete)).Observe(time.Since(start).Seconds())

	e.mu.Lock()
	e.committed = value.Null{}
	e.mu.Unlock()

	if reg := e.c.cfg.Attachments; reg != nil {
		reg.ReleaseDiff(ctx, base, nil)
	}
	e.c.invalidate(e.path, e)
	e.notify(OpDelete, e.path, value.Null{})
	return nil
}

func (e *entry) commitPush(ctx context.Context, id string, v value.Value) error {
	child := treepath.Join(e.path, id)
	start := time.Now()

	if reg := e.c.cfg.Attachments; reg != nil {
		var err error
		if v, err = reg.Materialize(ctx, child, nil, v); err != nil {
			return err
		}
	}
	if err := e.c.cfg.Store.Set(ctx, child, v); err != nil {
		telemetry.CommitsTotal.With(string(OpPush), "error").Inc()
		if reg := e.c.cfg.Attachments; reg != nil {
			reg.ReleaseDiff(ctx, v, nil)
		}
		return err
	}
	telemetry.CommitsTotal.With(string(OpPush), "ok").Inc()
	telemetry.CommitDurationSeconds.With(string(OpPush)).Observe(time.Since(start).Seconds())

	e.mu.Lock()
	if n, ok := e.committed.(value.Node); ok {
		e.committed = value.Merge(n, value.Node{id: v})
	} else if _, ok := e.committed.(value.Null); ok {
		e.committed = value.Node{id: v}
	}
	if e.pending == nil && e.inflight == 1 && attachment.HasUploads(e.raw) {
		if n, ok := e.raw.(value.Node); ok {
			e.setLocalLocked(value.Merge(n, value.Node{id: v}))
		}
	}
	e.mu.Unlock()
	e.drain()

	e.c.invalidate(child, e)
	e.notify(OpPush, child, v)
	return nil
}
