package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/maxpert/livebind/notify"
	"github.com/maxpert/livebind/query"
	"github.com/rs/zerolog/log"
)

// Reader is the read a watcher repeats after every change signal.
type Reader func(ctx context.Context, q query.Query) (Snapshot, error)

// Watchers turns a backend's point reads plus a notify.Hub into snapshot
// subscriptions. Each subscription owns one goroutine that re-reads on signal
// and skips snapshots equal to the last one delivered.
type Watchers struct {
	hub    *notify.Hub
	read   Reader
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewWatchers creates a watcher set for a backend.
func NewWatchers(hub *notify.Hub, read Reader) *Watchers {
	return &Watchers{hub: hub, read: read}
}

// Watch starts a subscription. The initial snapshot is delivered from the
// watcher goroutine, never from the caller's stack.
func (w *Watchers) Watch(q query.Query, fn Handler) (func(), error) {
	if w.closed.Load() {
		return nil, ErrClosed
	}

	// Subscribe before the first read so no change can slip in between.
	signals, unsubscribe := w.hub.Subscribe(q.Path)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			unsubscribe()
		})
	}

	w.wg.Add(1)
	go w.loop(q, fn, signals, done)

	return cancel, nil
}

func (w *Watchers) loop(q query.Query, fn Handler, signals <-chan notify.Signal, done <-chan struct{}) {
	defer w.wg.Done()

	var last *Snapshot
	deliver := func() {
		snap, err := w.read(context.Background(), q)

		select {
		case <-done:
			return
		default:
		}

		if err != nil {
			log.Warn().Err(err).Str("path", q.Path).Msg("Watch re-read failed")
			fn(Snapshot{Path: q.Path}, err)
			return
		}
		if last != nil && last.Equal(snap) {
			return
		}
		last = &snap
		fn(snap, nil)
	}

	deliver()
	for {
		select {
		case <-done:
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			deliver()
		}
	}
}

// Signal forwards a change at p to matching watchers.
func (w *Watchers) Signal(p string) {
	w.hub.Signal(p)
}

// Active returns the number of open subscriptions.
func (w *Watchers) Active() int {
	return w.hub.Len()
}

// Close stops every watcher and waits for their goroutines.
func (w *Watchers) Close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.hub.Close()
	w.wg.Wait()
}
