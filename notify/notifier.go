// Package notify fans store change signals out to path watchers.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/livebind/treepath"
)

// Signal tells a watcher that something at or around Path changed. Seq is the
// store's write sequence at the time of the change.
type Signal struct {
	Path string
	Seq  uint64
}

// signalBufferSize is one: a pending signal already guarantees the watcher
// will re-read, so further signals can be dropped until it drains.
const signalBufferSize = 1

type subscription struct {
	id     uint64
	path   string
	ch     chan Signal
	closed atomic.Bool
}

// matches reports whether a change at p can alter what this watcher reads.
func (s *subscription) matches(p string) bool {
	return treepath.Related(s.path, p)
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe notification hub keyed by path.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	seq           atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal notifies every watcher whose path is related to p (non-blocking).
func (h *Hub) Signal(p string) {
	sig := Signal{Path: treepath.Clean(p), Seq: h.seq.Add(1)}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(sig.Path) {
			continue
		}

		select {
		case sub.ch <- sig:
		default:
			// Already has an undelivered signal
		}
	}
}

// Subscribe watches p and returns the signal channel plus an idempotent cancel
// function. The channel is closed on cancel.
func (h *Hub) Subscribe(p string) (<-chan Signal, func()) {
	sub := &subscription{
		id:   h.nextID.Add(1),
		path: treepath.Clean(p),
		ch:   make(chan Signal, signalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Len returns the number of active watchers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close cancels every watcher.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
