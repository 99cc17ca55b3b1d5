package binding

import (
	"sync"

	"github.com/maxpert/livebind/value"
)

// Combined subscribes to several bindings at once.
type Combined struct {
	bindings []Binding
}

// All combines bindings. Subscribers receive every binding's latest value,
// in argument order, once all of them have produced one.
func All(bindings ...Binding) *Combined {
	return &Combined{bindings: bindings}
}

// Subscribe registers fn on every binding. The returned function
// unsubscribes from all of them.
func (c *Combined) Subscribe(fn func([]value.Value)) func() {
	var mu sync.Mutex
	latest := make([]value.Value, len(c.bindings))
	for i := range latest {
		latest[i] = value.Unloaded
	}

	emit := func(i int, v value.Value) {
		mu.Lock()
		latest[i] = v
		for _, cur := range latest {
			if !value.IsLoaded(cur) {
				mu.Unlock()
				return
			}
		}
		out := make([]value.Value, len(latest))
		copy(out, latest)
		mu.Unlock()
		fn(out)
	}

	unsubs := make([]func(), len(c.bindings))
	for i, b := range c.bindings {
		i := i
		unsubs[i] = b.Subscribe(func(v value.Value) { emit(i, v) })
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for _, u := range unsubs {
				u()
			}
		})
	}
}
