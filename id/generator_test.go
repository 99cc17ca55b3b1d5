package id

import (
	"sync"
	"testing"

	"github.com/maxpert/livebind/hlc"
)

func TestHLCGenerator_NextID_Uniqueness(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock(1))

	seen := make(map[string]bool)
	const iterations = 10000

	for i := 0; i < iterations; i++ {
		id := gen.NextID()
		if seen[id] {
			t.Fatalf("duplicate ID generated at iteration %d: %s", i, id)
		}
		seen[id] = true
	}
}

func TestHLCGenerator_NextID_Sorted(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock(1))

	prev := ""
	for i := 0; i < 1000; i++ {
		id := gen.NextID()
		if len(id) != 16 {
			t.Fatalf("expected 16 chars, got %q", id)
		}
		if id <= prev {
			t.Fatalf("non-monotonic ID at iteration %d: prev=%s, curr=%s", i, prev, id)
		}
		prev = id
	}
}

func TestHLCGenerator_NextID_Concurrent(t *testing.T) {
	gen := NewHLCGenerator(hlc.NewClock(1))

	const goroutines = 10
	const idsPerGoroutine = 1000

	var wg sync.WaitGroup
	idsChan := make(chan string, goroutines*idsPerGoroutine)

	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < idsPerGoroutine; i++ {
				idsChan <- gen.NextID()
			}
		}()
	}
	wg.Wait()
	close(idsChan)

	seen := make(map[string]bool)
	for id := range idsChan {
		if seen[id] {
			t.Fatalf("duplicate ID: %s", id)
		}
		seen[id] = true
	}
}
