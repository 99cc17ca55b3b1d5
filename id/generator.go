// Package id generates child keys for push.
package id

import (
	"fmt"

	"github.com/maxpert/livebind/hlc"
)

// Generator hands out unique child ids. Ids from one generator sort in
// creation order.
type Generator interface {
	NextID() string
}

// HLCGenerator derives ids from the hybrid logical clock.
// Thread-safe via the clock's internal mutex.
type HLCGenerator struct {
	clock *hlc.Clock
}

// NewHLCGenerator creates a new id generator backed by the given clock.
func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextID returns the clock id as 16 zero-padded hex digits, so lexicographic
// order matches numeric order.
func (g *HLCGenerator) NextID() string {
	return fmt.Sprintf("%016x", g.clock.Now().ToID())
}
