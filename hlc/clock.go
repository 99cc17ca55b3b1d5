// Package hlc provides a hybrid logical clock. It stamps attachment records and
// feed events, and seeds the sortable child ids handed out by push.
package hlc

import (
	"sync"
	"time"
)

// Bit layout used by ToID: 42 bits of wall milliseconds, 6 bits of node id and
// 16 bits of logical counter.
const (
	LogicalBits    = 16
	LogicalMask    = (1 << LogicalBits) - 1
	NodeIDBits     = 6
	NodeIDMask     = (1 << NodeIDBits) - 1
	TotalShiftBits = NodeIDBits + LogicalBits
)

// Clock is safe for concurrent use.
type Clock struct {
	nodeID   uint64
	wallTime int64
	logical  int32
	lastMS   int64
	now      func() time.Time
	mu       sync.Mutex
}

// Timestamp is a single clock reading.
type Timestamp struct {
	WallTime int64
	Logical  int32
	NodeID   uint64
}

// NewClock creates a clock for the given node.
func NewClock(nodeID uint64) *Clock {
	return newClock(nodeID, time.Now)
}

func newClock(nodeID uint64, now func() time.Time) *Clock {
	t := now().UnixNano()
	return &Clock{
		nodeID:   nodeID,
		wallTime: t,
		lastMS:   t / 1_000_000,
		now:      now,
	}
}

// Now returns a timestamp strictly greater than every previous one from this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physical := c.now().UnixNano()
	ms := physical / 1_000_000
	if physical > c.wallTime {
		c.wallTime = physical
	}

	// Logical resets per millisecond so ToID never carries into the wall bits.
	if ms > c.lastMS {
		c.lastMS = ms
		c.logical = 0
	}

	for c.logical >= LogicalMask {
		time.Sleep(100 * time.Microsecond)
		t := c.now().UnixNano()
		if t/1_000_000 > c.lastMS {
			c.wallTime = t
			c.lastMS = t / 1_000_000
			c.logical = 0
		}
	}

	c.logical++
	return Timestamp{WallTime: c.wallTime, Logical: c.logical, NodeID: c.nodeID}
}

// Compare returns -1 if a < b, 0 if equal and 1 if a > b.
func Compare(a, b Timestamp) int {
	switch {
	case a.WallTime != b.WallTime:
		if a.WallTime < b.WallTime {
			return -1
		}
		return 1
	case a.Logical != b.Logical:
		if a.Logical < b.Logical {
			return -1
		}
		return 1
	case a.NodeID != b.NodeID:
		if a.NodeID < b.NodeID {
			return -1
		}
		return 1
	}
	return 0
}

// After reports whether a happened after b.
func After(a, b Timestamp) bool {
	return Compare(a, b) > 0
}

// Time returns the physical part as time.Time.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, t.WallTime)
}

// UnixMilli is the physical part in milliseconds.
func (t Timestamp) UnixMilli() int64 {
	return t.WallTime / 1_000_000
}

func (t Timestamp) String() string {
	return t.Time().Format(time.RFC3339Nano)
}

// ToID packs the timestamp into a unique, time-ordered 64-bit id.
func (t Timestamp) ToID() uint64 {
	ms := uint64(t.WallTime / 1_000_000)
	node := t.NodeID & NodeIDMask
	logical := uint64(t.Logical) & LogicalMask
	return (ms << TotalShiftBits) | (node << LogicalBits) | logical
}
