package clock

import (
	"fmt"
	"sync"
)

// Lamport is a scalar logical clock. All operations are atomic relative to
// each other.
type Lamport struct {
	mu sync.Mutex
	ts int64
}

// New creates a clock starting at zero.
func New() *Lamport {
	return &Lamport{}
}

// Tick advances the clock for a locally generated event and returns the
// new value.
func (c *Lamport) Tick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ts++
	return c.ts
}

// Sync folds a received timestamp into the clock: ts = max(ts, received) + 1.
// It returns the new value.
func (c *Lamport) Sync(received int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.ts {
		c.ts = received
	}
	c.ts++
	return c.ts
}

// Get returns the current timestamp.
func (c *Lamport) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts
}

// Compare compares the current timestamp with other.
// Returns -1 if the clock is behind, 0 if equal and 1 if ahead.
func (c *Lamport) Compare(other int64) int {
	return Compare(c.Get(), other)
}

// String returns a string representation of the clock.
func (c *Lamport) String() string {
	return fmt.Sprintf("lamport(%d)", c.Get())
}

// Compare is the three-way comparison of two timestamps.
func Compare(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
