package crdt

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Counts is a G-Counter snapshot: node ID to the number of increments
// that node performed. Thread-safe operations should be handled by the caller.
type Counts map[int]uint64

// Merge merges other into c, keeping the maximum count for each node ID.
func (c Counts) Merge(other Counts) {
	for id, n := range other {
		if c[id] < n {
			c[id] = n
		}
	}
}

// Sum returns the counter value: the sum of all entries.
func (c Counts) Sum() uint64 {
	var total uint64
	for _, n := range c {
		total += n
	}
	return total
}

// Copy creates a deep copy of the snapshot.
func (c Counts) Copy() Counts {
	cp := make(Counts, len(c))
	for k, v := range c {
		cp[k] = v
	}
	return cp
}

// Equal reports whether both snapshots hold the same counts. Missing entries
// count as zero.
func (c Counts) Equal(other Counts) bool {
	for id, n := range c {
		if other[id] != n {
			return false
		}
	}
	for id, n := range other {
		if c[id] != n {
			return false
		}
	}
	return true
}

// String returns a string representation sorted by node ID.
func (c Counts) String() string {
	if len(c) == 0 {
		return "{}"
	}

	ids := make([]int, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%d:%d", id, c[id]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// GCounter is a node's replica of the grow-only counter.
// It's thread-safe.
type GCounter struct {
	mu     sync.RWMutex
	nodeID int
	counts Counts
}

// New creates a counter whose own entry belongs to nodeID.
func New(nodeID int) *GCounter {
	return &GCounter{
		nodeID: nodeID,
		counts: make(Counts),
	}
}

// NodeID returns the ID owning the local entry.
func (g *GCounter) NodeID() int {
	return g.nodeID
}

// Increment adds one to this node's own entry.
func (g *GCounter) Increment() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counts[g.nodeID]++
	return g.counts[g.nodeID]
}

// Merge folds a remote snapshot into the local replica. It reports whether
// any entry grew.
func (g *GCounter) Merge(remote Counts) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	for id, n := range remote {
		if g.counts[id] < n {
			g.counts[id] = n
			changed = true
		}
	}
	return changed
}

// Value returns the sum of all entries.
func (g *GCounter) Value() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.counts.Sum()
}

// Get returns the entry for a node ID, or 0 if not present.
func (g *GCounter) Get(nodeID int) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.counts[nodeID]
}

// Snapshot returns a copy of all entries, safe to send to neighbors.
func (g *GCounter) Snapshot() Counts {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.counts.Copy()
}

// String returns a string representation of the replica.
func (g *GCounter) String() string {
	return g.Snapshot().String()
}
