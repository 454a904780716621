package crdt

import (
	"math/rand"
	"testing"
)

func randomCounts(rng *rand.Rand) Counts {
	c := make(Counts)
	for id := 1; id <= 5; id++ {
		if rng.Intn(3) > 0 {
			c[id] = uint64(rng.Intn(20))
		}
	}
	return c
}

func merged(a, b Counts) Counts {
	out := a.Copy()
	out.Merge(b)
	return out
}

// TestCounts_Property_MergeIdempotent tests merge(a,a) = a
func TestCounts_Property_MergeIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		a := randomCounts(rng)
		if !merged(a, a).Equal(a) {
			t.Fatalf("merge(a,a) != a for a=%s", a)
		}
	}
}

// TestCounts_Property_MergeCommutative tests merge(a,b) = merge(b,a)
func TestCounts_Property_MergeCommutative(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for i := 0; i < 500; i++ {
		a, b := randomCounts(rng), randomCounts(rng)
		if !merged(a, b).Equal(merged(b, a)) {
			t.Fatalf("merge not commutative for a=%s b=%s", a, b)
		}
	}
}

// TestCounts_Property_MergeAssociative tests merge(merge(a,b),c) = merge(a,merge(b,c))
func TestCounts_Property_MergeAssociative(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		a, b, c := randomCounts(rng), randomCounts(rng), randomCounts(rng)
		left := merged(merged(a, b), c)
		right := merged(a, merged(b, c))
		if !left.Equal(right) {
			t.Fatalf("merge not associative for a=%s b=%s c=%s", a, b, c)
		}
	}
}

// TestCounts_Property_MergeDominatesBoth tests that every entry of the merge
// is at least the entry of each input
func TestCounts_Property_MergeDominatesBoth(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	for i := 0; i < 500; i++ {
		a, b := randomCounts(rng), randomCounts(rng)
		m := merged(a, b)
		for id, n := range a {
			if m[id] < n {
				t.Fatalf("merge lost entry %d of a", id)
			}
		}
		for id, n := range b {
			if m[id] < n {
				t.Fatalf("merge lost entry %d of b", id)
			}
		}
	}
}

// TestGCounter_Property_RingConvergence simulates gossip around a ring with
// random delivery order and duplicates and checks every replica ends up with
// the global number of increments.
func TestGCounter_Property_RingConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const n = 5

	replicas := make([]*GCounter, n)
	var total uint64
	for i := range replicas {
		replicas[i] = New(i + 1)
		eats := rng.Intn(15)
		for j := 0; j < eats; j++ {
			replicas[i].Increment()
			total++
		}
	}

	// Each round every node pushes its snapshot to both ring neighbors,
	// in shuffled order, with some messages delivered twice.
	for round := 0; round < n; round++ {
		type delivery struct {
			to   int
			snap Counts
		}
		var inflight []delivery
		for i, r := range replicas {
			snap := r.Snapshot()
			inflight = append(inflight,
				delivery{to: (i + n - 1) % n, snap: snap},
				delivery{to: (i + 1) % n, snap: snap},
			)
		}
		rng.Shuffle(len(inflight), func(a, b int) { inflight[a], inflight[b] = inflight[b], inflight[a] })
		for _, d := range inflight {
			replicas[d.to].Merge(d.snap)
			if rng.Intn(4) == 0 {
				replicas[d.to].Merge(d.snap)
			}
		}
	}

	for i, r := range replicas {
		if r.Value() != total {
			t.Errorf("replica %d value %d, want %d", i+1, r.Value(), total)
		}
	}
}
