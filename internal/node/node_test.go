package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"philosophers/internal/config"
	"philosophers/internal/crdt"
	"philosophers/internal/liveness"
	"philosophers/internal/status"
	"philosophers/internal/transport"
	"philosophers/internal/wire"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// freePorts picks n distinct ports from the dynamic range that are free
// right now.
func freePorts(t *testing.T, n int) []int {
	t.Helper()
	seen := make(map[int]bool)
	ports := make([]int, 0, n)
	for attempts := 0; len(ports) < n; attempts++ {
		require.Less(t, attempts, 1000, "no free ports")
		p := config.MinPort + rand.Intn(config.MaxPort-config.MinPort+1)
		if seen[p] {
			continue
		}
		seen[p] = true
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
		if err != nil {
			continue
		}
		lis.Close()
		ports = append(ports, p)
	}
	return ports
}

func fastConfig() config.Config {
	cfg := config.Default()
	cfg.ThinkMin, cfg.ThinkMax = time.Millisecond, 5*time.Millisecond
	cfg.EatMin, cfg.EatMax = time.Millisecond, 3*time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.GossipInterval = 20 * time.Millisecond
	cfg.PingInterval = 200 * time.Millisecond
	cfg.DialAttempts = 50
	cfg.DialBackoff = 20 * time.Millisecond
	return cfg
}

// startRing builds, starts and connects an n-node ring on localhost and
// waits until every node is ready.
func startRing(t *testing.T, n int, base config.Config) []*Node {
	t.Helper()
	cfgs, err := config.BuildRing(base, "127.0.0.1", freePorts(t, n))
	require.NoError(t, err)

	nodes := make([]*Node, n)
	for i, cfg := range cfgs {
		nodes[i], err = New(cfg, WithLogger(quietLogger()), WithRand(rand.New(rand.NewSource(int64(i)))))
		require.NoError(t, err)
		require.NoError(t, nodes[i].Listen())
		t.Cleanup(nodes[i].Stop)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, nd := range nodes {
		nd := nd
		g.Go(func() error { return nd.Connect(gctx) })
	}
	require.NoError(t, g.Wait())

	for _, nd := range nodes {
		select {
		case <-nd.Ready():
		case <-ctx.Done():
			t.Fatalf("node %d not ready", nd.ID())
		}
	}
	return nodes
}

func cycleForks(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.RequestForks(ctx))
	require.NoError(t, n.ReleaseForks(ctx))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := fastConfig()
	cfg.NodeID = 1
	cfg.ListenPort = 8080
	cfg.LeftHost, cfg.LeftPort = "127.0.0.1", 50001
	cfg.RightHost, cfg.RightPort = "127.0.0.1", 50002

	_, err := New(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalid))

	var cfgErr *config.Error
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "listen-port", cfgErr.Field)
}

func TestNode_NeighborsConnected(t *testing.T) {
	nodes := startRing(t, 3, fastConfig())

	for _, n := range nodes {
		assert.NotNil(t, n.Addr())
		st := n.State()
		assert.Equal(t, "IDLE", st.Phase())
		assert.True(t, st.HasReplyToken)
		assert.Equal(t, int64(0), n.Clock())
	}
}

func TestNode_StatusEndpoint(t *testing.T) {
	cfg := fastConfig()
	cfg.StatusAddr = "127.0.0.1:0"
	nodes := startRing(t, 2, cfg)

	resp, err := http.Get("http://" + nodes[0].StatusAddr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + nodes[1].StatusAddr().String() + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var st status.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 2, st.ID)
	assert.True(t, st.Ready)
	assert.Equal(t, "IDLE", st.Phase)
}

func TestNode_PingFlagsAfterRound(t *testing.T) {
	nodes := startRing(t, 3, fastConfig())

	for _, n := range nodes {
		require.NoError(t, n.Probe(context.Background()))
	}
	for _, n := range nodes {
		require.Eventually(t, func() bool {
			left, right := n.Received()
			return left && right
		}, 2*time.Second, 5*time.Millisecond, "node %d", n.ID())
	}
}

// Scenario: two nodes alternate full rounds; clocks go A 6, 12 and B 4, 10.
func TestNode_TwoNodeClockTrajectory(t *testing.T) {
	nodes := startRing(t, 2, fastConfig())
	a, b := nodes[0], nodes[1]

	cycleForks(t, a)
	cycleForks(t, b)
	assert.Equal(t, int64(6), a.Clock())
	assert.Equal(t, int64(4), b.Clock())

	cycleForks(t, a)
	cycleForks(t, b)
	assert.Equal(t, int64(12), a.Clock())
	assert.Equal(t, int64(10), b.Clock())
}

func TestNode_ThreeNodeClockTrajectory(t *testing.T) {
	nodes := startRing(t, 3, fastConfig())

	for round := 1; round <= 2; round++ {
		for _, n := range nodes {
			cycleForks(t, n)
		}
		want := int64(6 * round)
		assert.Equal(t, want, nodes[0].Clock())
		assert.Equal(t, want, nodes[1].Clock())
		assert.Equal(t, want-1, nodes[2].Clock())
	}
}

// Scenario: with idle neighbors a request is granted at once.
func TestNode_IdleNeighborsGrant(t *testing.T) {
	nodes := startRing(t, 3, fastConfig())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, nodes[1].RequestForks(ctx))

	st := nodes[1].State()
	assert.True(t, st.InCriticalSection)
	assert.True(t, st.HasLeftFork && st.HasRightFork)
	for _, n := range []*Node{nodes[0], nodes[2]} {
		assert.Equal(t, 0, n.State().Deferred)
	}
	require.NoError(t, nodes[1].ReleaseForks(ctx))
}

// Scenario: three nodes eat ten times each; gossip converges every counter
// to thirty.
func TestNode_CounterConvergence(t *testing.T) {
	nodes := startRing(t, 3, fastConfig())

	var mu sync.Mutex
	eating := make(map[int]bool)
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *Node) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			for k := 0; k < 10; k++ {
				if err := n.Think(ctx); err != nil {
					t.Errorf("node %d think: %v", n.ID(), err)
					return
				}
				if err := n.RequestForks(ctx); err != nil {
					t.Errorf("node %d request: %v", n.ID(), err)
					return
				}
				mu.Lock()
				left, right := (i+2)%3, (i+1)%3
				if eating[left] || eating[right] {
					t.Errorf("node %d eats next to an eating neighbor", n.ID())
				}
				eating[i] = true
				mu.Unlock()

				err := n.Eat(ctx)

				mu.Lock()
				eating[i] = false
				mu.Unlock()
				if err != nil {
					t.Errorf("node %d eat: %v", n.ID(), err)
					return
				}
				if err := n.ReleaseForks(ctx); err != nil {
					t.Errorf("node %d release: %v", n.ID(), err)
					return
				}
			}
		}(i, n)
	}
	wg.Wait()

	for _, n := range nodes {
		assert.Equal(t, uint64(10), n.Counter()[n.ID()])
	}

	require.Eventually(t, func() bool {
		done := true
		for _, n := range nodes {
			n.PushCounter(context.Background())
			if n.CounterValue() != 30 {
				done = false
			}
		}
		return done
	}, 5*time.Second, 20*time.Millisecond)

	want := crdt.Counts{1: 10, 2: 10, 3: 10}
	for _, n := range nodes {
		assert.True(t, n.Counter().Equal(want), "node %d: %s", n.ID(), n.Counter())
	}
}

func TestNode_EatOutsideCriticalSection(t *testing.T) {
	cfg := fastConfig()
	cfgs, err := config.BuildRing(cfg, "127.0.0.1", []int{50001, 50002})
	require.NoError(t, err)
	n, err := New(cfgs[0], WithLogger(quietLogger()))
	require.NoError(t, err)

	assert.ErrorIs(t, n.Eat(context.Background()), ErrNotEating)
	assert.Equal(t, uint64(0), n.CounterValue())
}

func TestNode_HandleMessageWithoutLinks(t *testing.T) {
	cfgs, err := config.BuildRing(fastConfig(), "127.0.0.1", []int{50001, 50002, 50003})
	require.NoError(t, err)
	n, err := New(cfgs[1], WithLogger(quietLogger()))
	require.NoError(t, err)
	ctx := context.Background()

	// The reply cannot be written, which is a link failure and not a
	// protocol error.
	assert.NoError(t, n.HandleMessage(ctx, wire.NewRequest(1, wire.Left, 3)))
	assert.Equal(t, int64(4), n.Clock())

	assert.NoError(t, n.HandleMessage(ctx, wire.NewCounter(3, wire.Right, crdt.Counts{3: 2})))
	assert.Equal(t, uint64(2), n.CounterValue())

	// Without links no PING can be written, but round 1 still starts.
	assert.Error(t, n.Probe(ctx))
	assert.NoError(t, n.HandleMessage(ctx, wire.NewPing(1, wire.Left, 1, true)))
	left, right := n.Received()
	assert.True(t, left)
	assert.False(t, right)

	err = n.HandleMessage(ctx, wire.Message{Type: wire.Type(42), SenderID: 1})
	assert.ErrorIs(t, err, wire.ErrProtocol)

	err = n.Send(ctx, wire.Left, wire.NewPing(2, wire.Right, 1, false))
	assert.ErrorIs(t, err, transport.ErrLinkClosed)
}

// Scenario: a neighbor dies; the monitor fails the node within a probe
// interval or two.
func TestNode_RunFailsWhenNeighborStops(t *testing.T) {
	cfg := fastConfig()
	cfg.ThinkMin, cfg.ThinkMax = time.Minute, time.Minute
	cfg.PingInterval = 100 * time.Millisecond
	nodes := startRing(t, 3, cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- nodes[0].Run(context.Background()) }()

	select {
	case err := <-errCh:
		t.Fatalf("Run failed with healthy neighbors: %v", err)
	case <-time.After(350 * time.Millisecond):
	}

	nodes[1].Stop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, liveness.ErrNeighborUnresponsive)
		assert.True(t, strings.Contains(err.Error(), "RIGHT"), err.Error())
		assert.False(t, strings.Contains(err.Error(), "LEFT"), err.Error())
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not fail after the right neighbor stopped")
	}
}

func TestNode_RunStopsOnCancel(t *testing.T) {
	nodes := startRing(t, 2, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 2)
	for _, n := range nodes {
		go func(n *Node) { errCh <- n.Run(ctx) }(n)
	}

	require.Eventually(t, func() bool {
		return nodes[0].CounterValue() >= 4 && nodes[1].CounterValue() >= 4
	}, 10*time.Second, 10*time.Millisecond)
	cancel()

	for range nodes {
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}
