package node

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"philosophers/internal/clock"
	"philosophers/internal/config"
	"philosophers/internal/crdt"
	"philosophers/internal/gossip"
	"philosophers/internal/liveness"
	"philosophers/internal/mutex"
	"philosophers/internal/status"
	"philosophers/internal/transport"
	"philosophers/internal/wire"
)

// ErrNotEating is returned by Eat outside the critical section.
var ErrNotEating = errors.New("not in critical section")

// Option customizes a Node.
type Option func(*Node)

// WithLogger replaces the node's default logger.
func WithLogger(l *log.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithRand sets the random source for think and eat durations.
func WithRand(r *rand.Rand) Option {
	return func(n *Node) { n.rng = r }
}

// Node is one philosopher in the ring.
type Node struct {
	cfg    config.Config
	logger *log.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	// mu is the node lock shared by the coordinator and the monitor.
	mu      sync.Mutex
	clock   *clock.Lamport
	counter *crdt.GCounter
	coord   *mutex.Coordinator
	monitor *liveness.Monitor
	gossip  *gossip.Loop

	server *transport.Server
	status *status.Server

	linksMu sync.RWMutex
	links   [2]*transport.Link

	ready    chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// New validates cfg and builds a node. No network activity happens until
// Listen.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		ready:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.logger == nil {
		n.logger = log.New(os.Stderr, fmt.Sprintf("[node %d] ", cfg.NodeID), log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	}
	if n.rng == nil {
		n.rng = rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.NodeID)))
	}

	n.clock = clock.New()
	n.counter = crdt.New(cfg.NodeID)
	n.coord = mutex.NewCoordinator(&n.mu, cfg.NodeID, n.clock, n, cfg.PollInterval, n.logger)
	n.monitor = liveness.NewMonitor(&n.mu, cfg.NodeID, n, cfg.PingInterval, n.logger)
	n.gossip = gossip.NewLoop(cfg.NodeID, n.counter, n, cfg.GossipInterval, n.logger)
	n.server = transport.NewServer(cfg.NodeID, cfg.ListenAddr(), n, n.logger)
	if cfg.StatusAddr != "" {
		n.status = status.NewServer(cfg.StatusAddr, n, n.logger)
	}
	return n, nil
}

// Listen starts accepting neighbor links and, if configured, the status
// server.
func (n *Node) Listen() error {
	if err := n.server.Start(); err != nil {
		return err
	}
	if n.status != nil {
		if err := n.status.Start(); err != nil {
			n.server.Stop()
			return err
		}
	}
	return nil
}

// Connect dials the left neighbor, then the right one.
func (n *Node) Connect(ctx context.Context) error {
	policy := transport.DialPolicy{Attempts: n.cfg.DialAttempts, Backoff: n.cfg.DialBackoff}
	addrs := [2]string{wire.Left: n.cfg.LeftAddr(), wire.Right: n.cfg.RightAddr()}

	for _, dir := range wire.Directions {
		l, err := transport.Dial(ctx, dir, addrs[dir], policy, n.logger)
		if err != nil {
			return err
		}
		n.linksMu.Lock()
		n.links[dir] = l
		n.linksMu.Unlock()
	}

	go func() {
		select {
		case <-n.server.Ready():
			n.logger.Printf("Neighbors connected")
			close(n.ready)
		case <-n.stopped:
		}
	}()
	return nil
}

// Start listens and connects.
func (n *Node) Start(ctx context.Context) error {
	if err := n.Listen(); err != nil {
		return err
	}
	return n.Connect(ctx)
}

// Ready is closed once both outbound links are up and both neighbors have
// connected back.
func (n *Node) Ready() <-chan struct{} {
	return n.ready
}

// Addr returns the link server address, or nil before Listen.
func (n *Node) Addr() net.Addr {
	return n.server.Addr()
}

// StatusAddr returns the status server address, or nil when disabled.
func (n *Node) StatusAddr() net.Addr {
	if n.status == nil {
		return nil
	}
	return n.status.Addr()
}

// Run drives the node until ctx is done or a loop fails. The returned error
// is fatal for the node.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.dine(gctx) })
	g.Go(func() error { return n.gossip.Run(gctx) })
	g.Go(func() error { return n.monitor.Run(gctx) })
	if n.status != nil {
		g.Go(func() error {
			select {
			case err := <-n.status.Err():
				return err
			case <-gctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return n.status.Shutdown(shutdownCtx)
			}
		})
	}

	return g.Wait()
}

func (n *Node) dine(ctx context.Context) error {
	for {
		if err := n.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// Cycle runs one think, request, eat, release round.
func (n *Node) Cycle(ctx context.Context) error {
	if err := n.Think(ctx); err != nil {
		return err
	}
	if err := n.RequestForks(ctx); err != nil {
		return err
	}
	if err := n.Eat(ctx); err != nil {
		n.ReleaseForks(context.WithoutCancel(ctx))
		return err
	}
	return n.ReleaseForks(ctx)
}

// Think sleeps for a random think interval.
func (n *Node) Think(ctx context.Context) error {
	d := n.randDuration(n.cfg.ThinkMin, n.cfg.ThinkMax)
	n.logger.Printf("Thinking for %s", d)
	return sleep(ctx, d)
}

// RequestForks blocks until both forks are held.
func (n *Node) RequestForks(ctx context.Context) error {
	return n.coord.RequestForks(ctx)
}

// Eat sleeps for a random eat interval, then counts one meal.
func (n *Node) Eat(ctx context.Context) error {
	if !n.coord.State().InCriticalSection {
		return ErrNotEating
	}
	d := n.randDuration(n.cfg.EatMin, n.cfg.EatMax)
	n.logger.Printf("Eating for %s", d)
	if err := sleep(ctx, d); err != nil {
		return err
	}
	local := n.counter.Increment()
	n.logger.Printf("Finished eating (own meals %d, total %d)", local, n.counter.Value())
	return nil
}

// ReleaseForks leaves the critical section and answers deferred requests.
func (n *Node) ReleaseForks(ctx context.Context) error {
	return n.coord.ReleaseForks(ctx)
}

// Probe runs one liveness probe round.
func (n *Node) Probe(ctx context.Context) error {
	return n.monitor.Probe(ctx)
}

// PushCounter sends one gossip round.
func (n *Node) PushCounter(ctx context.Context) error {
	return n.gossip.Push(ctx)
}

// ID returns the node id.
func (n *Node) ID() int {
	return n.cfg.NodeID
}

// Clock returns the current Lamport time.
func (n *Node) Clock() int64 {
	return n.clock.Get()
}

// CounterValue returns the replicated meal total.
func (n *Node) CounterValue() uint64 {
	return n.counter.Value()
}

// Counter returns a copy of the per-node meal counts.
func (n *Node) Counter() crdt.Counts {
	return n.counter.Snapshot()
}

// State returns the protocol flags.
func (n *Node) State() mutex.State {
	return n.coord.State()
}

// Received reports which neighbors echoed the current probe round.
func (n *Node) Received() (left, right bool) {
	return n.monitor.Received()
}

// Stop closes the links and the servers. It is safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopped)
		for _, dir := range wire.Directions {
			n.dropLink(dir)
		}
		n.server.Stop()
		if n.status != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			n.status.Shutdown(ctx)
		}
		n.logger.Printf("Stopped")
	})
}

func (n *Node) randDuration(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return lo + time.Duration(n.rng.Int63n(int64(hi-lo)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
