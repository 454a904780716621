package mutex

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"philosophers/internal/clock"
	"philosophers/internal/wire"
)

// ErrAlreadyRequesting is returned when RequestForks is called while a
// request is in flight or the node is eating.
var ErrAlreadyRequesting = errors.New("fork request already in progress")

// Sender writes a message on the outbound link in the given direction.
type Sender interface {
	Send(ctx context.Context, link wire.Direction, msg wire.Message) error
}

// State is a snapshot of the node's protocol flags.
type State struct {
	HasLeftFork       bool
	HasRightFork      bool
	InCriticalSection bool
	IsRequesting      bool
	RequestTimestamp  int64
	HasReplyToken     bool
	Deferred          int
}

// Phase returns the coordinator phase the flags describe.
func (s State) Phase() string {
	switch {
	case s.InCriticalSection:
		return "EATING"
	case s.IsRequesting:
		return "REQUESTING"
	default:
		return "IDLE"
	}
}

// Coordinator is a node's fork protocol state machine.
//
// All fields below mu are guarded by mu, which the node shares with its
// other components. Link I/O never happens while mu is held.
type Coordinator struct {
	mu           sync.Locker
	nodeID       int
	clock        *clock.Lamport
	sender       Sender
	logger       *log.Logger
	pollInterval time.Duration
	wake         chan struct{}

	hasLeftFork  bool
	hasRightFork bool
	inCS         bool
	requesting   bool
	requestTS    int64
	replyToken   bool
	deferred     *DeferredQueue
}

// NewCoordinator creates a coordinator in the idle state holding the reply
// token, so the first RequestForks runs the full protocol.
func NewCoordinator(mu sync.Locker, nodeID int, clk *clock.Lamport, sender Sender, pollInterval time.Duration, logger *log.Logger) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = 1 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		mu:           mu,
		nodeID:       nodeID,
		clock:        clk,
		sender:       sender,
		logger:       logger,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		replyToken:   true,
		deferred:     NewDeferredQueue(),
	}
}

// RequestForks blocks until the node may enter its critical section.
//
// With the reply token the full round runs: tick, REQUEST to both neighbors,
// wait for both REPLYs. Without it no neighbor asked for the forks since the
// last round, so the node enters directly. There is no timeout; only ctx
// cancellation stops the wait.
func (c *Coordinator) RequestForks(ctx context.Context) error {
	c.mu.Lock()
	if c.inCS || c.requesting {
		c.mu.Unlock()
		return ErrAlreadyRequesting
	}
	if !c.replyToken {
		c.inCS = true
		c.requesting = false
		c.mu.Unlock()
		c.logger.Printf("Forks uncontested since last round, entering critical section")
		return nil
	}
	c.replyToken = false
	ts := c.clock.Tick()
	c.requesting = true
	c.requestTS = ts
	c.mu.Unlock()

	c.logger.Printf("Requesting forks with timestamp %d", ts)
	for _, link := range wire.Directions {
		// The neighbor on our left sees us on its right, and vice versa.
		msg := wire.NewRequest(c.nodeID, link.Reverse(), ts)
		if err := c.sender.Send(ctx, link, msg); err != nil {
			return fmt.Errorf("send %s to %s neighbor: %w", msg, link, err)
		}
		c.logger.Printf("Sent %s on %s link", msg, link)
	}

	return c.awaitForks(ctx)
}

// awaitForks waits for both REPLYs. OnReply wakes it; the poll interval is a
// fallback. Entering the critical section happens in the same locked section
// that observes both forks.
func (c *Coordinator) awaitForks(ctx context.Context) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		if c.hasLeftFork && c.hasRightFork {
			c.inCS = true
			c.requesting = false
			c.mu.Unlock()
			c.logger.Printf("Acquired both forks, entering critical section")
			return nil
		}
		left, right := c.hasLeftFork, c.hasRightFork
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		case <-ticker.C:
			c.logger.Printf("Waiting for forks: left=%t right=%t", left, right)
		}
	}
}

// ReleaseForks leaves the critical section and answers every deferred request
// in the order it arrived.
func (c *Coordinator) ReleaseForks(ctx context.Context) error {
	c.mu.Lock()
	c.inCS = false
	pending := c.deferred.Drain()
	c.hasLeftFork = false
	c.hasRightFork = false
	c.mu.Unlock()

	c.logger.Printf("Releasing forks, %d deferred request(s)", len(pending))

	var errs []error
	for _, r := range pending {
		if err := c.sendReply(ctx, r.Link, r.Direction, r.RequestID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnRequest handles a neighbor's REQUEST. The Direction it carries is also
// the link the REPLY goes out on.
func (c *Coordinator) OnRequest(ctx context.Context, msg wire.Message) error {
	dir, ts, requesterID := msg.Direction, msg.Timestamp, msg.SenderID

	c.mu.Lock()
	c.replyToken = true
	now := c.clock.Sync(ts)

	grant := (!c.inCS && !c.requesting) ||
		(c.requesting && ts < c.requestTS) ||
		(c.requesting && ts == c.requestTS && requesterID < c.nodeID)

	if !grant {
		err := c.deferred.Offer(DeferredRequest{Link: dir, Direction: dir, SenderID: requesterID, Timestamp: ts, RequestID: msg.ShortID()})
		c.mu.Unlock()
		if err != nil {
			c.logger.Printf("ERROR: cannot defer %s: %v", msg, err)
			return &wire.ProtocolError{Reason: fmt.Sprintf("REQUEST %s from node %d", msg.ShortID(), requesterID), Err: err}
		}
		c.logger.Printf("Deferred %s, clock now %d", msg, now)
		return nil
	}
	c.mu.Unlock()

	c.logger.Printf("Granting %s, clock now %d", msg, now)
	return c.sendReply(ctx, dir, dir, msg.ShortID())
}

// OnReply records the fork granted by the neighbor on the side the REPLY
// names. A REPLY that arrives while no request is in flight is a duplicate
// and is dropped, so it cannot pre-grant a fork for the next round.
func (c *Coordinator) OnReply(msg wire.Message) {
	c.mu.Lock()
	if !c.requesting {
		c.mu.Unlock()
		c.logger.Printf("Ignoring %s: no request in flight", msg)
		return
	}
	if msg.Direction == wire.Left {
		c.hasLeftFork = true
	} else {
		c.hasRightFork = true
	}
	c.mu.Unlock()
	c.logger.Printf("Received %s", msg)

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// sendReply answers the REQUEST with id requestID.
func (c *Coordinator) sendReply(ctx context.Context, link, requestDir wire.Direction, requestID string) error {
	reply := wire.NewReply(c.nodeID, requestDir.Reverse())
	if err := c.sender.Send(ctx, link, reply); err != nil {
		return fmt.Errorf("send %s for REQUEST %s to %s neighbor: %w", reply, requestID, link, err)
	}
	c.logger.Printf("Sent %s for REQUEST %s on %s link", reply, requestID, link)
	return nil
}

// State returns a snapshot of the protocol flags.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		HasLeftFork:       c.hasLeftFork,
		HasRightFork:      c.hasRightFork,
		InCriticalSection: c.inCS,
		IsRequesting:      c.requesting,
		RequestTimestamp:  c.requestTS,
		HasReplyToken:     c.replyToken,
		Deferred:          c.deferred.Len(),
	}
}
