package gossip

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"philosophers/internal/crdt"
	"philosophers/internal/wire"
)

// Sender writes a message on the outbound link in the given direction.
type Sender interface {
	Send(ctx context.Context, link wire.Direction, msg wire.Message) error
}

// Loop pushes counter snapshots on a fixed period.
type Loop struct {
	nodeID   int
	counter  *crdt.GCounter
	sender   Sender
	interval time.Duration
	logger   *log.Logger
}

// NewLoop creates a gossip loop for counter.
func NewLoop(nodeID int, counter *crdt.GCounter, sender Sender, interval time.Duration, logger *log.Logger) *Loop {
	if interval <= 0 {
		interval = 1 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		nodeID:   nodeID,
		counter:  counter,
		sender:   sender,
		interval: interval,
		logger:   logger,
	}
}

// Run pushes a snapshot every interval until ctx is done. Failed rounds are
// logged and retried on the next tick.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.Push(ctx); err != nil && ctx.Err() == nil {
				l.logger.Printf("Gossip round incomplete: %v", err)
			}
		}
	}
}

// Push sends one snapshot to each neighbor.
func (l *Loop) Push(ctx context.Context) error {
	snapshot := l.counter.Snapshot()

	var errs []error
	for _, link := range wire.Directions {
		if err := l.sender.Send(ctx, link, wire.NewCounter(l.nodeID, link.Reverse(), snapshot)); err != nil {
			errs = append(errs, fmt.Errorf("send COUNTER to %s neighbor: %w", link, err))
		}
	}
	return errors.Join(errs...)
}

// OnCounter merges an inbound snapshot and reports whether the local counter
// changed.
func (l *Loop) OnCounter(msg wire.Message) bool {
	if !l.counter.Merge(msg.Counter) {
		return false
	}
	l.logger.Printf("Merged counter from node %d, total now %d", msg.SenderID, l.counter.Value())
	return true
}
