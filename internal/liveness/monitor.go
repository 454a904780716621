package liveness

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"philosophers/internal/wire"
)

// ErrNeighborUnresponsive is returned by Run when a neighbor did not echo a
// probe within one interval.
var ErrNeighborUnresponsive = errors.New("neighbor unresponsive")

// Sender writes a message on the outbound link in the given direction.
type Sender interface {
	Send(ctx context.Context, link wire.Direction, msg wire.Message) error
}

// Monitor runs the probe rounds of one node.
type Monitor struct {
	mu       sync.Locker // shared node lock; guards round and the received flags
	nodeID   int
	sender   Sender
	interval time.Duration
	logger   *log.Logger

	round         int64 // current liveness round, 0 before the first round
	receivedLeft  bool
	receivedRight bool
}

// NewMonitor creates a monitor probing every interval.
func NewMonitor(mu sync.Locker, nodeID int, sender Sender, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Monitor{
		mu:       mu,
		nodeID:   nodeID,
		sender:   sender,
		interval: interval,
		logger:   logger,
	}
}

// Run probes until ctx is done or a round fails. It returns nil on
// cancellation and an ErrNeighborUnresponsive wrap naming the silent sides
// otherwise.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		if err := m.Probe(ctx); err != nil {
			m.logger.Printf("ERROR: probe round: %v", err)
		}

		timer := time.NewTimer(m.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if err := m.check(); err != nil {
			m.logger.Printf("ERROR: %v", err)
			return err
		}
	}
}

// Probe starts a new round: it clears the received flags and sends one PING
// stamped with the round to each neighbor.
func (m *Monitor) Probe(ctx context.Context) error {
	m.mu.Lock()
	m.round++
	round := m.round
	m.receivedLeft = false
	m.receivedRight = false
	m.mu.Unlock()

	var errs []error
	for _, link := range wire.Directions {
		if err := m.sender.Send(ctx, link, wire.NewPing(m.nodeID, link.Reverse(), round, false)); err != nil {
			errs = append(errs, fmt.Errorf("send PING to %s neighbor: %w", link, err))
		}
	}
	return errors.Join(errs...)
}

// OnPing handles an inbound PING. A PING with ack=false is echoed once over
// the link toward its sender with the same round; an echo of the current round
// marks that side as alive. Echoes of earlier rounds are stale and dropped.
func (m *Monitor) OnPing(ctx context.Context, msg wire.Message) error {
	if !msg.PingAck {
		echo := wire.NewPing(m.nodeID, msg.Direction.Reverse(), msg.Timestamp, true)
		if err := m.sender.Send(ctx, msg.Direction, echo); err != nil {
			return fmt.Errorf("echo %s to %s neighbor: %w", msg, msg.Direction, err)
		}
		return nil
	}

	m.mu.Lock()
	if msg.Timestamp != m.round {
		current := m.round
		m.mu.Unlock()
		m.logger.Printf("Ignoring stale echo %s, current round %d", msg, current)
		return nil
	}
	if msg.Direction == wire.Left {
		m.receivedLeft = true
	} else {
		m.receivedRight = true
	}
	m.mu.Unlock()
	return nil
}

// Round returns the current liveness round.
func (m *Monitor) Round() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}

// Received reports which neighbors echoed the current round.
func (m *Monitor) Received() (left, right bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivedLeft, m.receivedRight
}

func (m *Monitor) check() error {
	left, right := m.Received()
	var silent []string
	if !left {
		silent = append(silent, wire.Left.String())
	}
	if !right {
		silent = append(silent, wire.Right.String())
	}
	if len(silent) == 0 {
		return nil
	}
	return fmt.Errorf("%w: no PING reply from %s within %s", ErrNeighborUnresponsive, strings.Join(silent, " and "), m.interval)
}
