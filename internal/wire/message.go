package wire

import (
	"fmt"

	"github.com/google/uuid"

	"philosophers/internal/crdt"
)

// Direction identifies a neighbor link.
type Direction int

const (
	Left Direction = iota
	Right
)

// Directions lists both links in the order they are served.
var Directions = [2]Direction{Left, Right}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == Left {
		return Right
	}
	return Left
}

// Valid reports whether d is Left or Right.
func (d Direction) Valid() bool {
	return d == Left || d == Right
}

// String returns the string representation of Direction.
func (d Direction) String() string {
	switch d {
	case Left:
		return "LEFT"
	case Right:
		return "RIGHT"
	default:
		return "UNKNOWN"
	}
}

// ParseDirection converts the wire string back to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "LEFT":
		return Left, nil
	case "RIGHT":
		return Right, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

// Type is the message discriminator.
type Type int

const (
	Request Type = iota + 1
	Reply
	Counter
	Ping
)

// String returns the string representation of Type.
func (t Type) String() string {
	switch t {
	case Request:
		return "REQUEST"
	case Reply:
		return "REPLY"
	case Counter:
		return "COUNTER"
	case Ping:
		return "PING"
	default:
		return "UNKNOWN"
	}
}

// ParseType converts the wire string back to a Type.
func ParseType(s string) (Type, error) {
	switch s {
	case "REQUEST":
		return Request, nil
	case "REPLY":
		return Reply, nil
	case "COUNTER":
		return Counter, nil
	case "PING":
		return Ping, nil
	default:
		return 0, fmt.Errorf("unknown message type %q", s)
	}
}

// Message is one protocol message.
//
// Direction names the side of the receiver on which the sender sits: a node
// writing to its left neighbor sends Right, and the receiver answers over its
// own Right link with the direction reversed.
type Message struct {
	ID        string
	Type      Type
	SenderID  int
	Direction Direction
	Timestamp int64       // REQUEST clock, PING liveness round
	Counter   crdt.Counts // COUNTER only
	PingAck   bool        // PING only
}

// NewRequest creates a REQUEST stamped with the requester's clock.
func NewRequest(senderID int, dir Direction, ts int64) Message {
	return Message{ID: uuid.NewString(), Type: Request, SenderID: senderID, Direction: dir, Timestamp: ts}
}

// NewReply creates a REPLY granting the fork shared with the receiver.
func NewReply(senderID int, dir Direction) Message {
	return Message{ID: uuid.NewString(), Type: Reply, SenderID: senderID, Direction: dir}
}

// NewCounter creates a COUNTER carrying a full G-Counter snapshot.
func NewCounter(senderID int, dir Direction, snapshot crdt.Counts) Message {
	return Message{ID: uuid.NewString(), Type: Counter, SenderID: senderID, Direction: dir, Counter: snapshot}
}

// NewPing creates a liveness PING (ack=false) or its echo (ack=true). An
// echo carries the round of the PING it answers. The round is not a clock
// value.
func NewPing(senderID int, dir Direction, round int64, ack bool) Message {
	return Message{ID: uuid.NewString(), Type: Ping, SenderID: senderID, Direction: dir, Timestamp: round, PingAck: ack}
}

// ShortID returns the first eight characters of the id, enough to follow a
// message across node logs.
func (m Message) ShortID() string {
	if len(m.ID) > 8 {
		return m.ID[:8]
	}
	return m.ID
}

// String returns a short representation for logs.
func (m Message) String() string {
	switch m.Type {
	case Request:
		return fmt.Sprintf("%s[%s]{from=%d dir=%s ts=%d}", m.Type, m.ShortID(), m.SenderID, m.Direction, m.Timestamp)
	case Counter:
		return fmt.Sprintf("%s[%s]{from=%d dir=%s counts=%s}", m.Type, m.ShortID(), m.SenderID, m.Direction, m.Counter)
	case Ping:
		return fmt.Sprintf("%s[%s]{from=%d dir=%s round=%d ack=%t}", m.Type, m.ShortID(), m.SenderID, m.Direction, m.Timestamp, m.PingAck)
	default:
		return fmt.Sprintf("%s[%s]{from=%d dir=%s}", m.Type, m.ShortID(), m.SenderID, m.Direction)
	}
}
