package wire

import (
	"math"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"philosophers/internal/crdt"
)

// Frame field names.
const (
	fieldID        = "id"
	fieldType      = "type"
	fieldSender    = "sender"
	fieldDirection = "direction"
	fieldTimestamp = "timestamp"
	fieldCounter   = "counter"
	fieldAck       = "ack"
)

// Struct number values are float64; integers above this lose precision.
const maxExactInt = 1 << 53

// Encode converts a message into its frame.
func Encode(m Message) (*structpb.Struct, error) {
	if !m.Direction.Valid() {
		return nil, NewProtocolError("cannot encode direction %d", m.Direction)
	}

	fields := map[string]any{
		fieldID:        m.ID,
		fieldType:      m.Type.String(),
		fieldSender:    m.SenderID,
		fieldDirection: m.Direction.String(),
	}

	switch m.Type {
	case Request:
		fields[fieldTimestamp] = m.Timestamp
	case Reply:
	case Counter:
		counts := make(map[string]any, len(m.Counter))
		for id, n := range m.Counter {
			counts[strconv.Itoa(id)] = n
		}
		fields[fieldCounter] = counts
	case Ping:
		fields[fieldTimestamp] = m.Timestamp
		fields[fieldAck] = m.PingAck
	default:
		return nil, NewProtocolError("cannot encode message type %d", m.Type)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, &ProtocolError{Reason: "encode frame", Err: err}
	}
	return s, nil
}

// Decode converts a frame back into a message, validating every field the
// message type requires.
func Decode(s *structpb.Struct) (Message, error) {
	if s == nil {
		return Message{}, NewProtocolError("empty frame")
	}
	fields := s.GetFields()

	typeStr, err := stringField(fields, fieldType)
	if err != nil {
		return Message{}, err
	}
	typ, err := ParseType(typeStr)
	if err != nil {
		return Message{}, &ProtocolError{Reason: "decode type", Err: err}
	}

	sender, err := intField(fields, fieldSender)
	if err != nil {
		return Message{}, err
	}
	if sender <= 0 {
		return Message{}, NewProtocolError("sender id %d must be positive", sender)
	}

	dirStr, err := stringField(fields, fieldDirection)
	if err != nil {
		return Message{}, err
	}
	dir, err := ParseDirection(dirStr)
	if err != nil {
		return Message{}, &ProtocolError{Reason: "decode direction", Err: err}
	}

	m := Message{
		ID:        fields[fieldID].GetStringValue(),
		Type:      typ,
		SenderID:  int(sender),
		Direction: dir,
	}

	switch typ {
	case Request:
		ts, err := intField(fields, fieldTimestamp)
		if err != nil {
			return Message{}, err
		}
		if ts < 0 {
			return Message{}, NewProtocolError("negative timestamp %d", ts)
		}
		m.Timestamp = ts
	case Counter:
		counts, err := countsField(fields, fieldCounter)
		if err != nil {
			return Message{}, err
		}
		m.Counter = counts
	case Ping:
		round, err := intField(fields, fieldTimestamp)
		if err != nil {
			return Message{}, err
		}
		if round < 0 {
			return Message{}, NewProtocolError("negative ping round %d", round)
		}
		m.Timestamp = round
		v, ok := fields[fieldAck]
		if !ok {
			return Message{}, NewProtocolError("%s without %q", typ, fieldAck)
		}
		b, ok := v.GetKind().(*structpb.Value_BoolValue)
		if !ok {
			return Message{}, NewProtocolError("field %q is not a bool", fieldAck)
		}
		m.PingAck = b.BoolValue
	}

	return m, nil
}

func stringField(fields map[string]*structpb.Value, name string) (string, error) {
	v, ok := fields[name]
	if !ok {
		return "", NewProtocolError("missing field %q", name)
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", NewProtocolError("field %q is not a string", name)
	}
	return s.StringValue, nil
}

func intField(fields map[string]*structpb.Value, name string) (int64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, NewProtocolError("missing field %q", name)
	}
	return toInt(name, v)
}

func toInt(name string, v *structpb.Value) (int64, error) {
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, NewProtocolError("field %q is not a number", name)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || math.Abs(f) > maxExactInt {
		return 0, NewProtocolError("field %q is not an integer: %v", name, f)
	}
	return int64(f), nil
}

func countsField(fields map[string]*structpb.Value, name string) (crdt.Counts, error) {
	v, ok := fields[name]
	if !ok {
		return nil, NewProtocolError("missing field %q", name)
	}
	st, ok := v.GetKind().(*structpb.Value_StructValue)
	if !ok {
		return nil, NewProtocolError("field %q is not an object", name)
	}

	counts := make(crdt.Counts, len(st.StructValue.GetFields()))
	for key, entry := range st.StructValue.GetFields() {
		id, err := strconv.Atoi(key)
		if err != nil || id <= 0 {
			return nil, NewProtocolError("counter key %q is not a node id", key)
		}
		n, err := toInt(name+"."+key, entry)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, NewProtocolError("counter entry %d is negative", id)
		}
		counts[id] = uint64(n)
	}
	return counts, nil
}
