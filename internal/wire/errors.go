package wire

import (
	"errors"
	"fmt"
)

// ErrProtocol is the sentinel for malformed or unexpected messages.
var ErrProtocol = errors.New("protocol error")

// ProtocolError describes a frame that could not be turned into a valid
// message, or a message that arrived where the protocol does not allow it.
type ProtocolError struct {
	Reason string
	Err    error
}

// NewProtocolError creates a ProtocolError with a formatted reason.
func NewProtocolError(format string, args ...any) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

// Is makes errors.Is(err, ErrProtocol) match any ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
