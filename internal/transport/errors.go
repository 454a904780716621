package transport

import (
	"errors"
	"fmt"

	"philosophers/internal/wire"
)

var (
	// ErrUnreachable is the sentinel for a neighbor that could not be
	// reached within the dial policy.
	ErrUnreachable = errors.New("neighbor unreachable")
	// ErrLinkClosed is returned by Send after the link failed or was closed.
	ErrLinkClosed = errors.New("link closed")
)

// ConnectionError reports that dialing a neighbor exhausted its retries.
type ConnectionError struct {
	Direction wire.Direction
	Addr      string
	Attempts  int
	Err       error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s neighbor at %s failed after %d attempt(s): %v",
		e.Direction, e.Addr, e.Attempts, e.Err)
}

// Is makes errors.Is(err, ErrUnreachable) match any ConnectionError.
func (e *ConnectionError) Is(target error) bool {
	return target == ErrUnreachable
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
