package mutex

import (
	"errors"

	"philosophers/internal/wire"
)

// DeferredCapacity is the queue bound: at most one pending request per
// neighbor link.
const DeferredCapacity = 2

// ErrQueueFull reports a third deferred request. The protocol allows at most
// one outstanding request per neighbor, so this is a defect, not a
// recoverable condition.
var ErrQueueFull = errors.New("deferred request queue full: more than one pending request per neighbor")

// DeferredRequest is a REQUEST that could not be granted on arrival.
type DeferredRequest struct {
	Link      wire.Direction // outbound link the REPLY goes out on
	Direction wire.Direction // direction carried by the REQUEST
	SenderID  int
	Timestamp int64
	RequestID string // message id, for tracing the eventual REPLY
}

// DeferredQueue is a bounded FIFO of deferred requests.
// Thread-safe operations should be handled by the caller.
type DeferredQueue struct {
	items []DeferredRequest
}

// NewDeferredQueue creates an empty queue.
func NewDeferredQueue() *DeferredQueue {
	return &DeferredQueue{items: make([]DeferredRequest, 0, DeferredCapacity)}
}

// Offer appends a request, failing with ErrQueueFull when at capacity.
func (q *DeferredQueue) Offer(r DeferredRequest) error {
	if len(q.items) >= DeferredCapacity {
		return ErrQueueFull
	}
	q.items = append(q.items, r)
	return nil
}

// Drain removes and returns all requests in arrival order.
func (q *DeferredQueue) Drain() []DeferredRequest {
	out := q.items
	q.items = make([]DeferredRequest, 0, DeferredCapacity)
	return out
}

// Len returns the number of deferred requests.
func (q *DeferredQueue) Len() int {
	return len(q.items)
}
