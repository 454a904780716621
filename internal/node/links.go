package node

import (
	"context"
	"errors"
	"fmt"

	"philosophers/internal/transport"
	"philosophers/internal/wire"
)

// Send writes msg on the outbound link in direction link. A failed write
// closes that link for good; the liveness monitor turns the silence into a
// node failure.
func (n *Node) Send(ctx context.Context, link wire.Direction, msg wire.Message) error {
	n.linksMu.RLock()
	l := n.links[link]
	n.linksMu.RUnlock()

	if l == nil {
		return fmt.Errorf("%s link: %w", link, transport.ErrLinkClosed)
	}
	if err := l.Send(ctx, msg); err != nil {
		if ctx.Err() == nil {
			n.logger.Printf("ERROR: %s link failed: %v; closing it", link, err)
			n.dropLink(link)
		}
		return err
	}
	return nil
}

func (n *Node) dropLink(link wire.Direction) {
	n.linksMu.Lock()
	l := n.links[link]
	n.links[link] = nil
	n.linksMu.Unlock()

	if l != nil {
		l.Close()
	}
}

// HandleMessage dispatches one inbound message. Only protocol violations are
// returned, which closes the inbound link they arrived on; failed replies
// were already handled by Send.
func (n *Node) HandleMessage(ctx context.Context, msg wire.Message) error {
	var err error
	switch msg.Type {
	case wire.Request:
		err = n.coord.OnRequest(ctx, msg)
	case wire.Reply:
		n.coord.OnReply(msg)
	case wire.Counter:
		n.gossip.OnCounter(msg)
	case wire.Ping:
		err = n.monitor.OnPing(ctx, msg)
	default:
		return wire.NewProtocolError("unknown message type %d from node %d", int(msg.Type), msg.SenderID)
	}

	if err != nil && errors.Is(err, wire.ErrProtocol) {
		return err
	}
	return nil
}
