package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"philosophers/internal/wire"
)

// InboundLinks is the number of neighbor links a node accepts.
const InboundLinks = 2

// Handler consumes decoded inbound messages. An error closes the link the
// message arrived on.
type Handler interface {
	HandleMessage(ctx context.Context, msg wire.Message) error
}

// Server accepts the inbound links of one node.
type Server struct {
	nodeID     int
	listenAddr string
	handler    Handler
	logger     *log.Logger
	grpcServer *grpc.Server
	lis        net.Listener

	mu        sync.Mutex
	admitted  int
	ready     chan struct{}
	readyOnce sync.Once
}

// NewServer creates a link server. Call Start to begin listening.
func NewServer(nodeID int, listenAddr string, handler Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		nodeID:     nodeID,
		listenAddr: listenAddr,
		handler:    handler,
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddr, err)
	}
	s.lis = lis

	s.grpcServer = grpc.NewServer()
	RegisterLinkServer(s.grpcServer, s)

	// Enable gRPC reflection for grpcurl
	reflection.Register(s.grpcServer)

	s.logger.Printf("Link server listening on %s", lis.Addr())
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Printf("ERROR: link server stopped: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Ready is closed once both neighbors have opened their links.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Admitted returns how many inbound links were accepted.
func (s *Server) Admitted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.admitted
}

// Stop closes the listener and every inbound link. Links are long-lived, so
// there is no graceful drain.
func (s *Server) Stop() {
	if s.grpcServer != nil {
		s.logger.Printf("Stopping link server")
		s.grpcServer.Stop()
	}
}

func (s *Server) admit() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.admitted >= InboundLinks {
		return 0, false
	}
	s.admitted++
	if s.admitted == InboundLinks {
		s.readyOnce.Do(func() { close(s.ready) })
	}
	return s.admitted, true
}

// Link runs the receive loop of one inbound link.
func (s *Server) Link(stream grpc.ServerStream) error {
	slot, ok := s.admit()
	if !ok {
		return status.Errorf(codes.ResourceExhausted, "node %d already accepted %d links", s.nodeID, InboundLinks)
	}

	from := "unknown"
	if p, ok := peer.FromContext(stream.Context()); ok {
		from = p.Addr.String()
	}
	s.logger.Printf("Inbound link %d/%d connected from %s", slot, InboundLinks, from)

	ctx := stream.Context()
	for {
		frame := new(structpb.Struct)
		if err := stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Printf("ERROR: inbound link %d from %s: %v", slot, from, wire.NewProtocolError("unexpected end of stream"))
				return stream.SendMsg(&emptypb.Empty{})
			}
			s.logger.Printf("ERROR: inbound link %d from %s closed: %v", slot, from, err)
			return err
		}

		msg, err := wire.Decode(frame)
		if err != nil {
			s.logger.Printf("ERROR: inbound link %d from %s: %v; closing link", slot, from, err)
			return status.Error(codes.InvalidArgument, err.Error())
		}

		s.logger.Printf("Received %s on inbound link %d", msg, slot)
		if err := s.handler.HandleMessage(ctx, msg); err != nil {
			s.logger.Printf("ERROR: inbound link %d from %s: handling %s: %v; closing link", slot, from, msg, err)
			return status.Error(codes.Aborted, err.Error())
		}
	}
}
