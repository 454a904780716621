package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"google.golang.org/grpc"
	grpcbackoff "google.golang.org/grpc/backoff"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"

	"philosophers/internal/wire"
)

// Connection timeout for a single attempt.
const dialTimeout = 5 * time.Second

// DialPolicy bounds connection setup: Attempts tries spaced by a constant
// Backoff.
type DialPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Link is the outbound side of one neighbor relationship.
type Link struct {
	dir    wire.Direction
	addr   string
	logger *log.Logger
	conn   *grpc.ClientConn
	cancel context.CancelFunc

	mu     sync.Mutex // serializes frames on the stream
	stream grpc.ClientStream
	closed bool
}

// Dial connects to the neighbor in direction dir, retrying per policy.
// ctx bounds only the connection setup; the link lives until Close.
func Dial(ctx context.Context, dir wire.Direction, addr string, policy DialPolicy, logger *log.Logger) (*Link, error) {
	if logger == nil {
		logger = log.Default()
	}
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: grpcbackoff.Config{
				BaseDelay:  policy.Backoff,
				Multiplier: 1.0,
				MaxDelay:   policy.Backoff,
			},
			MinConnectTimeout: dialTimeout,
		}),
	)
	if err != nil {
		return nil, &ConnectionError{Direction: dir, Addr: addr, Err: err}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	var stream grpc.ClientStream
	attempts := 0
	open := func() error {
		attempts++
		attemptCtx, attemptCancel := context.WithTimeout(ctx, dialTimeout)
		defer attemptCancel()
		if err := waitReady(attemptCtx, conn); err != nil {
			return err
		}
		s, err := conn.NewStream(streamCtx, &ringServiceDesc.Streams[0], linkMethod)
		if err != nil {
			return err
		}
		stream = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Printf("Could not connect to %s neighbor at %s (attempt %d/%d): %v; retrying in %s",
			dir, addr, attempts, policy.Attempts, err, wait)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(policy.Backoff), uint64(policy.Attempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(open, b, notify); err != nil {
		cancel()
		conn.Close()
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{Direction: dir, Addr: addr, Attempts: attempts, Err: err}
	}

	logger.Printf("Connected to %s neighbor at %s", dir, addr)
	return &Link{
		dir:    dir,
		addr:   addr,
		logger: logger,
		conn:   conn,
		cancel: cancel,
		stream: stream,
	}, nil
}

// waitReady drives the channel until it is ready or one connection attempt
// fails. A failure left over from an earlier attempt is waited out.
func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	attempted := false
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("connection shut down")
		case connectivity.Connecting:
			attempted = true
		case connectivity.TransientFailure:
			if attempted {
				return errors.New("connection refused or timed out")
			}
		}
		if !conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

// Direction returns the neighbor side this link reaches.
func (l *Link) Direction() wire.Direction {
	return l.dir
}

// Addr returns the neighbor address.
func (l *Link) Addr() string {
	return l.addr
}

// Send writes one message as one frame. Concurrent callers are serialized.
func (l *Link) Send(ctx context.Context, msg wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("send %s to %s neighbor: %w", msg.Type, l.dir, ErrLinkClosed)
	}
	if err := l.stream.SendMsg(frame); err != nil {
		if errors.Is(err, io.EOF) {
			// The neighbor ended the stream; its status explains why.
			if recvErr := l.stream.RecvMsg(new(emptypb.Empty)); recvErr != nil && !errors.Is(recvErr, io.EOF) {
				err = recvErr
			}
			l.closed = true
			return fmt.Errorf("send %s to %s neighbor: %w: %v", msg.Type, l.dir, ErrLinkClosed, err)
		}
		return fmt.Errorf("send %s to %s neighbor: %w", msg.Type, l.dir, err)
	}
	return nil
}

// Close ends the stream and the connection. It is safe to call twice.
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed && l.cancel == nil {
		return nil
	}
	l.closed = true
	if l.stream != nil {
		l.stream.CloseSend()
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	return l.conn.Close()
}
