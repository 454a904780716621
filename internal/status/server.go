package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"philosophers/internal/crdt"
	"philosophers/internal/mutex"
)

// Source is the node state the endpoints expose.
type Source interface {
	ID() int
	Clock() int64
	Counter() crdt.Counts
	State() mutex.State
	Received() (left, right bool)
	Ready() <-chan struct{}
}

// Status is the body of GET /status.
type Status struct {
	ID      int           `json:"id"`
	Ready   bool          `json:"ready"`
	Phase   string        `json:"phase"`
	Clock   int64         `json:"clock"`
	Counter CounterStatus `json:"counter"`

	HasLeftFork       bool  `json:"hasLeftFork"`
	HasRightFork      bool  `json:"hasRightFork"`
	InCriticalSection bool  `json:"inCriticalSection"`
	IsRequesting      bool  `json:"isRequesting"`
	RequestTimestamp  int64 `json:"requestTimestamp"`
	HasReplyToken     bool  `json:"hasReplyToken"`
	Deferred          int   `json:"deferred"`

	PingLeft  bool `json:"pingLeft"`
	PingRight bool `json:"pingRight"`
}

// CounterStatus is the body of GET /counter.
type CounterStatus struct {
	Value   uint64      `json:"value"`
	Entries crdt.Counts `json:"entries"`
}

// Server is the status HTTP server.
type Server struct {
	addr       string
	src        Source
	logger     *log.Logger
	httpServer *http.Server
	lis        net.Listener
	errCh      chan error
}

// NewServer creates a status server for src on addr.
func NewServer(addr string, src Source, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		addr:   addr,
		src:    src,
		logger: logger,
		errCh:  make(chan error, 1),
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router with all endpoints.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/counter", s.handleCounter).Methods(http.MethodGet)
	return r
}

// Start binds the address and serves in the background. Serve failures are
// reported on Err.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.lis = lis
	s.logger.Printf("Status server listening on %s", lis.Addr())

	go func() {
		if err := s.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- fmt.Errorf("status server: %w", err)
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

// Err reports a serve failure.
func (s *Server) Err() <-chan error {
	return s.errCh
}

// Shutdown stops the server, waiting for in-flight requests until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) ready() bool {
	select {
	case <-s.src.Ready():
		return true
	default:
		return false
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		http.Error(w, "links not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.src.State()
	left, right := s.src.Received()
	writeJSON(w, Status{
		ID:                s.src.ID(),
		Ready:             s.ready(),
		Phase:             st.Phase(),
		Clock:             s.src.Clock(),
		Counter:           s.counter(),
		HasLeftFork:       st.HasLeftFork,
		HasRightFork:      st.HasRightFork,
		InCriticalSection: st.InCriticalSection,
		IsRequesting:      st.IsRequesting,
		RequestTimestamp:  st.RequestTimestamp,
		HasReplyToken:     st.HasReplyToken,
		Deferred:          st.Deferred,
		PingLeft:          left,
		PingRight:         right,
	})
}

func (s *Server) handleCounter(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.counter())
}

func (s *Server) counter() CounterStatus {
	entries := s.src.Counter()
	return CounterStatus{Value: entries.Sum(), Entries: entries}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
