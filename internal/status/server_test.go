package status

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"philosophers/internal/crdt"
	"philosophers/internal/mutex"
)

type fakeSource struct {
	ready chan struct{}
	state mutex.State
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		ready: make(chan struct{}),
		state: mutex.State{IsRequesting: true, RequestTimestamp: 4, HasLeftFork: true, Deferred: 1},
	}
}

func (f *fakeSource) ID() int                      { return 2 }
func (f *fakeSource) Clock() int64                 { return 5 }
func (f *fakeSource) Counter() crdt.Counts         { return crdt.Counts{1: 3, 2: 4} }
func (f *fakeSource) State() mutex.State           { return f.state }
func (f *fakeSource) Received() (left, right bool) { return true, false }
func (f *fakeSource) Ready() <-chan struct{}       { return f.ready }

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	src := newFakeSource()
	h := NewServer("127.0.0.1:0", src, quietLogger()).Handler()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz").Code)

	close(src.ready)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
}

func TestStatus(t *testing.T) {
	src := newFakeSource()
	close(src.ready)
	h := NewServer("127.0.0.1:0", src, quietLogger()).Handler()

	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, 2, st.ID)
	assert.True(t, st.Ready)
	assert.Equal(t, "REQUESTING", st.Phase)
	assert.Equal(t, int64(5), st.Clock)
	assert.Equal(t, uint64(7), st.Counter.Value)
	assert.True(t, st.HasLeftFork)
	assert.False(t, st.HasRightFork)
	assert.Equal(t, int64(4), st.RequestTimestamp)
	assert.Equal(t, 1, st.Deferred)
	assert.True(t, st.PingLeft)
	assert.False(t, st.PingRight)
}

func TestCounter(t *testing.T) {
	h := NewServer("127.0.0.1:0", newFakeSource(), quietLogger()).Handler()

	rec := get(t, h, "/counter")
	require.Equal(t, http.StatusOK, rec.Code)

	var c CounterStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&c))
	assert.Equal(t, uint64(7), c.Value)
	assert.True(t, c.Entries.Equal(crdt.Counts{1: 3, 2: 4}))
}

func TestMethodNotAllowed(t *testing.T) {
	h := NewServer("127.0.0.1:0", newFakeSource(), quietLogger()).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	src := newFakeSource()
	close(src.ready)
	s := NewServer("127.0.0.1:0", src, quietLogger())
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr().String() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	select {
	case err := <-s.Err():
		t.Fatalf("unexpected serve error: %v", err)
	default:
	}
}
