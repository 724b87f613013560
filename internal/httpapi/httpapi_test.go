package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/engine"
	"geofenced/internal/store"
)

type fakeStatus struct{ snap engine.Snapshot }

func (f fakeStatus) Snapshot() engine.Snapshot { return f.snap }

type fakeHistory struct {
	items []store.Transition
	err   error
	limit int
}

func (f *fakeHistory) ListTransitions(limit int) ([]store.Transition, error) {
	f.limit = limit
	return f.items, f.err
}

func newServer(h *fakeHistory) *Server {
	snap := engine.Snapshot{
		RegionState:   engine.RegionInside,
		Authorization: engine.AuthorizationAlways,
		Zone:          engine.ZoneStatus{InsideZone: true, Summary: engine.SummaryInsideRegion},
	}
	cfg := Config{
		Status:  fakeStatus{snap: snap},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { io.WriteString(w, "metrics") }),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if h != nil {
		cfg.History = h
	}
	return New(cfg)
}

func TestStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	newServer(nil).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "inside", body["region_state"])
	assert.Equal(t, "Inside region", body["region_state_text"])
	assert.Equal(t, "always", body["authorization"])
	zone := body["zone"].(map[string]any)
	assert.Equal(t, true, zone["inside_zone"])
}

func TestHistory(t *testing.T) {
	h := &fakeHistory{items: []store.Transition{{ID: 1, Kind: store.TransitionZone, Value: "inside"}}}
	srv := newServer(h)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, h.limit)
	assert.Contains(t, rec.Body.String(), `"value":"inside"`)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.err = errors.New("disk gone")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 50, h.limit)
}

func TestOptionalRoutes(t *testing.T) {
	srv := newServer(nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/history", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "metrics", rec.Body.String())
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newServer(nil).Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/status")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRateLimitPerAddress(t *testing.T) {
	srv := New(Config{
		Status:            fakeStatus{},
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		RequestsPerSecond: 0.001,
		RequestBurst:      2,
	})

	get := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/status", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("10.0.0.1:1000"))
	assert.Equal(t, http.StatusOK, get("10.0.0.1:1001"))
	assert.Equal(t, http.StatusTooManyRequests, get("10.0.0.1:1002"), "ports share the host budget")
	assert.Equal(t, http.StatusOK, get("10.0.0.2:1000"))
}
