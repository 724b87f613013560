// Package httpapi serves read-only status, history, health and metrics
// endpoints over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"geofenced/internal/engine"
	"geofenced/internal/security"
	"geofenced/internal/store"
)

// StatusSource returns the current engine state.
type StatusSource interface {
	Snapshot() engine.Snapshot
}

// HistoryReader lists recorded transitions.
type HistoryReader interface {
	ListTransitions(limit int) ([]store.Transition, error)
}

// Config wires the server. History, Liveness, Readiness and Metrics are
// optional; their routes are omitted when nil.
type Config struct {
	Addr      string
	Status    StatusSource
	History   HistoryReader
	Liveness  http.Handler
	Readiness http.Handler
	Metrics   http.Handler
	Logger    *slog.Logger

	// RequestsPerSecond and RequestBurst limit each remote address. Zero
	// disables limiting.
	RequestsPerSecond float64
	RequestBurst      int
}

// Server is the HTTP listener.
type Server struct {
	cfg    Config
	logger *slog.Logger
	router chi.Router
	srv    *http.Server
}

// New builds the router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{cfg: cfg, logger: logger.With("component", "http")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	if cfg.RequestsPerSecond > 0 {
		r.Use(rateLimit(security.NewKeyedLimiter(cfg.RequestsPerSecond, cfg.RequestBurst)))
	}
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/status", s.handleStatus)
	if cfg.History != nil {
		r.Get("/history", s.handleHistory)
	}
	if cfg.Liveness != nil {
		r.Method(http.MethodGet, "/healthz", cfg.Liveness)
	}
	if cfg.Readiness != nil {
		r.Method(http.MethodGet, "/readyz", cfg.Readiness)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on cfg.Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()
	s.logger.Info("http listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// rateLimit answers 429 once a remote address exceeds its budget.
func rateLimit(limiter *security.KeyedLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !limiter.Allow(host) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	engine.Snapshot
	RegionStateText   string `json:"region_state_text"`
	AuthorizationText string `json:"authorization_text"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.cfg.Status.Snapshot()
	writeJSON(w, http.StatusOK, StatusResponse{
		Snapshot:          snap,
		RegionStateText:   snap.RegionState.Description(),
		AuthorizationText: snap.Authorization.Description(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	transitions, err := s.cfg.History.ListTransitions(limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list transitions", "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	if transitions == nil {
		transitions = []store.Transition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": transitions})
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"elapsed", time.Since(start),
			)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
