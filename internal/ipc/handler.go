package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"geofenced/internal/engine"
	"geofenced/internal/geo"
	"geofenced/internal/logging"
	"geofenced/internal/regionmon"
	"geofenced/internal/store"
)

// Engine is the part of the reconciliation engine the handler drives.
type Engine interface {
	Snapshot() engine.Snapshot
	SetConfiguration(ctx context.Context, cfg engine.Configuration) error
	RequestAuthorization(ctx context.Context) error
	Flush(ctx context.Context) error
}

// Locator is the region monitor: it accepts injected fixes and reports the
// last one.
type Locator interface {
	Update(fix regionmon.Fix)
	LastFix() (regionmon.Fix, bool)
}

// NetworkSimulator replaces the current connection. connectivity.Static
// implements it.
type NetworkSimulator interface {
	Update(kind engine.ConnectionKind, name string)
}

// HistoryReader lists recorded transitions.
type HistoryReader interface {
	ListTransitions(limit int) ([]store.Transition, error)
}

// RequestObserver records request outcomes, typically into metrics.
type RequestObserver interface {
	ObserveRequest(kind string, err error, elapsed time.Duration)
}

// DaemonHandlerConfig wires the handler to the daemon's components. Locator
// is always needed for status; InjectFixes enables MsgInjectFix. Network and
// History may be nil, which makes the corresponding requests unsupported.
type DaemonHandlerConfig struct {
	Version             string
	Engine              Engine
	Locator             Locator
	InjectFixes         bool
	Network             NetworkSimulator
	History             HistoryReader
	Observer            RequestObserver
	LocationSource      string
	ConnectivityBackend string
	// ConfigManaged reports whether the config file owns the geofence, in
	// which case IPC changes are refused.
	ConfigManaged func() bool
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// DaemonHandler implements Handler for the geofenced daemon.
type DaemonHandler struct {
	cfg       DaemonHandlerConfig
	logger    *slog.Logger
	startedAt time.Time
	requests  atomic.Uint64
}

var errConfigManaged = errors.New("geofence is managed by the configuration file")

// NewDaemonHandler creates a handler.
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ConfigManaged == nil {
		cfg.ConfigManaged = func() bool { return false }
	}
	return &DaemonHandler{
		cfg:       cfg,
		logger:    logger.With("component", "ipc-handler"),
		startedAt: time.Now(),
	}
}

// HandleMessage dispatches a request. Each request gets its own request ID
// for log correlation.
func (h *DaemonHandler) HandleMessage(ctx context.Context, session *Session, msg *Message) (*Message, error) {
	id := logging.NewRequestID(&h.requests)
	ctx = logging.ContextWithRequestID(ctx, id)
	ctx, cancel := context.WithTimeout(ctx, h.cfg.RequestTimeout)
	defer cancel()

	logger := h.logger.With("request_id", id, "session", session.ID, "type", msg.Header.Type.String())
	start := time.Now()

	resp, err := h.dispatch(ctx, session, msg)
	if h.cfg.Observer != nil {
		h.cfg.Observer.ObserveRequest(msg.Header.Type.String(), requestError(resp, err), time.Since(start))
	}
	if err != nil {
		logger.Warn("request failed", "error", err, "elapsed", time.Since(start))
		return nil, err
	}
	logger.Debug("request handled", "elapsed", time.Since(start))
	return resp, nil
}

func requestError(resp *Message, err error) error {
	if err != nil {
		return err
	}
	if resp != nil && resp.Header.Type == MsgError {
		return errors.New("error response")
	}
	return nil
}

func (h *DaemonHandler) dispatch(ctx context.Context, session *Session, msg *Message) (*Message, error) {
	reqID := msg.Header.RequestID

	if writeRequest(msg.Header.Type) && !session.CanWrite() {
		return NewErrorMessage(reqID, ErrPermissionDenied, "read-only session"), nil
	}
	if err := ValidatePayload(msg.Header.Type, msg.Payload); err != nil {
		return invalidRequest(reqID, err), nil
	}

	switch msg.Header.Type {
	case MsgStatusRequest:
		return NewResponse(MsgStatusResponse, reqID, h.status())
	case MsgSetConfiguration:
		return h.setConfiguration(ctx, msg)
	case MsgClearConfiguration:
		return h.clearConfiguration(ctx, msg)
	case MsgRequestAuthorization:
		return h.requestAuthorization(ctx, msg)
	case MsgInjectFix:
		return h.injectFix(ctx, msg)
	case MsgSetNetwork:
		return h.setNetwork(ctx, msg)
	case MsgGetHistory:
		return h.history(msg)
	default:
		return NewErrorMessage(reqID, ErrInvalidRequest, fmt.Sprintf("unknown message type %s", msg.Header.Type)), nil
	}
}

func writeRequest(t MessageType) bool {
	switch t {
	case MsgSetConfiguration, MsgClearConfiguration, MsgRequestAuthorization, MsgInjectFix, MsgSetNetwork:
		return true
	}
	return false
}

func invalidRequest(reqID uint32, err error) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    ErrInvalidRequest,
		Message: "invalid request",
		Details: err.Error(),
	})
	return NewMessage(MsgError, reqID, payload)
}

func (h *DaemonHandler) status() *StatusResponse {
	snap := h.cfg.Engine.Snapshot()
	resp := &StatusResponse{
		Version:             h.cfg.Version,
		StartedAt:           h.startedAt,
		Uptime:              time.Since(h.startedAt).Round(time.Second),
		Snapshot:            snap,
		RegionStateText:     snap.RegionState.Description(),
		AuthorizationText:   snap.Authorization.Description(),
		LocationSource:      h.cfg.LocationSource,
		ConnectivityBackend: h.cfg.ConnectivityBackend,
		ConfigManaged:       h.cfg.ConfigManaged(),
	}
	if h.cfg.Locator != nil {
		if fix, ok := h.cfg.Locator.LastFix(); ok {
			resp.LastFix = &Fix{
				Latitude:  fix.Coordinate.Latitude,
				Longitude: fix.Coordinate.Longitude,
				Accuracy:  fix.Accuracy,
				At:        fix.At,
			}
		}
	}
	return resp
}

func (h *DaemonHandler) setConfiguration(ctx context.Context, msg *Message) (*Message, error) {
	if h.cfg.ConfigManaged() {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, errConfigManaged.Error()), nil
	}

	var req SetConfigurationRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalidRequest(msg.Header.RequestID, err), nil
	}

	cfg := engine.Configuration{Radius: req.Radius, TargetNetwork: req.TargetNetwork}
	if req.Center != nil {
		cfg.Center = &geo.Coordinate{Latitude: req.Center.Latitude, Longitude: req.Center.Longitude}
	}
	return h.apply(ctx, msg, cfg, MsgSetConfigurationResp)
}

func (h *DaemonHandler) clearConfiguration(ctx context.Context, msg *Message) (*Message, error) {
	if h.cfg.ConfigManaged() {
		return NewErrorMessage(msg.Header.RequestID, ErrPermissionDenied, errConfigManaged.Error()), nil
	}
	return h.apply(ctx, msg, engine.Configuration{}, MsgClearConfigurationResp)
}

func (h *DaemonHandler) apply(ctx context.Context, msg *Message, cfg engine.Configuration, respType MessageType) (*Message, error) {
	if err := h.cfg.Engine.SetConfiguration(ctx, cfg); err != nil {
		return nil, fmt.Errorf("apply configuration: %w", err)
	}
	h.logger.Info("configuration set over ipc",
		"request_id", logging.RequestIDFromContext(ctx), "configuration", cfg.String())

	snap := h.cfg.Engine.Snapshot()
	return NewResponse(respType, msg.Header.RequestID, &ConfigurationResponse{
		Configuration: snap.Configuration,
		Zone:          snap.Zone,
	})
}

func (h *DaemonHandler) requestAuthorization(ctx context.Context, msg *Message) (*Message, error) {
	if err := h.cfg.Engine.RequestAuthorization(ctx); err != nil {
		return nil, fmt.Errorf("request authorization: %w", err)
	}
	return NewResponse(MsgRequestAuthResp, msg.Header.RequestID, &AuthorizationResponse{
		Authorization: h.cfg.Engine.Snapshot().Authorization,
	})
}

func (h *DaemonHandler) injectFix(ctx context.Context, msg *Message) (*Message, error) {
	if !h.cfg.InjectFixes || h.cfg.Locator == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrUnsupported, "fix injection requires the manual location source"), nil
	}

	var req Fix
	if err := Decode(msg.Payload, &req); err != nil {
		return invalidRequest(msg.Header.RequestID, err), nil
	}

	h.cfg.Locator.Update(regionmon.Fix{
		Coordinate: geo.Coordinate{Latitude: req.Latitude, Longitude: req.Longitude},
		Accuracy:   req.Accuracy,
		At:         req.At,
	})
	// Events produced by the fix are queued on the engine; wait for them.
	if err := h.cfg.Engine.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush engine: %w", err)
	}

	snap := h.cfg.Engine.Snapshot()
	return NewResponse(MsgInjectFixResp, msg.Header.RequestID, &InjectFixResponse{
		RegionState: snap.RegionState,
		Zone:        snap.Zone,
	})
}

func (h *DaemonHandler) setNetwork(ctx context.Context, msg *Message) (*Message, error) {
	if h.cfg.Network == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrUnsupported, "network simulation requires the static connectivity backend"), nil
	}

	var req SetNetworkRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return invalidRequest(msg.Header.RequestID, err), nil
	}

	kind, err := ParseConnectionKind(req.Kind)
	if err != nil {
		return invalidRequest(msg.Header.RequestID, err), nil
	}
	h.cfg.Network.Update(kind, req.Name)
	if err := h.cfg.Engine.Flush(ctx); err != nil {
		return nil, fmt.Errorf("flush engine: %w", err)
	}

	snap := h.cfg.Engine.Snapshot()
	return NewResponse(MsgSetNetworkResp, msg.Header.RequestID, &SetNetworkResponse{
		NetworkAccessible: snap.NetworkAccessible,
		Zone:              snap.Zone,
	})
}

func (h *DaemonHandler) history(msg *Message) (*Message, error) {
	if h.cfg.History == nil {
		return NewErrorMessage(msg.Header.RequestID, ErrUnsupported, "history not available"), nil
	}

	var req GetHistoryRequest
	if len(msg.Payload) > 0 {
		if err := Decode(msg.Payload, &req); err != nil {
			return invalidRequest(msg.Header.RequestID, err), nil
		}
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}

	transitions, err := h.cfg.History.ListTransitions(limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	if transitions == nil {
		transitions = []store.Transition{}
	}
	return NewResponse(MsgGetHistoryResp, msg.Header.RequestID, &GetHistoryResponse{Transitions: transitions})
}

// ParseConnectionKind maps the wire names to connection kinds.
func ParseConnectionKind(s string) (engine.ConnectionKind, error) {
	switch strings.ToLower(s) {
	case "wifi":
		return engine.ConnectionWifi, nil
	case "other":
		return engine.ConnectionOther, nil
	case "none", "":
		return engine.ConnectionNone, nil
	}
	return engine.ConnectionNone, fmt.Errorf("unknown connection kind %q", s)
}
