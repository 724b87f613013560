package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrAlreadyRunning is returned by Run when the engine has been started before.
	ErrAlreadyRunning = errors.New("engine: already running")
	// ErrStopped is returned when work is submitted after Run has returned.
	ErrStopped = errors.New("engine: stopped")
)

// Observable is the read side of a Value.
type Observable[T any] interface {
	Get() T
	Subscribe(fn func(T)) (unsubscribe func())
}

// Deps are the subsystem adapters the engine drives. Connectivity may be nil
// when the host has no connectivity backend.
type Deps struct {
	Regions      RegionMonitor
	Connectivity Connectivity
	Store        Persistence
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer used for configuration and event spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithEventHook registers fn to be called on the engine goroutine after
// each event has been applied.
func WithEventHook(fn func(Event)) Option {
	return func(e *Engine) {
		e.hooks = append(e.hooks, fn)
	}
}

// Engine owns the reconciler, the network monitor and every observable they
// drive. State is only touched on the goroutine running Run.
//
// Observable callbacks run on that goroutine too, so a subscriber must not
// call a blocking Engine method such as SetConfiguration from inside its
// callback.
type Engine struct {
	box     *mailbox
	rec     *Reconciler
	wifi    *WifiMonitor
	logger  *slog.Logger
	tracer  trace.Tracer
	hooks   []func(Event)
	running atomic.Bool
	stopped chan struct{}

	recovered bool

	authorization      *Value[AuthorizationStatus]
	servicesEnabled    *Value[bool]
	monitoringGeofence *Value[bool]
	monitoringWifi     *Value[bool]
	regionState        *Value[RegionState]
	networkAccessible  *Value[bool]
	connectedNetwork   *Value[string]
	configuration      *Value[Configuration]
	zone               *Value[ZoneStatus]
}

// New builds an engine and recovers any configuration left by a previous
// run. Recovery only reads from the adapters.
func New(deps Deps, opts ...Option) *Engine {
	e := &Engine{
		box:     newMailbox(),
		logger:  slog.Default(),
		tracer:  otel.Tracer("geofenced/internal/engine"),
		stopped: make(chan struct{}),

		authorization:      NewValue(AuthorizationNotDetermined, equalComparable[AuthorizationStatus]),
		servicesEnabled:    NewValue(false, equalComparable[bool]),
		monitoringGeofence: NewValue(false, equalComparable[bool]),
		monitoringWifi:     NewValue(false, equalComparable[bool]),
		regionState:        NewValue(RegionNone, equalComparable[RegionState]),
		networkAccessible:  NewValue(false, equalComparable[bool]),
		connectedNetwork:   NewValue("", equalComparable[string]),
		configuration:      NewValue(Configuration{}, Configuration.Equal),
		zone:               NewValue(Aggregate(StatusInput{}), equalComparable[ZoneStatus]),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")

	e.wifi = newWifiMonitor(deps.Connectivity, e.Post, e.monitoringWifi, e.networkAccessible,
		e.connectedNetwork, e.logger.With("subcomponent", "wifi"))
	e.rec = &Reconciler{
		regions:         deps.Regions,
		store:           deps.Store,
		wifi:            e.wifi,
		logger:          e.logger,
		config:          e.configuration,
		state:           e.regionState,
		monitoring:      e.monitoringGeofence,
		authorization:   e.authorization,
		servicesEnabled: e.servicesEnabled,
	}

	_, e.recovered = e.rec.recover()
	if cfg := e.configuration.Get(); cfg.TargetNetwork != nil {
		e.monitoringWifi.Set(true)
	}
	e.refreshZone()
	return e
}

// Recovered reports whether New found a configuration from a previous run.
func (e *Engine) Recovered() bool { return e.recovered }

// Run executes queued work until ctx is cancelled. It resumes monitoring for
// a recovered configuration first.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.stopped)
	defer e.box.close()

	e.logger.Info("engine started", "recovered", e.recovered)
	e.rec.resume()
	e.refreshZone()

	for {
		select {
		case <-ctx.Done():
			e.wifi.detach()
			e.logger.Info("engine stopped")
			return nil
		case <-e.box.ready():
			for _, fn := range e.box.drain() {
				fn()
				e.refreshZone()
			}
		}
	}
}

// Post hands ev to the engine goroutine. It never blocks and may be called
// from any goroutine.
func (e *Engine) Post(ev Event) {
	if !e.box.post(func() { e.dispatch(ev) }) {
		e.logger.Debug("event dropped, engine stopped", "event", ev.Kind.String())
	}
}

// SetConfiguration replaces the desired configuration and waits until it
// has been applied. Cancelling ctx stops the wait, not the application.
func (e *Engine) SetConfiguration(ctx context.Context, cfg Configuration) error {
	cfg = cfg.Clone()
	return e.do(ctx, func() {
		_, span := e.tracer.Start(ctx, "engine.SetConfiguration", trace.WithAttributes(
			attribute.Bool("geofence.armed", cfg.Armed()),
			attribute.Float64("geofence.radius_m", cfg.Radius),
			attribute.Bool("geofence.network_target", cfg.TargetNetwork != nil),
		))
		defer span.End()
		e.rec.apply(cfg)
		span.SetAttributes(attribute.String("geofence.region_state", e.regionState.Get().String()))
	})
}

// RequestAuthorization asks the region subsystem to prompt for permission.
// The outcome arrives as an AuthorizationChanged event.
func (e *Engine) RequestAuthorization(ctx context.Context) error {
	return e.do(ctx, func() {
		e.rec.regions.RequestAuthorization()
	})
}

// Flush waits until all work posted before the call has been processed.
func (e *Engine) Flush(ctx context.Context) error {
	return e.do(ctx, func() {})
}

func (e *Engine) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.box.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrStopped
	}
}

func (e *Engine) dispatch(ev Event) {
	_, span := e.tracer.Start(context.Background(), "engine.Event", trace.WithAttributes(
		attribute.String("event.kind", ev.Kind.String()),
		attribute.String("event.region_id", ev.RegionID),
	))
	defer span.End()

	switch ev.Kind {
	case EventReachabilityChanged:
		e.wifi.handle(ev)
	default:
		e.rec.handle(ev)
	}

	for _, hook := range e.hooks {
		hook(ev)
	}
}

func (e *Engine) refreshZone() {
	e.zone.Set(Aggregate(StatusInput{
		RegionState:        e.regionState.Get(),
		MonitoringGeofence: e.monitoringGeofence.Get(),
		MonitoringWifi:     e.monitoringWifi.Get(),
		NetworkAccessible:  e.networkAccessible.Get(),
	}))
}

// Snapshot is a point-in-time copy of every observable.
type Snapshot struct {
	Configuration      Configuration       `json:"configuration"`
	RegionState        RegionState         `json:"region_state"`
	Authorization      AuthorizationStatus `json:"authorization"`
	ServicesEnabled    bool                `json:"services_enabled"`
	MonitoringGeofence bool                `json:"monitoring_geofence"`
	MonitoringWifi     bool                `json:"monitoring_wifi"`
	NetworkAccessible  bool                `json:"network_accessible"`
	ConnectedNetwork   string              `json:"connected_network,omitempty"`
	Zone               ZoneStatus          `json:"zone"`
}

// Snapshot may be called from any goroutine.
func (e *Engine) Snapshot() Snapshot {
	return Snapshot{
		Configuration:      e.configuration.Get().Clone(),
		RegionState:        e.regionState.Get(),
		Authorization:      e.authorization.Get(),
		ServicesEnabled:    e.servicesEnabled.Get(),
		MonitoringGeofence: e.monitoringGeofence.Get(),
		MonitoringWifi:     e.monitoringWifi.Get(),
		NetworkAccessible:  e.networkAccessible.Get(),
		ConnectedNetwork:   e.connectedNetwork.Get(),
		Zone:               e.zone.Get(),
	}
}

func (e *Engine) Authorization() Observable[AuthorizationStatus] { return e.authorization }
func (e *Engine) ServicesEnabled() Observable[bool] { return e.servicesEnabled }
func (e *Engine) MonitoringGeofence() Observable[bool] { return e.monitoringGeofence }
func (e *Engine) MonitoringWifi() Observable[bool] { return e.monitoringWifi }
func (e *Engine) RegionState() Observable[RegionState] { return e.regionState }
func (e *Engine) NetworkAccessible() Observable[bool] { return e.networkAccessible }
func (e *Engine) Configuration() Observable[Configuration] { return e.configuration }
func (e *Engine) Zone() Observable[ZoneStatus] { return e.zone }
