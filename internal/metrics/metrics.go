// Package metrics exposes engine state and activity as Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"geofenced/internal/engine"
)

// Source exposes the observables mirrored into gauges. *engine.Engine
// satisfies it.
type Source interface {
	RegionState() engine.Observable[engine.RegionState]
	Zone() engine.Observable[engine.ZoneStatus]
	Authorization() engine.Observable[engine.AuthorizationStatus]
	MonitoringGeofence() engine.Observable[bool]
	MonitoringWifi() engine.Observable[bool]
	NetworkAccessible() engine.Observable[bool]
	Configuration() engine.Observable[engine.Configuration]
}

var (
	regionStates = []engine.RegionState{
		engine.RegionNone, engine.RegionUnknown, engine.RegionInside, engine.RegionOutside,
	}
	authStatuses = []engine.AuthorizationStatus{
		engine.AuthorizationNotDetermined, engine.AuthorizationRestricted, engine.AuthorizationDenied,
		engine.AuthorizationAlways, engine.AuthorizationWhenInUse,
	}
)

// Collector bundles the daemon's Prometheus metrics.
type Collector struct {
	gatherer prometheus.Gatherer

	InsideZone        prometheus.Gauge
	RegionState       *prometheus.GaugeVec
	Authorization     *prometheus.GaugeVec
	Monitoring        *prometheus.GaugeVec
	NetworkAccessible prometheus.Gauge
	RadiusMeters      prometheus.Gauge

	Events           *prometheus.CounterVec
	Fixes            prometheus.Counter
	ZoneTransitions  prometheus.Counter
	Requests         *prometheus.CounterVec
	RequestDurations *prometheus.HistogramVec

	mu     sync.Mutex
	unsubs []func()
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.InsideZone, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofenced_inside_zone",
		Help: "1 when the device is inside the zone by region or network.",
	}), "geofenced_inside_zone"); err != nil {
		return nil, err
	}
	if c.NetworkAccessible, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofenced_network_accessible",
		Help: "1 when the current Wi-Fi network matches the target network.",
	}), "geofenced_network_accessible"); err != nil {
		return nil, err
	}
	if c.RadiusMeters, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "geofenced_region_radius_meters",
		Help: "Radius of the configured region, 0 when disarmed.",
	}), "geofenced_region_radius_meters"); err != nil {
		return nil, err
	}
	if c.RegionState, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geofenced_region_state",
		Help: "1 for the current region state, 0 for the others.",
	}, []string{"state"}), "geofenced_region_state"); err != nil {
		return nil, err
	}
	if c.Authorization, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geofenced_authorization",
		Help: "1 for the current location authorization status, 0 for the others.",
	}, []string{"status"}), "geofenced_authorization"); err != nil {
		return nil, err
	}
	if c.Monitoring, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "geofenced_monitoring",
		Help: "1 when the given monitor is active.",
	}, []string{"monitor"}), "geofenced_monitoring"); err != nil {
		return nil, err
	}
	if c.Events, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofenced_events_total",
		Help: "Subsystem events processed by the engine, labeled by kind.",
	}, []string{"kind"}), "geofenced_events_total"); err != nil {
		return nil, err
	}
	if c.Fixes, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofenced_location_fixes_total",
		Help: "Location fixes accepted by the region monitor.",
	}), "geofenced_location_fixes_total"); err != nil {
		return nil, err
	}
	if c.ZoneTransitions, err = registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geofenced_zone_transitions_total",
		Help: "Number of times the inside-zone flag changed.",
	}), "geofenced_zone_transitions_total"); err != nil {
		return nil, err
	}
	if c.Requests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "geofenced_requests_total",
		Help: "Control requests handled, labeled by type and result.",
	}, []string{"type", "result"}), "geofenced_requests_total"); err != nil {
		return nil, err
	}
	if c.RequestDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geofenced_request_duration_seconds",
		Help:    "Control request latency in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
	}, []string{"type"}), "geofenced_request_duration_seconds"); err != nil {
		return nil, err
	}

	return c, nil
}

// Bind mirrors src into the gauges until Close.
func (c *Collector) Bind(src Source) {
	inside := false
	first := true
	unsubs := []func(){
		src.RegionState().Subscribe(func(s engine.RegionState) {
			for _, st := range regionStates {
				c.RegionState.WithLabelValues(st.String()).Set(boolFloat(st == s))
			}
		}),
		src.Authorization().Subscribe(func(a engine.AuthorizationStatus) {
			for _, st := range authStatuses {
				c.Authorization.WithLabelValues(st.String()).Set(boolFloat(st == a))
			}
		}),
		src.Zone().Subscribe(func(z engine.ZoneStatus) {
			c.InsideZone.Set(boolFloat(z.InsideZone))
			if !first && z.InsideZone != inside {
				c.ZoneTransitions.Inc()
			}
			first = false
			inside = z.InsideZone
		}),
		src.MonitoringGeofence().Subscribe(func(v bool) {
			c.Monitoring.WithLabelValues("geofence").Set(boolFloat(v))
		}),
		src.MonitoringWifi().Subscribe(func(v bool) {
			c.Monitoring.WithLabelValues("wifi").Set(boolFloat(v))
		}),
		src.NetworkAccessible().Subscribe(func(v bool) {
			c.NetworkAccessible.Set(boolFloat(v))
		}),
		src.Configuration().Subscribe(func(cfg engine.Configuration) {
			c.RadiusMeters.Set(cfg.Radius)
		}),
	}

	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsubs...)
	c.mu.Unlock()
}

// Close drops the subscriptions made by Bind.
func (c *Collector) Close() {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

// ObserveEvent counts an engine event. It has the signature expected by
// engine.WithEventHook.
func (c *Collector) ObserveEvent(ev engine.Event) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(ev.Kind.String()).Inc()
}

// ObserveFix counts an accepted location fix.
func (c *Collector) ObserveFix() {
	if c == nil {
		return
	}
	c.Fixes.Inc()
}

// ObserveRequest records a handled control request.
func (c *Collector) ObserveRequest(kind string, err error, elapsed time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Requests.WithLabelValues(kind, result).Inc()
	c.RequestDurations.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
