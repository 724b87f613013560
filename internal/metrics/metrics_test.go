package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"geofenced/internal/engine"
)

type fakeSource struct {
	state    *engine.Value[engine.RegionState]
	zone     *engine.Value[engine.ZoneStatus]
	auth     *engine.Value[engine.AuthorizationStatus]
	geofence *engine.Value[bool]
	wifi     *engine.Value[bool]
	network  *engine.Value[bool]
	config   *engine.Value[engine.Configuration]
}

func eq[T comparable](a, b T) bool { return a == b }

func newFakeSource() *fakeSource {
	return &fakeSource{
		state:    engine.NewValue(engine.RegionNone, eq[engine.RegionState]),
		zone:     engine.NewValue(engine.ZoneStatus{}, eq[engine.ZoneStatus]),
		auth:     engine.NewValue(engine.AuthorizationNotDetermined, eq[engine.AuthorizationStatus]),
		geofence: engine.NewValue(false, eq[bool]),
		wifi:     engine.NewValue(false, eq[bool]),
		network:  engine.NewValue(false, eq[bool]),
		config:   engine.NewValue(engine.Configuration{}, engine.Configuration.Equal),
	}
}

func (f *fakeSource) RegionState() engine.Observable[engine.RegionState] { return f.state }
func (f *fakeSource) Zone() engine.Observable[engine.ZoneStatus] { return f.zone }
func (f *fakeSource) Authorization() engine.Observable[engine.AuthorizationStatus] { return f.auth }
func (f *fakeSource) MonitoringGeofence() engine.Observable[bool] { return f.geofence }
func (f *fakeSource) MonitoringWifi() engine.Observable[bool] { return f.wifi }
func (f *fakeSource) NetworkAccessible() engine.Observable[bool] { return f.network }
func (f *fakeSource) Configuration() engine.Observable[engine.Configuration] { return f.config }

func newCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	return c
}

func TestBindMirrorsObservables(t *testing.T) {
	c := newCollector(t)
	src := newFakeSource()
	c.Bind(src)
	defer c.Close()

	if got := testutil.ToFloat64(c.RegionState.WithLabelValues("none")); got != 1 {
		t.Fatalf("region_state{none} = %v, want 1", got)
	}

	src.state.Set(engine.RegionInside)
	src.zone.Set(engine.ZoneStatus{InsideZone: true, Summary: engine.SummaryInsideRegion})
	src.geofence.Set(true)
	src.auth.Set(engine.AuthorizationAlways)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"region_state{inside}", c.RegionState.WithLabelValues("inside"), 1},
		{"region_state{none}", c.RegionState.WithLabelValues("none"), 0},
		{"inside_zone", c.InsideZone, 1},
		{"monitoring{geofence}", c.Monitoring.WithLabelValues("geofence"), 1},
		{"monitoring{wifi}", c.Monitoring.WithLabelValues("wifi"), 0},
		{"authorization{always}", c.Authorization.WithLabelValues(engine.AuthorizationAlways.String()), 1},
		{"zone_transitions_total", c.ZoneTransitions, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testutil.ToFloat64(tt.c); got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestCloseStopsMirroring(t *testing.T) {
	c := newCollector(t)
	src := newFakeSource()
	c.Bind(src)
	c.Close()

	src.network.Set(true)
	if got := testutil.ToFloat64(c.NetworkAccessible); got != 0 {
		t.Fatalf("network_accessible = %v after Close, want 0", got)
	}
}

func TestObserveEventAndRequest(t *testing.T) {
	c := newCollector(t)
	c.ObserveEvent(engine.Entered(engine.RegionID))
	c.ObserveEvent(engine.Entered(engine.RegionID))
	c.ObserveFix()
	c.ObserveRequest("status", nil, time.Millisecond)
	c.ObserveRequest("set_configuration", errors.New("boom"), time.Millisecond)

	if got := testutil.ToFloat64(c.Events.WithLabelValues("entered")); got != 2 {
		t.Errorf("events_total{entered} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Fixes); got != 1 {
		t.Errorf("location_fixes_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Requests.WithLabelValues("set_configuration", "error")); got != 1 {
		t.Errorf("requests_total{set_configuration,error} = %v, want 1", got)
	}

	var nilCollector *Collector
	nilCollector.ObserveEvent(engine.Exited(engine.RegionID))
}

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("first NewCollector: %v", err)
	}
	b, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("second NewCollector: %v", err)
	}
	a.Fixes.Inc()
	if got := testutil.ToFloat64(b.Fixes); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := newCollector(t)
	c.InsideZone.Set(1)
	c.ObserveFix()

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"geofenced_inside_zone 1", "geofenced_location_fixes_total 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
