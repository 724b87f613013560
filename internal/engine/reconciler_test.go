package engine

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/geo"
)

func TestSetConfigurationRegionCount(t *testing.T) {
	tests := []struct {
		name string
		cfg  Configuration
		want int
	}{
		{"nil center", Configuration{Radius: 100}, 0},
		{"nil center zero radius", Configuration{}, 0},
		{"zero radius", Configuration{Center: center(1, 1)}, 0},
		{"negative radius", Configuration{Center: center(1, 1), Radius: -5}, 0},
		{"NaN radius", Configuration{Center: center(1, 1), Radius: math.NaN()}, 0},
		{"valid", Configuration{Center: center(1, 1), Radius: 100}, 1},
		{"valid with network", Configuration{Center: center(1, 1), Radius: 100, TargetNetwork: strPtr("home")}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startHarness(t)
			h.set(t, tt.cfg)
			assert.Len(t, h.regions.List(), tt.want)
			assert.Equal(t, tt.want == 1, h.engine.MonitoringGeofence().Get())
		})
	}
}

func TestSetConfigurationConverges(t *testing.T) {
	h := startHarness(t)

	for _, radius := range []float64{100, 0, 200} {
		h.set(t, Configuration{Center: center(1, 1), Radius: radius})
	}

	regions := h.regions.List()
	require.Len(t, regions, 1)
	assert.Equal(t, RegionID, regions[0].ID)
	assert.Equal(t, 200.0, regions[0].Radius)
	assert.True(t, regions[0].NotifyOnEntry)
	assert.True(t, regions[0].NotifyOnExit)
	assert.Equal(t, RegionUnknown, h.engine.RegionState().Get())
}

func TestRegionStateSeesAppliedConfiguration(t *testing.T) {
	h := startHarness(t)

	var mu sync.Mutex
	var armed []bool
	unsub := h.engine.RegionState().Subscribe(func(RegionState) {
		a := h.engine.Configuration().Get().Armed()
		mu.Lock()
		armed = append(armed, a)
		mu.Unlock()
	})
	defer unsub()

	h.set(t, Configuration{Center: center(1, 1), Radius: 100})
	h.set(t, Configuration{})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{false, true, false}, armed)
}

func TestSetConfigurationIdempotent(t *testing.T) {
	h := startHarness(t)
	cfg := Configuration{Center: center(3, 4), Radius: 10}

	h.set(t, cfg)
	h.set(t, cfg)

	assert.Len(t, h.regions.List(), 1)
	assert.True(t, h.engine.Configuration().Get().Equal(cfg))
}

func TestDisarmRemovesStaleRegion(t *testing.T) {
	stale := Region{ID: RegionID, Center: geo.Coordinate{Latitude: 5, Longitude: 5}, Radius: 30}
	other := Region{ID: "someoneElse", Center: geo.Coordinate{Latitude: 6, Longitude: 6}, Radius: 30}
	h := newHarness(t, newFakeRegions(stale, other), nil).start(t)

	h.set(t, Configuration{})

	regions := h.regions.List()
	require.Len(t, regions, 1)
	assert.Equal(t, "someoneElse", regions[0].ID)
	assert.Equal(t, RegionNone, h.engine.RegionState().Get())
	assert.False(t, h.engine.MonitoringGeofence().Get())
}

func TestConfigurationRoundTrip(t *testing.T) {
	h := startHarness(t)

	h.set(t, Configuration{Center: center(55.55, -11.11), Radius: 99})

	got := h.engine.Configuration().Get()
	require.NotNil(t, got.Center)
	assert.True(t, got.Center.Latitude == 55.55)
	assert.True(t, got.Center.Longitude == -11.11)
	assert.True(t, got.Radius == 99)
}

func TestReconfigureReplacesNotMerges(t *testing.T) {
	h := startHarness(t)

	h.set(t, Configuration{Center: center(1, 1), Radius: 1, TargetNetwork: strPtr("first")})
	h.set(t, Configuration{Center: center(0.9999999, 0.9999999), Radius: 64.9999999})

	got := h.engine.Configuration().Get()
	require.NotNil(t, got.Center)
	assert.True(t, got.Center.Latitude == 0.9999999)
	assert.True(t, got.Center.Longitude == 0.9999999)
	assert.True(t, got.Radius == 64.9999999)
	assert.Nil(t, got.TargetNetwork)

	regions := h.regions.List()
	require.Len(t, regions, 1)
	assert.True(t, regions[0].Radius == 64.9999999)
}

func TestConfigurationIsCopied(t *testing.T) {
	h := startHarness(t)
	c := center(1, 2)
	name := "office"

	h.set(t, Configuration{Center: c, Radius: 10, TargetNetwork: &name})
	c.Latitude = 50
	name = "changed"

	got := h.engine.Configuration().Get()
	assert.Equal(t, 1.0, got.Center.Latitude)
	assert.Equal(t, "office", *got.TargetNetwork)
}

func TestRecoveryFromSubsystem(t *testing.T) {
	existing := Region{ID: RegionID, Center: geo.Coordinate{Latitude: 0, Longitude: 0}, Radius: 50}
	regions := newFakeRegions(existing)
	h := newHarness(t, regions, nil)

	got := h.engine.Configuration().Get()
	require.NotNil(t, got.Center)
	assert.Equal(t, geo.Coordinate{Latitude: 0, Longitude: 0}, *got.Center)
	assert.Equal(t, 50.0, got.Radius)
	assert.Nil(t, got.TargetNetwork)
	assert.True(t, h.engine.Recovered())
	assert.True(t, h.engine.MonitoringGeofence().Get())
	assert.Equal(t, RegionUnknown, h.engine.RegionState().Get())

	adds, removes := regions.counts()
	assert.Zero(t, adds)
	assert.Zero(t, removes)

	h.start(t)
	require.NoError(t, h.engine.Flush(h.ctx))

	adds, removes = regions.counts()
	assert.Zero(t, adds, "resume must not re-register")
	assert.Zero(t, removes)
	assert.Equal(t, []string{RegionID}, regions.requests())
}

func TestRecoveryIgnoresForeignRegions(t *testing.T) {
	regions := newFakeRegions(Region{ID: "other", Radius: 50})
	h := newHarness(t, regions, nil)

	assert.False(t, h.engine.Recovered())
	assert.Nil(t, h.engine.Configuration().Get().Center)
	assert.False(t, h.engine.MonitoringGeofence().Get())
	assert.Equal(t, RegionNone, h.engine.RegionState().Get())
}

func TestRecoveryOfNetworkName(t *testing.T) {
	store := newFakeStore()
	store.values[NetworkNameKey] = "home"
	h := newHarness(t, nil, store)

	got := h.engine.Configuration().Get()
	require.NotNil(t, got.TargetNetwork)
	assert.Equal(t, "home", *got.TargetNetwork)
	assert.Nil(t, got.Center)
	assert.True(t, h.engine.Recovered())
	assert.True(t, h.engine.MonitoringWifi().Get())

	h.conn.connect(ConnectionWifi, "home")
	h.start(t)
	require.NoError(t, h.engine.Flush(h.ctx))
	assert.True(t, h.engine.NetworkAccessible().Get())
	assert.True(t, h.engine.Zone().Get().InsideZone)
}

func TestRecoveryStoreError(t *testing.T) {
	store := newFakeStore()
	store.getErr = errBoom
	h := newHarness(t, nil, store)

	assert.False(t, h.engine.Recovered())
	assert.Nil(t, h.engine.Configuration().Get().TargetNetwork)
}

func TestNetworkNamePersistedOnEveryCall(t *testing.T) {
	h := startHarness(t)

	h.set(t, Configuration{TargetNetwork: strPtr("home")})
	h.set(t, Configuration{Center: center(1, 1), Radius: 10})
	h.set(t, Configuration{TargetNetwork: strPtr("office")})

	h.store.mu.Lock()
	writes := append([]*string(nil), h.store.writes...)
	_, stillThere := h.store.values[NetworkNameKey]
	h.store.mu.Unlock()

	require.Len(t, writes, 3)
	assert.Equal(t, "home", *writes[0])
	assert.Nil(t, writes[1], "clearing must be an explicit write")
	assert.Equal(t, "office", *writes[2])
	assert.True(t, stillThere)
}

func TestRegionEvents(t *testing.T) {
	armed := Configuration{Center: center(1, 1), Radius: 100}

	t.Run("entered", func(t *testing.T) {
		h := startHarness(t)
		h.set(t, armed)
		h.post(t, Entered(RegionID))
		assert.Equal(t, RegionInside, h.engine.RegionState().Get())
		assert.True(t, h.engine.MonitoringGeofence().Get())
		assert.True(t, h.engine.Zone().Get().InsideZone)
	})

	t.Run("exited", func(t *testing.T) {
		h := startHarness(t)
		h.set(t, armed)
		h.post(t, Entered(RegionID))
		h.post(t, Exited(RegionID))
		assert.Equal(t, RegionOutside, h.engine.RegionState().Get())
		assert.False(t, h.engine.Zone().Get().InsideZone)
	})

	t.Run("state determined overwrites", func(t *testing.T) {
		h := startHarness(t)
		h.set(t, armed)
		h.post(t, Entered(RegionID))
		h.post(t, StateDetermined(RegionID, RegionOutside))
		assert.Equal(t, RegionOutside, h.engine.RegionState().Get())
		h.post(t, StateDetermined(RegionID, RegionUnknown))
		assert.Equal(t, RegionUnknown, h.engine.RegionState().Get())
	})

	t.Run("monitoring started requests state", func(t *testing.T) {
		h := startHarness(t)
		h.set(t, armed)
		h.post(t, MonitoringStarted(RegionID))
		h.post(t, MonitoringStarted("other"))
		assert.Equal(t, []string{RegionID}, h.regions.requests())
	})
}

func TestForeignEventsIgnored(t *testing.T) {
	events := []Event{
		StateDetermined("other", RegionOutside),
		Entered("other"),
		Exited("other"),
		MonitoringFailed("other", errBoom),
		Entered("geofenceRegionID"),
	}

	for _, ev := range events {
		t.Run(ev.Kind.String(), func(t *testing.T) {
			h := startHarness(t)
			h.set(t, Configuration{Center: center(1, 1), Radius: 100})
			h.post(t, StateDetermined(RegionID, RegionInside))

			h.post(t, ev)

			assert.Equal(t, RegionInside, h.engine.RegionState().Get())
			assert.True(t, h.engine.MonitoringGeofence().Get())
		})
	}
}

func TestMonitoringFailedKeepsIndicator(t *testing.T) {
	for _, id := range []string{RegionID, ""} {
		t.Run("id="+id, func(t *testing.T) {
			h := startHarness(t)
			h.set(t, Configuration{Center: center(1, 1), Radius: 100})
			h.post(t, Entered(RegionID))

			h.post(t, MonitoringFailed(id, errBoom))

			assert.Equal(t, RegionNone, h.engine.RegionState().Get())
			assert.True(t, h.engine.MonitoringGeofence().Get())
			assert.Equal(t, SummaryRegionUnavailable, h.engine.Zone().Get().Summary)
		})
	}
}

func TestAuthorizationEvents(t *testing.T) {
	h := startHarness(t)
	h.set(t, Configuration{Center: center(1, 1), Radius: 100})
	h.post(t, Entered(RegionID))
	adds, _ := h.regions.counts()

	h.post(t, AuthorizationChanged(AuthorizationDenied))
	assert.Equal(t, AuthorizationDenied, h.engine.Authorization().Get())
	assert.Equal(t, RegionInside, h.engine.RegionState().Get())

	h.post(t, AuthorizationChanged(AuthorizationWhenInUse))
	assert.Equal(t, AuthorizationWhenInUse, h.engine.Authorization().Get())

	h.post(t, GeneralFailure(errBoom))
	assert.Equal(t, AuthorizationRestricted, h.engine.Authorization().Get())
	assert.Equal(t, RegionInside, h.engine.RegionState().Get())

	after, _ := h.regions.counts()
	assert.Equal(t, adds, after, "authorization changes must not re-register")
}

func TestRequestAuthorization(t *testing.T) {
	h := startHarness(t)
	require.NoError(t, h.engine.RequestAuthorization(h.ctx))

	h.regions.mu.Lock()
	defer h.regions.mu.Unlock()
	assert.Equal(t, 1, h.regions.authRequests)
}

func TestInitialAuthorizationFromSubsystem(t *testing.T) {
	regions := newFakeRegions()
	regions.auth = AuthorizationDenied
	regions.enabled = false
	h := newHarness(t, regions, nil)

	assert.Equal(t, AuthorizationDenied, h.engine.Authorization().Get())
	assert.False(t, h.engine.ServicesEnabled().Get())
}

func TestEventHook(t *testing.T) {
	regions := newFakeRegions()
	var seen []EventKind
	e := New(Deps{Regions: regions, Store: newFakeStore()},
		WithLogger(discardLogger()),
		WithEventHook(func(ev Event) { seen = append(seen, ev.Kind) }),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.Post(Entered(RegionID))
	e.Post(GeneralFailure(errBoom))
	require.NoError(t, e.Flush(context.Background()))
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []EventKind{EventEntered, EventGeneralFailure}, seen)
}
