package regionmon

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/engine"
	"geofenced/internal/geo"
	"geofenced/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	events []engine.Event
}

func (r *recorder) handle(ev engine.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []engine.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]engine.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) last() engine.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type failingStore struct{}

func (failingStore) UpsertRegion(store.RegionRecord) error { return errors.New("disk full") }
func (failingStore) DeleteRegion(string) error { return nil }
func (failingStore) ListRegions() ([]store.RegionRecord, error) { return nil, nil }

type flakySource struct {
	*ManualSource
	runs chan struct{}
}

func (s *flakySource) Run(ctx context.Context, _ chan<- Fix) error {
	select {
	case s.runs <- struct{}{}:
	case <-ctx.Done():
	}
	return errors.New("bus gone")
}

var (
	home   = geo.Coordinate{Latitude: 52.52, Longitude: 13.405}
	nearby = geo.Coordinate{Latitude: 52.5205, Longitude: 13.405}
	away   = geo.Coordinate{Latitude: 52.6, Longitude: 13.405}
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "regions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newMonitor(t *testing.T, st RegionStore, auth engine.AuthorizationStatus) (*Monitor, *recorder) {
	t.Helper()
	m, err := New(st, NewManualSource(auth), Config{}, quietLogger())
	require.NoError(t, err)
	rec := &recorder{}
	m.SetEventHandler(rec.handle)
	return m, rec
}

func region(center geo.Coordinate, radius float64) engine.Region {
	return engine.Region{
		ID:            engine.RegionID,
		Center:        center,
		Radius:        radius,
		NotifyOnEntry: true,
		NotifyOnExit:  true,
	}
}

func TestAddOrReplacePersistsAndStarts(t *testing.T) {
	st := openStore(t)
	m, rec := newMonitor(t, st, engine.AuthorizationAlways)

	m.AddOrReplace(region(home, 100))

	assert.Equal(t, []engine.EventKind{engine.EventMonitoringStarted}, rec.kinds())
	require.Len(t, m.List(), 1)

	records, err := st.ListRegions()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 100.0, records[0].Radius)

	m.AddOrReplace(region(home, 250))
	require.Len(t, m.List(), 1)
	assert.Equal(t, 250.0, m.List()[0].Radius)
}

func TestAddOrReplaceWithoutPermission(t *testing.T) {
	m, rec := newMonitor(t, openStore(t), engine.AuthorizationDenied)

	m.AddOrReplace(region(home, 100))

	require.Equal(t, []engine.EventKind{engine.EventMonitoringFailed}, rec.kinds())
	ev := rec.last()
	assert.Equal(t, engine.RegionID, ev.RegionID)
	assert.ErrorIs(t, ev.Err, ErrNotAuthorized)
	// The region stays registered even though monitoring cannot run.
	assert.Len(t, m.List(), 1)
}

func TestAddOrReplaceStoreFailure(t *testing.T) {
	m, rec := newMonitor(t, failingStore{}, engine.AuthorizationAlways)

	m.AddOrReplace(region(home, 100))

	assert.Equal(t, []engine.EventKind{engine.EventMonitoringFailed}, rec.kinds())
	assert.Empty(t, m.List())
}

func TestRegionsSurviveRestart(t *testing.T) {
	st := openStore(t)
	m, _ := newMonitor(t, st, engine.AuthorizationAlways)
	m.AddOrReplace(region(home, 100))

	again, err := New(st, NewManualSource(engine.AuthorizationAlways), Config{}, quietLogger())
	require.NoError(t, err)
	regions := again.List()
	require.Len(t, regions, 1)
	assert.Equal(t, home, regions[0].Center)
	assert.True(t, regions[0].NotifyOnEntry)

	again.Remove(engine.RegionID)
	assert.Empty(t, again.List())
	records, err := st.ListRegions()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRequestCurrentState(t *testing.T) {
	m, rec := newMonitor(t, openStore(t), engine.AuthorizationAlways)
	m.AddOrReplace(region(home, 100))
	rec.reset()

	m.RequestCurrentState(engine.RegionID)
	ev := rec.last()
	assert.Equal(t, engine.EventStateDetermined, ev.Kind)
	assert.Equal(t, engine.RegionUnknown, ev.State)

	m.Update(Fix{Coordinate: nearby})
	rec.reset()
	m.RequestCurrentState(engine.RegionID)
	ev = rec.last()
	assert.Equal(t, engine.EventStateDetermined, ev.Kind)
	assert.Equal(t, engine.RegionInside, ev.State)

	rec.reset()
	m.RequestCurrentState("someone-else")
	assert.Empty(t, rec.kinds())
}

func TestUpdateTransitions(t *testing.T) {
	m, rec := newMonitor(t, openStore(t), engine.AuthorizationAlways)
	m.AddOrReplace(region(home, 100))
	rec.reset()

	m.Update(Fix{Coordinate: away})
	require.Equal(t, []engine.EventKind{engine.EventStateDetermined}, rec.kinds())
	assert.Equal(t, engine.RegionOutside, rec.last().State)

	rec.reset()
	m.Update(Fix{Coordinate: away})
	assert.Empty(t, rec.kinds(), "no edge, no event")

	m.Update(Fix{Coordinate: nearby})
	assert.Equal(t, []engine.EventKind{engine.EventEntered}, rec.kinds())

	rec.reset()
	m.Update(Fix{Coordinate: away})
	assert.Equal(t, []engine.EventKind{engine.EventExited}, rec.kinds())

	fix, ok := m.LastFix()
	require.True(t, ok)
	assert.Equal(t, away, fix.Coordinate)
	assert.False(t, fix.At.IsZero())
}

func TestUpdateRespectsNotifyFlags(t *testing.T) {
	m, rec := newMonitor(t, openStore(t), engine.AuthorizationAlways)
	r := region(home, 100)
	r.NotifyOnExit = false
	m.AddOrReplace(r)
	m.Update(Fix{Coordinate: nearby})
	rec.reset()

	m.Update(Fix{Coordinate: away})
	assert.Empty(t, rec.kinds())
}

func TestUpdateDropsBadFixes(t *testing.T) {
	m, err := New(openStore(t), NewManualSource(engine.AuthorizationAlways), Config{MaxAccuracy: 50}, quietLogger())
	require.NoError(t, err)

	m.Update(Fix{Coordinate: geo.Coordinate{Latitude: 120, Longitude: 0}})
	m.Update(Fix{Coordinate: home, Accuracy: 500})
	_, ok := m.LastFix()
	assert.False(t, ok)

	m.Update(Fix{Coordinate: home, Accuracy: 20})
	_, ok = m.LastFix()
	assert.True(t, ok)
}

func TestUpdateWithoutPermissionIsSilent(t *testing.T) {
	m, rec := newMonitor(t, openStore(t), engine.AuthorizationDenied)
	m.AddOrReplace(region(home, 100))
	rec.reset()

	m.Update(Fix{Coordinate: nearby})
	assert.Empty(t, rec.kinds())
}

func TestFixHook(t *testing.T) {
	var seen []Fix
	m, err := New(openStore(t), NewManualSource(engine.AuthorizationAlways), Config{
		FixHook: func(f Fix) { seen = append(seen, f) },
	}, quietLogger())
	require.NoError(t, err)

	m.Update(Fix{Coordinate: home, At: time.Unix(100, 0)})
	require.Len(t, seen, 1)
	assert.Equal(t, time.Unix(100, 0), seen[0].At)
}

func TestRequestAuthorization(t *testing.T) {
	m, rec := newMonitor(t, openStore(t), engine.AuthorizationNotDetermined)
	assert.Equal(t, engine.AuthorizationNotDetermined, m.AuthorizationStatus())
	assert.True(t, m.ServicesEnabled())

	m.RequestAuthorization()

	require.Eventually(t, func() bool {
		return m.AuthorizationStatus() == engine.AuthorizationAlways
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(rec.kinds()) == 1
	}, time.Second, 5*time.Millisecond)
	ev := rec.last()
	assert.Equal(t, engine.EventAuthorizationChanged, ev.Kind)
	assert.Equal(t, engine.AuthorizationAlways, ev.Authorization)
}

func TestNoSource(t *testing.T) {
	m, err := New(openStore(t), nil, Config{}, quietLogger())
	require.NoError(t, err)
	rec := &recorder{}
	m.SetEventHandler(rec.handle)

	assert.False(t, m.ServicesEnabled())
	m.RequestAuthorization()
	ev := rec.last()
	assert.Equal(t, engine.EventGeneralFailure, ev.Kind)
	assert.ErrorIs(t, ev.Err, ErrNoSource)
}

func TestRunReportsSourceFailure(t *testing.T) {
	src := &flakySource{
		ManualSource: NewManualSource(engine.AuthorizationAlways),
		runs:         make(chan struct{}),
	}
	m, err := New(openStore(t), src, Config{RetryInterval: time.Millisecond}, quietLogger())
	require.NoError(t, err)
	rec := &recorder{}
	m.SetEventHandler(rec.handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	<-src.runs
	<-src.runs
	cancel()
	require.NoError(t, <-done)

	kinds := rec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, engine.EventGeneralFailure, kinds[0])
}

func TestManualSource(t *testing.T) {
	src := NewManualSource(engine.AuthorizationDenied)
	assert.Equal(t, "manual", src.Name())
	assert.Equal(t, engine.AuthorizationDenied, src.Authorization())

	status, err := src.Authorize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, engine.AuthorizationAlways, status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, src.Run(ctx, nil))
}
