// Package regionmon is a software region-monitoring subsystem. It keeps the
// set of monitored regions in SQLite, evaluates location fixes against them
// and reports entry, exit and state determination events.
package regionmon

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"geofenced/internal/engine"
	"geofenced/internal/geo"
	"geofenced/internal/store"
)

var (
	// ErrNotAuthorized is reported when a region is added without location permission.
	ErrNotAuthorized = errors.New("regionmon: location access not authorized")
	// ErrNoSource is reported when no location source is configured.
	ErrNoSource = errors.New("regionmon: no location source")
)

// Fix is a single position report.
type Fix struct {
	Coordinate geo.Coordinate `json:"coordinate"`
	// Accuracy is the horizontal accuracy radius in meters; zero if unknown.
	Accuracy float64   `json:"accuracy"`
	At       time.Time `json:"at"`
}

// Source produces location fixes.
type Source interface {
	Name() string
	// Authorization returns the permission level currently known to the source.
	Authorization() engine.AuthorizationStatus
	// Authorize asks for location permission.
	Authorize(ctx context.Context) (engine.AuthorizationStatus, error)
	Available() bool
	// Run delivers fixes until ctx is done or the source fails.
	Run(ctx context.Context, fixes chan<- Fix) error
}

// RegionStore persists monitored regions.
type RegionStore interface {
	UpsertRegion(r store.RegionRecord) error
	DeleteRegion(id string) error
	ListRegions() ([]store.RegionRecord, error)
}

// Config tunes the monitor.
type Config struct {
	// MaxAccuracy drops fixes whose accuracy radius exceeds it. Zero keeps all.
	MaxAccuracy float64
	// RetryInterval is the pause before restarting a failed source.
	RetryInterval time.Duration
	// FixHook, when set, is called for every accepted fix.
	FixHook func(Fix)
}

// Monitor implements engine.RegionMonitor.
type Monitor struct {
	store  RegionStore
	source Source
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	regions map[string]engine.Region
	states  map[string]engine.RegionState
	last    *Fix
	auth    engine.AuthorizationStatus
	handler func(engine.Event)
	ctx     context.Context
}

// New loads persisted regions and returns a monitor. Events are dropped
// until SetEventHandler is called.
func New(st RegionStore, source Source, cfg Config, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		store:   st,
		source:  source,
		cfg:     cfg,
		logger:  logger.With("component", "regionmon"),
		regions: make(map[string]engine.Region),
		states:  make(map[string]engine.RegionState),
		ctx:     context.Background(),
	}
	if source != nil {
		m.auth = source.Authorization()
	}

	records, err := st.ListRegions()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		m.regions[r.ID] = fromRecord(r)
		m.states[r.ID] = engine.RegionUnknown
	}
	m.logger.Debug("loaded regions", "count", len(records))
	return m, nil
}

// SetEventHandler sets the receiver for subsystem events. The handler must
// not block.
func (m *Monitor) SetEventHandler(fn func(engine.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

func (m *Monitor) emit(events ...engine.Event) {
	m.mu.Lock()
	fn := m.handler
	m.mu.Unlock()
	if fn == nil {
		return
	}
	for _, ev := range events {
		fn(ev)
	}
}

// AddOrReplace registers r, replacing a region with the same ID.
func (m *Monitor) AddOrReplace(r engine.Region) {
	if err := m.store.UpsertRegion(toRecord(r)); err != nil {
		m.logger.Error("persist region", "region", r.ID, "error", err)
		m.emit(engine.MonitoringFailed(r.ID, err))
		return
	}

	m.mu.Lock()
	m.regions[r.ID] = r
	m.states[r.ID] = m.evaluateLocked(r)
	granted := m.auth.Granted()
	m.mu.Unlock()

	m.logger.Info("region registered", "region", r.ID, "center", r.Center.String(), "radius", r.Radius)
	if !granted {
		m.emit(engine.MonitoringFailed(r.ID, ErrNotAuthorized))
		return
	}
	m.emit(engine.MonitoringStarted(r.ID))
}

// Remove stops monitoring the region with the given ID.
func (m *Monitor) Remove(id string) {
	if err := m.store.DeleteRegion(id); err != nil {
		m.logger.Error("delete region", "region", id, "error", err)
	}

	m.mu.Lock()
	delete(m.regions, id)
	delete(m.states, id)
	m.mu.Unlock()
	m.logger.Info("region removed", "region", id)
}

// List returns the monitored regions.
func (m *Monitor) List() []engine.Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]engine.Region, 0, len(m.regions))
	for _, r := range m.regions {
		out = append(out, r)
	}
	return out
}

// RequestCurrentState reports the state of id against the latest fix.
func (m *Monitor) RequestCurrentState(id string) {
	m.mu.Lock()
	r, ok := m.regions[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("state requested for unknown region", "region", id)
		return
	}
	if !m.auth.Granted() {
		m.mu.Unlock()
		m.emit(engine.MonitoringFailed(id, ErrNotAuthorized))
		return
	}
	state := m.evaluateLocked(r)
	m.states[id] = state
	m.mu.Unlock()

	m.emit(engine.StateDetermined(id, state))
}

// RequestAuthorization asks the source for permission in the background.
// The result is reported as an AuthorizationChanged event.
func (m *Monitor) RequestAuthorization() {
	if m.source == nil {
		m.emit(engine.GeneralFailure(ErrNoSource))
		return
	}

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	go func() {
		status, err := m.source.Authorize(ctx)
		if err != nil {
			m.logger.Warn("authorization request failed", "source", m.source.Name(), "error", err)
			m.emit(engine.GeneralFailure(err))
			return
		}
		m.setAuthorization(status)
	}()
}

func (m *Monitor) setAuthorization(status engine.AuthorizationStatus) {
	m.mu.Lock()
	changed := m.auth != status
	m.auth = status
	m.mu.Unlock()
	if changed {
		m.emit(engine.AuthorizationChanged(status))
	}
}

// AuthorizationStatus returns the current permission level.
func (m *Monitor) AuthorizationStatus() engine.AuthorizationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.auth
}

// ServicesEnabled reports whether a location source is available.
func (m *Monitor) ServicesEnabled() bool {
	return m.source != nil && m.source.Available()
}

// LastFix returns the most recent accepted fix.
func (m *Monitor) LastFix() (Fix, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Fix{}, false
	}
	return *m.last, true
}

// Run drives the location source until ctx is done. A failing source is
// reported as a general failure and restarted after RetryInterval.
func (m *Monitor) Run(ctx context.Context) error {
	if m.source == nil {
		<-ctx.Done()
		return nil
	}

	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	fixes := make(chan Fix, 16)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case fix := <-fixes:
				m.Update(fix)
			}
		}
	}()

	retry := m.cfg.RetryInterval
	if retry <= 0 {
		retry = 30 * time.Second
	}

	for {
		m.logger.Info("location source starting", "source", m.source.Name())
		err := m.source.Run(ctx, fixes)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("location source stopped")
		}
		m.logger.Warn("location source failed", "source", m.source.Name(), "error", err, "retry_in", retry)
		m.emit(engine.GeneralFailure(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
		m.setAuthorization(m.source.Authorization())
	}
}

// Update evaluates fix against every region and reports edge transitions.
func (m *Monitor) Update(fix Fix) {
	if !fix.Coordinate.Valid() {
		m.logger.Warn("dropping invalid fix", "coordinate", fix.Coordinate.String())
		return
	}
	if m.cfg.MaxAccuracy > 0 && fix.Accuracy > m.cfg.MaxAccuracy {
		m.logger.Debug("dropping inaccurate fix", "accuracy", fix.Accuracy)
		return
	}
	if fix.At.IsZero() {
		fix.At = time.Now()
	}

	var events []engine.Event

	m.mu.Lock()
	m.last = &fix
	granted := m.auth.Granted()
	if granted {
		for id, r := range m.regions {
			next := m.evaluateLocked(r)
			prev := m.states[id]
			m.states[id] = next
			if prev == next {
				continue
			}
			switch {
			case prev == engine.RegionUnknown:
				events = append(events, engine.StateDetermined(id, next))
			case next == engine.RegionInside && r.NotifyOnEntry:
				events = append(events, engine.Entered(id))
			case next == engine.RegionOutside && r.NotifyOnExit:
				events = append(events, engine.Exited(id))
			}
		}
	}
	m.mu.Unlock()

	if m.cfg.FixHook != nil {
		m.cfg.FixHook(fix)
	}
	m.emit(events...)
}

func (m *Monitor) evaluateLocked(r engine.Region) engine.RegionState {
	if m.last == nil {
		return engine.RegionUnknown
	}
	if r.Circle().Contains(m.last.Coordinate) {
		return engine.RegionInside
	}
	return engine.RegionOutside
}

func toRecord(r engine.Region) store.RegionRecord {
	return store.RegionRecord{
		ID:            r.ID,
		Latitude:      r.Center.Latitude,
		Longitude:     r.Center.Longitude,
		Radius:        r.Radius,
		NotifyOnEntry: r.NotifyOnEntry,
		NotifyOnExit:  r.NotifyOnExit,
	}
}

func fromRecord(r store.RegionRecord) engine.Region {
	return engine.Region{
		ID:            r.ID,
		Center:        geo.Coordinate{Latitude: r.Latitude, Longitude: r.Longitude},
		Radius:        r.Radius,
		NotifyOnEntry: r.NotifyOnEntry,
		NotifyOnExit:  r.NotifyOnExit,
	}
}
