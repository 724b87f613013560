package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"geofenced/internal/geo"
)

type fakeRegions struct {
	mu            sync.Mutex
	regions       map[string]Region
	adds          []Region
	removes       []string
	stateRequests []string
	authRequests  int
	auth          AuthorizationStatus
	enabled       bool
}

func newFakeRegions(existing ...Region) *fakeRegions {
	f := &fakeRegions{
		regions: make(map[string]Region),
		auth:    AuthorizationAlways,
		enabled: true,
	}
	for _, r := range existing {
		f.regions[r.ID] = r
	}
	return f
}

func (f *fakeRegions) AddOrReplace(r Region) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds = append(f.adds, r)
	f.regions[r.ID] = r
}

func (f *fakeRegions) Remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, id)
	delete(f.regions, id)
}

func (f *fakeRegions) List() []Region {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Region, 0, len(f.regions))
	for _, r := range f.regions {
		out = append(out, r)
	}
	return out
}

func (f *fakeRegions) RequestCurrentState(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateRequests = append(f.stateRequests, id)
}

func (f *fakeRegions) RequestAuthorization() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authRequests++
}

func (f *fakeRegions) AuthorizationStatus() AuthorizationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth
}

func (f *fakeRegions) ServicesEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

func (f *fakeRegions) counts() (adds, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.adds), len(f.removes)
}

func (f *fakeRegions) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stateRequests...)
}

type fakeConnectivity struct {
	mu       sync.Mutex
	fn       func()
	running  bool
	starts   int
	stops    int
	kind     ConnectionKind
	name     string
	startErr error
}

func (f *fakeConnectivity) SetReachabilityHandler(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
}

func (f *fakeConnectivity) StartNotifications() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	f.starts++
	return nil
}

func (f *fakeConnectivity) StopNotifications() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
}

func (f *fakeConnectivity) CurrentConnectionKind() ConnectionKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kind
}

func (f *fakeConnectivity) CurrentNetworkName() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name, f.name != ""
}

func (f *fakeConnectivity) connect(kind ConnectionKind, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kind = kind
	f.name = name
}

func (f *fakeConnectivity) handler() func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fn
}

// fire invokes the registered handler the way a backend delivery goroutine
// would.
func (f *fakeConnectivity) fire() {
	if fn := f.handler(); fn != nil {
		fn()
	}
}

type fakeStore struct {
	mu     sync.Mutex
	values map[string]string
	writes []*string
	getErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string]string)}
}

func (f *fakeStore) Get(key string) (*string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	v, ok := f.values[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (f *fakeStore) Set(key string, value *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, value)
	if value == nil {
		delete(f.values, key)
		return nil
	}
	f.values[key] = *value
	return nil
}

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	engine  *Engine
	regions *fakeRegions
	conn    *fakeConnectivity
	store   *fakeStore
	ctx     context.Context
}

// newHarness builds an engine over fakes. It does not start it.
func newHarness(t *testing.T, regions *fakeRegions, store *fakeStore) *harness {
	t.Helper()
	if regions == nil {
		regions = newFakeRegions()
	}
	if store == nil {
		store = newFakeStore()
	}
	conn := &fakeConnectivity{}
	h := &harness{
		regions: regions,
		conn:    conn,
		store:   store,
		ctx:     context.Background(),
	}
	h.engine = New(Deps{Regions: regions, Connectivity: conn, Store: store}, WithLogger(discardLogger()))
	return h
}

func (h *harness) start(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-errCh)
	})
	return h
}

func startHarness(t *testing.T) *harness {
	return newHarness(t, nil, nil).start(t)
}

func (h *harness) set(t *testing.T, cfg Configuration) {
	t.Helper()
	require.NoError(t, h.engine.SetConfiguration(h.ctx, cfg))
}

func (h *harness) post(t *testing.T, ev Event) {
	t.Helper()
	h.engine.Post(ev)
	require.NoError(t, h.engine.Flush(h.ctx))
}

func center(lat, lon float64) *geo.Coordinate {
	return &geo.Coordinate{Latitude: lat, Longitude: lon}
}

func strPtr(s string) *string { return &s }
