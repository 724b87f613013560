// Package history records engine state changes in the transitions table.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"geofenced/internal/engine"
	"geofenced/internal/store"
)

// Store is the subset of store.Store used by the recorder.
type Store interface {
	AppendTransition(t store.Transition) (int64, error)
	PruneTransitions(cutoff time.Time) (int64, error)
}

// Source exposes the observables that are recorded. *engine.Engine
// satisfies it.
type Source interface {
	RegionState() engine.Observable[engine.RegionState]
	Zone() engine.Observable[engine.ZoneStatus]
	Authorization() engine.Observable[engine.AuthorizationStatus]
	Configuration() engine.Observable[engine.Configuration]
}

// Config tunes the recorder.
type Config struct {
	// Retention is how long entries are kept. Zero keeps everything.
	Retention time.Duration
	// PruneInterval is how often old entries are removed.
	PruneInterval time.Duration
	// Depth is the number of entries that may wait to be written.
	Depth int
}

// Recorder writes a transition for every change of the bound observables.
// Values replayed on subscription are not recorded.
type Recorder struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	queue  chan store.Transition

	mu     sync.Mutex
	unsubs []func()
}

// NewRecorder returns a recorder writing to st.
func NewRecorder(st Store, cfg Config, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 64
	}
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	return &Recorder{
		store:  st,
		cfg:    cfg,
		logger: logger.With("component", "history"),
		queue:  make(chan store.Transition, cfg.Depth),
	}
}

// Bind subscribes to src.
func (r *Recorder) Bind(src Source) {
	unsubs := []func(){
		subscribe(r, src.RegionState(), store.TransitionRegionState, func(s engine.RegionState) (string, string) {
			return s.String(), s.Description()
		}),
		subscribe(r, src.Zone(), store.TransitionZone, func(z engine.ZoneStatus) (string, string) {
			if z.InsideZone {
				return "inside", z.Summary
			}
			return "outside", z.Summary
		}),
		subscribe(r, src.Authorization(), store.TransitionAuthorization, func(a engine.AuthorizationStatus) (string, string) {
			return a.String(), a.Description()
		}),
		subscribe(r, src.Configuration(), store.TransitionConfiguration, func(c engine.Configuration) (string, string) {
			if c.Armed() {
				return "armed", c.String()
			}
			return "disarmed", c.String()
		}),
	}

	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsubs...)
	r.mu.Unlock()
}

func subscribe[T any](r *Recorder, obs engine.Observable[T], kind store.TransitionKind, format func(T) (string, string)) func() {
	primed := false
	return obs.Subscribe(func(v T) {
		if !primed {
			primed = true
			return
		}
		value, detail := format(v)
		r.enqueue(store.Transition{At: time.Now(), Kind: kind, Value: value, Detail: detail})
	})
}

// Close drops all subscriptions.
func (r *Recorder) Close() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, fn := range unsubs {
		fn()
	}
}

func (r *Recorder) enqueue(t store.Transition) {
	select {
	case r.queue <- t:
	default:
		r.logger.Warn("history queue full, dropping", "kind", string(t.Kind), "value", t.Value)
	}
}

// Run writes queued transitions and prunes old ones until ctx is done.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PruneInterval)
	defer ticker.Stop()
	r.prune()

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return nil
		case t := <-r.queue:
			r.write(t)
		case <-ticker.C:
			r.prune()
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case t := <-r.queue:
			r.write(t)
		default:
			return
		}
	}
}

func (r *Recorder) write(t store.Transition) {
	if _, err := r.store.AppendTransition(t); err != nil {
		r.logger.Warn("append transition", "kind", string(t.Kind), "error", err)
	}
}

func (r *Recorder) prune() {
	if r.cfg.Retention <= 0 {
		return
	}
	n, err := r.store.PruneTransitions(time.Now().Add(-r.cfg.Retention))
	if err != nil {
		r.logger.Warn("prune transitions", "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("pruned transitions", "count", n)
	}
}
