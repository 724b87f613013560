package engine

import "log/slog"

// Reconciler converts the desired Configuration into registrations with the
// region-monitoring subsystem and tracks the resulting region state. It is
// owned by the engine goroutine.
type Reconciler struct {
	regions RegionMonitor
	store   Persistence
	wifi    *WifiMonitor
	logger  *slog.Logger

	config          *Value[Configuration]
	state           *Value[RegionState]
	monitoring      *Value[bool]
	authorization   *Value[AuthorizationStatus]
	servicesEnabled *Value[bool]
}

// recover reads back the configuration left by a previous run: the region
// geometry from the monitoring subsystem and the network name from
// persistence. It only observes; nothing is added or removed.
func (r *Reconciler) recover() (Configuration, bool) {
	var (
		cfg       Configuration
		recovered bool
	)

	for _, region := range r.regions.List() {
		if region.ID != RegionID {
			continue
		}
		center := region.Center
		cfg.Center = &center
		cfg.Radius = region.Radius
		recovered = true
		break
	}

	name, err := r.store.Get(NetworkNameKey)
	if err != nil {
		r.logger.Warn("read persisted network name", "error", err)
	} else if name != nil {
		cfg.TargetNetwork = name
		recovered = true
	}

	if recovered {
		r.config.Set(cfg)
		if cfg.Armed() {
			r.state.Set(RegionUnknown)
		}
		r.logger.Info("recovered configuration", "config", cfg.String())
	}
	r.monitoring.Set(r.listed())
	r.authorization.Set(r.regions.AuthorizationStatus())
	r.servicesEnabled.Set(r.regions.ServicesEnabled())

	return cfg, recovered
}

// resume starts the parts of a recovered configuration that need a running
// engine: a state query for the region and network monitoring.
func (r *Reconciler) resume() {
	cfg := r.config.Get()
	if r.monitoring.Get() {
		r.regions.RequestCurrentState(RegionID)
	}
	r.wifi.SetTarget(cfg.TargetNetwork)
}

// apply reconciles the subsystem against cfg.
func (r *Reconciler) apply(cfg Configuration) {
	cfg = cfg.Clone()

	if err := r.store.Set(NetworkNameKey, cfg.TargetNetwork); err != nil {
		r.logger.Error("persist network name", "error", err)
	}

	r.config.Set(cfg)

	if cfg.Armed() {
		r.regions.AddOrReplace(Region{
			ID:            RegionID,
			Center:        *cfg.Center,
			Radius:        cfg.Radius,
			NotifyOnEntry: true,
			NotifyOnExit:  true,
		})
		r.state.Set(RegionUnknown)
	} else {
		for _, region := range r.regions.List() {
			if region.ID == RegionID {
				r.regions.Remove(region.ID)
			}
		}
		r.state.Set(RegionNone)
	}

	r.monitoring.Set(r.listed())
	r.wifi.SetTarget(cfg.TargetNetwork)

	r.logger.Info("configuration applied",
		"config", cfg.String(),
		"armed", cfg.Armed(),
		"monitoring_geofence", r.monitoring.Get(),
	)
}

// handle applies a region-subsystem event. Events naming another region are
// ignored.
func (r *Reconciler) handle(ev Event) {
	ours := ev.RegionID == RegionID

	switch ev.Kind {
	case EventMonitoringStarted:
		if ours {
			r.regions.RequestCurrentState(RegionID)
		}

	case EventStateDetermined:
		if ours {
			r.setState(ev.State, ev.Kind)
		}

	case EventEntered:
		if ours {
			r.setState(RegionInside, ev.Kind)
		}

	case EventExited:
		if ours {
			r.setState(RegionOutside, ev.Kind)
		}

	case EventMonitoringFailed:
		if ours || ev.RegionID == "" {
			r.logger.Warn("region monitoring failed", "region", ev.RegionID, "error", ev.Err)
			r.setState(RegionNone, ev.Kind)
		}

	case EventAuthorizationChanged:
		r.authorization.Set(ev.Authorization)
		r.servicesEnabled.Set(r.regions.ServicesEnabled())
		r.logger.Info("authorization changed", "authorization", ev.Authorization.String())

	case EventGeneralFailure:
		r.logger.Warn("location subsystem failure", "error", ev.Err)
		r.authorization.Set(AuthorizationRestricted)
		r.servicesEnabled.Set(r.regions.ServicesEnabled())
	}
}

func (r *Reconciler) setState(s RegionState, cause EventKind) {
	if r.state.Set(s) {
		r.logger.Info("region state changed", "state", s.String(), "cause", cause.String())
	}
}

func (r *Reconciler) listed() bool {
	for _, region := range r.regions.List() {
		if region.ID == RegionID {
			return true
		}
	}
	return false
}
