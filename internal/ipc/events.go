package ipc

import (
	"log/slog"

	"geofenced/internal/engine"
)

// EventSource is the set of engine observables streamed to subscribers.
type EventSource interface {
	Zone() engine.Observable[engine.ZoneStatus]
	RegionState() engine.Observable[engine.RegionState]
	Authorization() engine.Observable[engine.AuthorizationStatus]
	Configuration() engine.Observable[engine.Configuration]
	NetworkAccessible() engine.Observable[bool]
}

// NetworkEvent is the payload of EventNetworkChanged.
type NetworkEvent struct {
	NetworkAccessible bool `json:"network_accessible"`
}

// AuthorizationEvent is the payload of EventAuthorizationChanged.
type AuthorizationEvent struct {
	Authorization engine.AuthorizationStatus `json:"authorization"`
	Description   string                     `json:"description"`
}

// RegionStateEvent is the payload of EventRegionStateChanged.
type RegionStateEvent struct {
	RegionState engine.RegionState `json:"region_state"`
	Description string             `json:"description"`
}

// Bridge forwards changes of src to broadcast until the returned function
// is called. Current values are not replayed.
func Bridge(src EventSource, broadcast func(*Event), logger *slog.Logger) (stop func()) {
	if logger == nil {
		logger = slog.Default()
	}
	emit := func(t EventType, data any) {
		ev, err := NewEvent(t, data)
		if err != nil {
			logger.Warn("encode event", "event", t.String(), "error", err)
			return
		}
		broadcast(ev)
	}

	unsubs := []func(){
		watch(src.Zone(), func(z engine.ZoneStatus) {
			emit(EventZoneChanged, z)
		}),
		watch(src.RegionState(), func(s engine.RegionState) {
			emit(EventRegionStateChanged, RegionStateEvent{RegionState: s, Description: s.Description()})
		}),
		watch(src.Authorization(), func(a engine.AuthorizationStatus) {
			emit(EventAuthorizationChanged, AuthorizationEvent{Authorization: a, Description: a.Description()})
		}),
		watch(src.Configuration(), func(c engine.Configuration) {
			emit(EventConfigurationChanged, c)
		}),
		watch(src.NetworkAccessible(), func(v bool) {
			emit(EventNetworkChanged, NetworkEvent{NetworkAccessible: v})
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// watch subscribes fn to o, skipping the value replayed on subscription.
func watch[T any](o engine.Observable[T], fn func(T)) func() {
	primed := false
	return o.Subscribe(func(v T) {
		if !primed {
			primed = true
			return
		}
		fn(v)
	})
}
