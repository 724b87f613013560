// Package store provides SQLite-backed persistence for geofenced.
package store

import "time"

// RegionRecord is a monitored region as persisted by the region monitor.
type RegionRecord struct {
	ID            string
	Latitude      float64
	Longitude     float64
	Radius        float64
	NotifyOnEntry bool
	NotifyOnExit  bool
	CreatedAt     time.Time
}

// TransitionKind classifies a history entry.
type TransitionKind string

const (
	TransitionRegionState   TransitionKind = "region_state"
	TransitionZone          TransitionKind = "zone"
	TransitionAuthorization TransitionKind = "authorization"
	TransitionConfiguration TransitionKind = "configuration"
)

// Transition is one entry of the state-change history.
type Transition struct {
	ID     int64          `json:"id"`
	At     time.Time      `json:"at"`
	Kind   TransitionKind `json:"kind"`
	Value  string         `json:"value"`
	Detail string         `json:"detail,omitempty"`
}
