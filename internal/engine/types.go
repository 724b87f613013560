// Package engine reconciles a user-editable geofence configuration against
// the region-monitoring and connectivity subsystems of the host, and derives
// an observable zone status from the events those subsystems deliver.
//
// All engine state is owned by a single goroutine (see Engine.Run). Adapters
// hand their events to the engine through Post, which is safe to call from
// any goroutine.
package engine

import (
	"fmt"
	"strings"

	"geofenced/internal/geo"
)

// RegionID is the single identifier under which the engine registers its
// region with the monitoring subsystem.
const RegionID = "geofenceRegionId"

// NetworkNameKey is the persistence key holding the target network name.
const NetworkNameKey = "geofence.targetNetworkName"

// Configuration is the desired geofence. It is replaced wholesale on every
// SetConfiguration call.
type Configuration struct {
	Center        *geo.Coordinate `json:"center,omitempty"`
	Radius        float64         `json:"radius"`
	TargetNetwork *string         `json:"target_network,omitempty"`
}

// Armed reports whether the geographic part of the configuration is
// complete enough to register a region.
func (c Configuration) Armed() bool {
	return c.Center != nil && c.Radius > 0
}

// Clone returns a copy that shares no pointers with c.
func (c Configuration) Clone() Configuration {
	out := Configuration{Radius: c.Radius}
	if c.Center != nil {
		center := *c.Center
		out.Center = &center
	}
	if c.TargetNetwork != nil {
		name := *c.TargetNetwork
		out.TargetNetwork = &name
	}
	return out
}

// Equal compares two configurations by value.
func (c Configuration) Equal(o Configuration) bool {
	if c.Radius != o.Radius {
		return false
	}
	if (c.Center == nil) != (o.Center == nil) {
		return false
	}
	if c.Center != nil && *c.Center != *o.Center {
		return false
	}
	if (c.TargetNetwork == nil) != (o.TargetNetwork == nil) {
		return false
	}
	return c.TargetNetwork == nil || *c.TargetNetwork == *o.TargetNetwork
}

func (c Configuration) String() string {
	var b strings.Builder
	if c.Center != nil {
		fmt.Fprintf(&b, "center=%s radius=%gm", c.Center, c.Radius)
	} else {
		b.WriteString("center=none")
	}
	if c.TargetNetwork != nil {
		fmt.Fprintf(&b, " network=%q", *c.TargetNetwork)
	}
	return b.String()
}

// Region is a circular region as registered with the monitoring subsystem.
type Region struct {
	ID            string         `json:"id"`
	Center        geo.Coordinate `json:"center"`
	Radius        float64        `json:"radius"`
	NotifyOnEntry bool           `json:"notify_on_entry"`
	NotifyOnExit  bool           `json:"notify_on_exit"`
}

// Circle returns the region geometry.
func (r Region) Circle() geo.Circle {
	return geo.Circle{Center: r.Center, Radius: r.Radius}
}

// RegionState is the engine's view of the device position relative to its
// region.
type RegionState int

const (
	// RegionNone means no armed region, or monitoring failed terminally.
	RegionNone RegionState = iota
	// RegionUnknown means armed and awaiting a determination.
	RegionUnknown
	RegionInside
	RegionOutside
)

var regionStateNames = map[RegionState]string{
	RegionNone:    "none",
	RegionUnknown: "unknown",
	RegionInside:  "inside",
	RegionOutside: "outside",
}

func (s RegionState) String() string {
	if name, ok := regionStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RegionState(%d)", int(s))
}

// Description returns the human-readable form shown to users.
func (s RegionState) Description() string {
	switch s {
	case RegionUnknown:
		return "Unknown"
	case RegionInside:
		return "Inside region"
	case RegionOutside:
		return "Outside region"
	default:
		return "Not monitoring"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s RegionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *RegionState) UnmarshalText(text []byte) error {
	for state, name := range regionStateNames {
		if name == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown region state %q", text)
}

// AuthorizationStatus is the permission level granted for region monitoring.
type AuthorizationStatus int

const (
	AuthorizationNotDetermined AuthorizationStatus = iota
	AuthorizationRestricted
	AuthorizationDenied
	AuthorizationAlways
	AuthorizationWhenInUse
)

var authorizationNames = map[AuthorizationStatus]string{
	AuthorizationNotDetermined: "not_determined",
	AuthorizationRestricted:    "restricted",
	AuthorizationDenied:        "denied",
	AuthorizationAlways:        "always",
	AuthorizationWhenInUse:     "when_in_use",
}

func (a AuthorizationStatus) String() string {
	if name, ok := authorizationNames[a]; ok {
		return name
	}
	return fmt.Sprintf("AuthorizationStatus(%d)", int(a))
}

// Description returns the human-readable form shown to users.
func (a AuthorizationStatus) Description() string {
	switch a {
	case AuthorizationRestricted:
		return "Device restricted"
	case AuthorizationDenied:
		return "Denied"
	case AuthorizationAlways:
		return "Allowed"
	case AuthorizationWhenInUse:
		return "Only when in use"
	default:
		return "Not determined"
	}
}

// Granted reports whether region determination may be attempted.
func (a AuthorizationStatus) Granted() bool {
	return a == AuthorizationAlways || a == AuthorizationWhenInUse
}

// MarshalText implements encoding.TextMarshaler.
func (a AuthorizationStatus) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AuthorizationStatus) UnmarshalText(text []byte) error {
	for status, name := range authorizationNames {
		if name == string(text) {
			*a = status
			return nil
		}
	}
	return fmt.Errorf("unknown authorization status %q", text)
}

// ConnectionKind is the type of the primary network connection.
type ConnectionKind int

const (
	ConnectionNone ConnectionKind = iota
	ConnectionWifi
	ConnectionOther
)

func (k ConnectionKind) String() string {
	switch k {
	case ConnectionWifi:
		return "wifi"
	case ConnectionOther:
		return "other"
	default:
		return "none"
	}
}
