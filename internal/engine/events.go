package engine

import "fmt"

// EventKind identifies the variant carried by an Event.
type EventKind int

const (
	EventMonitoringStarted EventKind = iota + 1
	EventStateDetermined
	EventEntered
	EventExited
	EventMonitoringFailed
	EventAuthorizationChanged
	EventGeneralFailure
	EventReachabilityChanged
)

func (k EventKind) String() string {
	switch k {
	case EventMonitoringStarted:
		return "monitoring_started"
	case EventStateDetermined:
		return "state_determined"
	case EventEntered:
		return "entered"
	case EventExited:
		return "exited"
	case EventMonitoringFailed:
		return "monitoring_failed"
	case EventAuthorizationChanged:
		return "authorization_changed"
	case EventGeneralFailure:
		return "general_failure"
	case EventReachabilityChanged:
		return "reachability_changed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a notification from a subsystem adapter. Only the fields relevant
// to Kind are set; use the constructors below.
type Event struct {
	Kind EventKind
	// RegionID is empty for a MonitoringFailed event that names no region.
	RegionID      string
	State         RegionState
	Authorization AuthorizationStatus
	Err           error

	generation uint64
}

func MonitoringStarted(id string) Event {
	return Event{Kind: EventMonitoringStarted, RegionID: id}
}

func StateDetermined(id string, state RegionState) Event {
	return Event{Kind: EventStateDetermined, RegionID: id, State: state}
}

func Entered(id string) Event {
	return Event{Kind: EventEntered, RegionID: id}
}

func Exited(id string) Event {
	return Event{Kind: EventExited, RegionID: id}
}

// MonitoringFailed reports a registration or determination failure. An
// empty id means the failure was not attributed to a region.
func MonitoringFailed(id string, err error) Event {
	return Event{Kind: EventMonitoringFailed, RegionID: id, Err: err}
}

func AuthorizationChanged(status AuthorizationStatus) Event {
	return Event{Kind: EventAuthorizationChanged, Authorization: status}
}

func GeneralFailure(err error) Event {
	return Event{Kind: EventGeneralFailure, Err: err}
}

// ReachabilityChanged tells the engine to re-read connectivity state.
func ReachabilityChanged() Event {
	return Event{Kind: EventReachabilityChanged}
}
