package engine

// StatusInput is everything the zone status is derived from.
type StatusInput struct {
	RegionState        RegionState
	MonitoringGeofence bool
	MonitoringWifi     bool
	NetworkAccessible  bool
}

// ZoneStatus is the combined geographic and network view.
type ZoneStatus struct {
	InsideZone bool   `json:"inside_zone"`
	Summary    string `json:"summary"`
}

// Summary texts.
const (
	SummaryNotMonitoring     = "Not monitoring"
	SummaryInsideBoth        = "Inside zone (inside region, on target network)"
	SummaryInsideRegion      = "Inside zone (inside region)"
	SummaryOnNetwork         = "Inside zone (on target network)"
	SummaryOutside           = "Outside zone"
	SummaryWaiting           = "Waiting for location"
	SummaryRegionUnavailable = "Region registered, location unavailable"
	SummaryNetworkOnly       = "Outside zone (target network not connected)"
)

// Aggregate derives the zone status. It is total: every input maps to a
// defined summary.
func Aggregate(in StatusInput) ZoneStatus {
	inside := in.RegionState == RegionInside || in.NetworkAccessible

	var summary string
	switch {
	case in.RegionState == RegionInside && in.NetworkAccessible:
		summary = SummaryInsideBoth
	case in.RegionState == RegionInside:
		summary = SummaryInsideRegion
	case in.NetworkAccessible:
		summary = SummaryOnNetwork
	case in.RegionState == RegionOutside:
		summary = SummaryOutside
	case in.RegionState == RegionUnknown:
		summary = SummaryWaiting
	case in.MonitoringGeofence:
		summary = SummaryRegionUnavailable
	case in.MonitoringWifi:
		summary = SummaryNetworkOnly
	default:
		summary = SummaryNotMonitoring
	}

	return ZoneStatus{InsideZone: inside, Summary: summary}
}
