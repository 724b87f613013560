package engine

// RegionMonitor is the host's region-monitoring subsystem. Calls are
// fire-and-forget: outcomes arrive later as events passed to Engine.Post.
type RegionMonitor interface {
	// AddOrReplace registers r, replacing any region with the same ID.
	AddOrReplace(r Region)
	Remove(id string)
	List() []Region
	// RequestCurrentState asks for a StateDetermined event for id.
	RequestCurrentState(id string)
	RequestAuthorization()
	AuthorizationStatus() AuthorizationStatus
	ServicesEnabled() bool
}

// Connectivity is the host's network-reachability subsystem. The handler
// passed to SetReachabilityHandler may be invoked from any goroutine.
type Connectivity interface {
	SetReachabilityHandler(fn func())
	StartNotifications() error
	StopNotifications()
	CurrentConnectionKind() ConnectionKind
	// CurrentNetworkName returns the connected network name, or false when
	// there is none.
	CurrentNetworkName() (string, bool)
}

// Persistence is a durable key-value store. Set with a nil value deletes
// the key.
type Persistence interface {
	Get(key string) (*string, error)
	Set(key string, value *string) error
}
