package engine

import "log/slog"

// WifiMonitor turns connectivity notifications on and off depending on
// whether a target network is configured, and maintains NetworkAccessible.
// It is owned by the engine goroutine.
type WifiMonitor struct {
	conn   Connectivity
	post   func(Event)
	logger *slog.Logger

	active     bool
	target     *string
	generation uint64

	monitoring *Value[bool]
	accessible *Value[bool]
	network    *Value[string] // last observed network name, "" when unknown
}

func newWifiMonitor(conn Connectivity, post func(Event), monitoring, accessible *Value[bool], network *Value[string], logger *slog.Logger) *WifiMonitor {
	return &WifiMonitor{
		conn:       conn,
		post:       post,
		logger:     logger,
		monitoring: monitoring,
		accessible: accessible,
		network:    network,
	}
}

// SetTarget arms or disarms network monitoring. Calls that do not change the
// arming state only update the target and re-evaluate.
func (w *WifiMonitor) SetTarget(name *string) {
	if name != nil {
		n := *name
		w.target = &n
	} else {
		w.target = nil
	}
	w.monitoring.Set(name != nil)

	switch {
	case name != nil && !w.active:
		w.start()
	case name == nil && w.active:
		w.stop()
	case name != nil:
		w.evaluate()
	default:
		w.accessible.Set(false)
	}
}

func (w *WifiMonitor) start() {
	if w.conn == nil {
		w.logger.Warn("no connectivity backend, network match disabled")
		w.accessible.Set(false)
		return
	}

	w.generation++
	gen := w.generation
	w.conn.SetReachabilityHandler(func() {
		ev := ReachabilityChanged()
		ev.generation = gen
		w.post(ev)
	})
	if err := w.conn.StartNotifications(); err != nil {
		w.conn.SetReachabilityHandler(nil)
		w.logger.Warn("start connectivity notifications", "error", err)
		w.accessible.Set(false)
		return
	}

	w.active = true
	w.logger.Debug("network monitoring started", "target", *w.target)
	w.evaluate()
}

// stop unregisters the handler before clearing the active flag so that no
// callback delivered afterwards can change state.
func (w *WifiMonitor) stop() {
	w.conn.SetReachabilityHandler(nil)
	w.conn.StopNotifications()
	w.generation++
	w.active = false
	w.network.Set("")
	w.accessible.Set(false)
	w.logger.Debug("network monitoring stopped")
}

// detach stops notifications on shutdown without publishing new values.
func (w *WifiMonitor) detach() {
	if !w.active {
		return
	}
	w.conn.SetReachabilityHandler(nil)
	w.conn.StopNotifications()
	w.generation++
	w.active = false
}

// handle processes a reachability event that has reached the owner
// goroutine. Events from a previous registration are dropped.
func (w *WifiMonitor) handle(ev Event) {
	if !w.active {
		return
	}
	if ev.generation != 0 && ev.generation != w.generation {
		return
	}
	w.evaluate()
}

func (w *WifiMonitor) evaluate() {
	if !w.active || w.conn == nil || w.target == nil {
		w.accessible.Set(false)
		return
	}

	kind := w.conn.CurrentConnectionKind()
	name, ok := w.conn.CurrentNetworkName()
	if !ok {
		name = ""
	}
	w.network.Set(name)

	match := kind == ConnectionWifi && ok && name == *w.target
	if w.accessible.Set(match) {
		w.logger.Info("network match changed", "accessible", match, "network", name, "kind", kind.String())
	}
}
