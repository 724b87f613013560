//go:build linux

package connectivity

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"geofenced/internal/engine"
)

// NetworkManager D-Bus constants
const (
	nmService          = "org.freedesktop.NetworkManager"
	nmPath             = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface        = "org.freedesktop.NetworkManager"
	nmActiveInterface  = "org.freedesktop.NetworkManager.Connection.Active"
	nmAPInterface      = "org.freedesktop.NetworkManager.AccessPoint"
	dbusPropsInterface = "org.freedesktop.DBus.Properties"
	nmNoObject         = dbus.ObjectPath("/")
)

// ErrNotRunning is returned when NetworkManager does not own its bus name.
var ErrNotRunning = errors.New("connectivity: NetworkManager is not running")

// NetworkManager reads the primary connection from NetworkManager on the
// system bus and reports changes to it.
type NetworkManager struct {
	conn   *dbus.Conn
	logger *slog.Logger

	mu      sync.Mutex
	handler func()
	signals chan *dbus.Signal
	done    chan struct{}
}

// NewNetworkManager connects to the system bus and checks that
// NetworkManager is present.
func NewNetworkManager(logger *slog.Logger) (*NetworkManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	var hasOwner bool
	if err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, nmService).Store(&hasOwner); err != nil {
		conn.Close()
		return nil, fmt.Errorf("query %s: %w", nmService, err)
	}
	if !hasOwner {
		conn.Close()
		return nil, ErrNotRunning
	}

	return &NetworkManager{
		conn:   conn,
		logger: logger.With("component", "networkmanager"),
	}, nil
}

// Close stops notifications and closes the bus connection.
func (n *NetworkManager) Close() error {
	n.StopNotifications()
	return n.conn.Close()
}

func (n *NetworkManager) SetReachabilityHandler(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = fn
}

// StartNotifications subscribes to NetworkManager property and state
// changes. Calling it while already started is a no-op.
func (n *NetworkManager) StartNotifications() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.signals != nil {
		return nil
	}

	if err := n.conn.AddMatchSignal(n.matchOptions()...); err != nil {
		return fmt.Errorf("add match: %w", err)
	}
	if err := n.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember("StateChanged"),
	); err != nil {
		n.conn.RemoveMatchSignal(n.matchOptions()...)
		return fmt.Errorf("add match: %w", err)
	}

	n.signals = make(chan *dbus.Signal, 16)
	n.done = make(chan struct{})
	n.conn.Signal(n.signals)
	go n.forward(n.signals, n.done)
	return nil
}

func (n *NetworkManager) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(dbusPropsInterface),
		dbus.WithMatchMember("PropertiesChanged"),
	}
}

func (n *NetworkManager) StopNotifications() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.signals == nil {
		return
	}
	n.conn.RemoveSignal(n.signals)
	n.conn.RemoveMatchSignal(n.matchOptions()...)
	n.conn.RemoveMatchSignal(
		dbus.WithMatchObjectPath(nmPath),
		dbus.WithMatchInterface(nmInterface),
		dbus.WithMatchMember("StateChanged"),
	)
	close(n.done)
	n.signals = nil
	n.done = nil
}

func (n *NetworkManager) forward(signals <-chan *dbus.Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Path != nmPath {
				continue
			}
			n.mu.Lock()
			fn := n.handler
			n.mu.Unlock()
			if fn != nil {
				fn()
			}
		}
	}
}

func (n *NetworkManager) CurrentConnectionKind() engine.ConnectionKind {
	v, err := n.conn.Object(nmService, nmPath).GetProperty(nmInterface + ".PrimaryConnectionType")
	if err != nil {
		n.logger.Warn("read primary connection type", "error", err)
		return engine.ConnectionNone
	}
	t, _ := v.Value().(string)
	return kindFromType(t)
}

// CurrentNetworkName returns the SSID of the access point behind the primary
// connection, falling back to the connection profile name.
func (n *NetworkManager) CurrentNetworkName() (string, bool) {
	v, err := n.conn.Object(nmService, nmPath).GetProperty(nmInterface + ".PrimaryConnection")
	if err != nil {
		n.logger.Warn("read primary connection", "error", err)
		return "", false
	}
	active, ok := v.Value().(dbus.ObjectPath)
	if !ok || active == nmNoObject || !active.IsValid() {
		return "", false
	}

	obj := n.conn.Object(nmService, active)
	if v, err := obj.GetProperty(nmActiveInterface + ".SpecificObject"); err == nil {
		if ap, ok := v.Value().(dbus.ObjectPath); ok && ap != nmNoObject && ap.IsValid() {
			if ssid, err := n.conn.Object(nmService, ap).GetProperty(nmAPInterface + ".Ssid"); err == nil {
				if raw, ok := ssid.Value().([]byte); ok {
					if name, ok := ssidString(raw); ok {
						return name, true
					}
				}
			}
		}
	}

	v, err = obj.GetProperty(nmActiveInterface + ".Id")
	if err != nil {
		return "", false
	}
	id, _ := v.Value().(string)
	return id, id != ""
}
