//go:build !linux

package connectivity

import (
	"errors"
	"log/slog"

	"geofenced/internal/engine"
)

// ErrNotRunning is returned when NetworkManager is unavailable.
var ErrNotRunning = errors.New("connectivity: NetworkManager is only available on linux")

// NetworkManager is unavailable on this platform.
type NetworkManager struct{}

func NewNetworkManager(*slog.Logger) (*NetworkManager, error) {
	return nil, ErrNotRunning
}

func (n *NetworkManager) Close() error { return nil }
func (n *NetworkManager) SetReachabilityHandler(func()) {}
func (n *NetworkManager) StartNotifications() error { return ErrNotRunning }
func (n *NetworkManager) StopNotifications() {}
func (n *NetworkManager) CurrentConnectionKind() engine.ConnectionKind { return engine.ConnectionNone }
func (n *NetworkManager) CurrentNetworkName() (string, bool) { return "", false }
