package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// freedesktop notification D-Bus constants
const (
	notificationsService   = "org.freedesktop.Notifications"
	notificationsPath      = "/org/freedesktop/Notifications"
	notificationsInterface = "org.freedesktop.Notifications"
)

// ErrUnavailable is returned when no notification daemon is on the session bus.
var ErrUnavailable = errors.New("notify: notification service unavailable")

// DesktopSender posts messages to the freedesktop notification daemon.
type DesktopSender struct {
	AppName string
	// Timeout is the expiry in milliseconds; -1 leaves it to the server.
	Timeout int32

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewDesktopSender connects to the session bus.
func NewDesktopSender(appName string, timeout int32) (*DesktopSender, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var hasOwner bool
	if err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, notificationsService).Store(&hasOwner); err != nil || !hasOwner {
		conn.Close()
		return nil, ErrUnavailable
	}
	return &DesktopSender{AppName: appName, Timeout: timeout, conn: conn}, nil
}

func (s *DesktopSender) Send(ctx context.Context, m Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrUnavailable
	}

	hints := map[string]dbus.Variant{
		"category":     dbus.MakeVariant("presence"),
		"x-message-id": dbus.MakeVariant(m.ID.String()),
	}
	call := conn.Object(notificationsService, notificationsPath).CallWithContext(ctx,
		notificationsInterface+".Notify", 0,
		s.AppName, uint32(0), "", m.Title, m.Body, []string{}, hints, s.Timeout)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	return nil
}

// Close releases the session bus connection.
func (s *DesktopSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
