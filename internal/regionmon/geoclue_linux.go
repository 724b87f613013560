//go:build linux

package regionmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"geofenced/internal/engine"
	"geofenced/internal/geo"
)

// GeoClue2 D-Bus constants
const (
	geoclueService         = "org.freedesktop.GeoClue2"
	geoclueManagerPath     = "/org/freedesktop/GeoClue2/Manager"
	geoclueManagerIface    = "org.freedesktop.GeoClue2.Manager"
	geoclueClientIface     = "org.freedesktop.GeoClue2.Client"
	geoclueLocationIface   = "org.freedesktop.GeoClue2.Location"
	dbusPropertiesIface    = "org.freedesktop.DBus.Properties"
	dbusAccessDeniedError  = "org.freedesktop.DBus.Error.AccessDenied"
	geoclueAccuracyExact   = uint32(8)
	geoclueDefaultDesktop  = "geofenced"
	geoclueDistanceDefault = uint32(10)
)

// GeoClueConfig configures the GeoClue2 source.
type GeoClueConfig struct {
	DesktopID string
	// DistanceThreshold is the minimum movement in meters between updates.
	DistanceThreshold uint32
}

// GeoClueSource reads positions from GeoClue2 on the system bus.
type GeoClueSource struct {
	cfg    GeoClueConfig
	logger *slog.Logger

	mu        sync.Mutex
	status    engine.AuthorizationStatus
	available bool
}

// NewGeoClueSource checks that GeoClue2 is reachable and returns a source.
func NewGeoClueSource(cfg GeoClueConfig, logger *slog.Logger) (*GeoClueSource, error) {
	if cfg.DesktopID == "" {
		cfg.DesktopID = geoclueDefaultDesktop
	}
	if cfg.DistanceThreshold == 0 {
		cfg.DistanceThreshold = geoclueDistanceDefault
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &GeoClueSource{
		cfg:    cfg,
		logger: logger.With("component", "geoclue"),
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	var hasOwner bool
	if err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, geoclueService).Store(&hasOwner); err != nil {
		return nil, fmt.Errorf("query %s: %w", geoclueService, err)
	}
	s.available = hasOwner
	return s, nil
}

func (s *GeoClueSource) Name() string { return "geoclue" }

func (s *GeoClueSource) Authorization() engine.AuthorizationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *GeoClueSource) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

func (s *GeoClueSource) setState(status engine.AuthorizationStatus, available bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.available = available
}

// Authorize starts and stops a client once. GeoClue consults its agent
// when the client starts, so the outcome is the permission decision.
func (s *GeoClueSource) Authorize(ctx context.Context) (engine.AuthorizationStatus, error) {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		s.setState(engine.AuthorizationRestricted, false)
		return engine.AuthorizationRestricted, fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	client, err := s.newClient(ctx, conn)
	if err != nil {
		return s.classify(err)
	}
	if err := client.CallWithContext(ctx, geoclueClientIface+".Start", 0).Err; err != nil {
		return s.classify(err)
	}
	client.CallWithContext(ctx, geoclueClientIface+".Stop", 0)

	s.setState(engine.AuthorizationAlways, true)
	return engine.AuthorizationAlways, nil
}

func (s *GeoClueSource) classify(err error) (engine.AuthorizationStatus, error) {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) && dbusErr.Name == dbusAccessDeniedError {
		s.setState(engine.AuthorizationDenied, true)
		return engine.AuthorizationDenied, nil
	}
	s.setState(engine.AuthorizationRestricted, false)
	return engine.AuthorizationRestricted, err
}

func (s *GeoClueSource) newClient(ctx context.Context, conn *dbus.Conn) (dbus.BusObject, error) {
	var path dbus.ObjectPath
	manager := conn.Object(geoclueService, geoclueManagerPath)
	if err := manager.CallWithContext(ctx, geoclueManagerIface+".CreateClient", 0).Store(&path); err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}

	client := conn.Object(geoclueService, path)
	props := map[string]any{
		"DesktopId":              s.cfg.DesktopID,
		"RequestedAccuracyLevel": geoclueAccuracyExact,
		"DistanceThreshold":      s.cfg.DistanceThreshold,
	}
	for name, value := range props {
		call := client.CallWithContext(ctx, dbusPropertiesIface+".Set", 0, geoclueClientIface, name, dbus.MakeVariant(value))
		if call.Err != nil {
			return nil, fmt.Errorf("set client %s: %w", name, call.Err)
		}
	}
	return client, nil
}

// Run starts a client and forwards LocationUpdated signals as fixes.
func (s *GeoClueSource) Run(ctx context.Context, fixes chan<- Fix) error {
	conn, err := dbus.ConnectSystemBus(dbus.WithContext(ctx))
	if err != nil {
		s.setState(s.Authorization(), false)
		return fmt.Errorf("connect system bus: %w", err)
	}
	defer conn.Close()

	client, err := s.newClient(ctx, conn)
	if err != nil {
		_, err = s.classify(err)
		return err
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(client.Path()),
		dbus.WithMatchInterface(geoclueClientIface),
		dbus.WithMatchMember("LocationUpdated"),
	); err != nil {
		return fmt.Errorf("add match: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	if err := client.CallWithContext(ctx, geoclueClientIface+".Start", 0).Err; err != nil {
		status, cerr := s.classify(err)
		if cerr == nil {
			return fmt.Errorf("geoclue client start: %s", status.Description())
		}
		return cerr
	}
	s.setState(engine.AuthorizationAlways, true)
	defer client.Call(geoclueClientIface+".Stop", 0)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("system bus connection closed")
			}
			if sig.Name != geoclueClientIface+".LocationUpdated" || len(sig.Body) < 2 {
				continue
			}
			path, ok := sig.Body[1].(dbus.ObjectPath)
			if !ok {
				continue
			}
			fix, err := readLocation(conn.Object(geoclueService, path))
			if err != nil {
				s.logger.Warn("read location", "path", path, "error", err)
				continue
			}
			select {
			case fixes <- fix:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func readLocation(obj dbus.BusObject) (Fix, error) {
	values := make(map[string]float64, 3)
	for _, name := range []string{"Latitude", "Longitude", "Accuracy"} {
		v, err := obj.GetProperty(geoclueLocationIface + "." + name)
		if err != nil {
			return Fix{}, err
		}
		f, ok := v.Value().(float64)
		if !ok {
			return Fix{}, fmt.Errorf("%s has type %T", name, v.Value())
		}
		values[name] = f
	}
	return Fix{
		Coordinate: geo.Coordinate{Latitude: values["Latitude"], Longitude: values["Longitude"]},
		Accuracy:   values["Accuracy"],
		At:         time.Now(),
	}, nil
}
