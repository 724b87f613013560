//go:build !linux

package regionmon

import (
	"context"
	"errors"
	"log/slog"

	"geofenced/internal/engine"
)

// ErrGeoClueUnsupported is returned on platforms without GeoClue2.
var ErrGeoClueUnsupported = errors.New("regionmon: geoclue is only available on linux")

// GeoClueConfig configures the GeoClue2 source.
type GeoClueConfig struct {
	DesktopID         string
	DistanceThreshold uint32
}

// GeoClueSource is unavailable on this platform.
type GeoClueSource struct{}

func NewGeoClueSource(GeoClueConfig, *slog.Logger) (*GeoClueSource, error) {
	return nil, ErrGeoClueUnsupported
}

func (s *GeoClueSource) Name() string { return "geoclue" }

func (s *GeoClueSource) Authorization() engine.AuthorizationStatus {
	return engine.AuthorizationRestricted
}

func (s *GeoClueSource) Authorize(context.Context) (engine.AuthorizationStatus, error) {
	return engine.AuthorizationRestricted, ErrGeoClueUnsupported
}

func (s *GeoClueSource) Available() bool { return false }

func (s *GeoClueSource) Run(context.Context, chan<- Fix) error {
	return ErrGeoClueUnsupported
}
