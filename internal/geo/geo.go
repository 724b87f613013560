// Package geo holds the coordinate and circle primitives used by geofenced.
package geo

import (
	"fmt"
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371008.8

// Coordinate is a WGS84 latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude" toml:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" toml:"longitude" yaml:"longitude"`
}

// Valid reports whether the coordinate lies within WGS84 bounds.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsNaN(c.Longitude) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

func (c Coordinate) latLng() s2.LatLng {
	return s2.LatLngFromDegrees(c.Latitude, c.Longitude)
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Coordinate) float64 {
	return a.latLng().Distance(b.latLng()).Radians() * EarthRadiusMeters
}

// Circle is a spherical cap described by a center and a radius in meters.
type Circle struct {
	Center Coordinate
	Radius float64
}

// Contains reports whether p lies inside or on the boundary of the circle.
// A circle with a non-positive radius contains nothing.
func (c Circle) Contains(p Coordinate) bool {
	if !(c.Radius > 0) {
		return false
	}
	return Distance(c.Center, p) <= c.Radius
}

// Cap returns the circle as an s2 cap, useful for coverings and bounds.
func (c Circle) Cap() s2.Cap {
	angle := s1.Angle(c.Radius / EarthRadiusMeters)
	return s2.CapFromCenterAngle(s2.PointFromLatLng(c.Center.latLng()), angle)
}
