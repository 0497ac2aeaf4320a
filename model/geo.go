package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

// ErrCoordinateOutOfRange is returned by GeoCoordinate.Validate.
var ErrCoordinateOutOfRange = errors.New("coordinate out of range")

// GeoCoordinate is a WGS-84 latitude/longitude pair in degrees.
type GeoCoordinate struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Validate reports whether latitude is within [-90, 90] and longitude within
// [-180, 180].
func (c GeoCoordinate) Validate() error {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v", ErrCoordinateOutOfRange, c.Latitude)
	}
	if math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v", ErrCoordinateOutOfRange, c.Longitude)
	}
	return nil
}

func (c GeoCoordinate) String() string {
	return strconv.FormatFloat(c.Latitude, 'f', -1, 64) + ", " + strconv.FormatFloat(c.Longitude, 'f', -1, 64)
}

// LocalPosition is a point in the scene's Cartesian frame, in metres.
// X points east, Y up and Z true north.
type LocalPosition struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
	Z float64 `json:"z" yaml:"z"`
}

// Magnitude returns the distance of p from the frame origin.
func (p LocalPosition) Magnitude() float64 {
	return math.Sqrt(p.X*p.X + p.Y*p.Y + p.Z*p.Z)
}

// CellID identifies a cell of the hierarchical geodesic grid.
type CellID uint64

// String renders the id as a zero-padded hex value.
func (id CellID) String() string {
	return fmt.Sprintf("%016X", uint64(id))
}

// ParseCellID parses the hex form produced by CellID.String.
func ParseCellID(s string) (CellID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cell id %q: %w", s, err)
	}
	return CellID(v), nil
}

// Origin is a read-only snapshot of the session's geo origin.
type Origin struct {
	CellID      CellID        `json:"cell_id"`
	CellCenter  GeoCoordinate `json:"cell_center"`
	Established bool          `json:"established"`
}
