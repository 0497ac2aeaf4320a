// Package cellindex maps WGS-84 coordinates onto a hierarchical geodesic
// cell grid and converts between world coordinates and the flat local frame
// tangent at a cell center.
//
// All operations are pure; an Index may be shared between goroutines.
package cellindex

import (
	"fmt"

	"github.com/signalsfoundry/geo-origin/model"
)

const (
	// MinLevel is the coarsest supported cell level.
	MinLevel = 0
	// MaxLevel is the finest supported cell level.
	MaxLevel = 30
	// DefaultLevel gives cells of roughly 15-20 m on a side.
	DefaultLevel = 19
)

// Index validates inputs and delegates to a Provider.
type Index struct {
	provider Provider
}

// New returns an Index backed by provider. A nil provider selects the S2
// provider.
func New(provider Provider) *Index {
	if provider == nil {
		provider = NewS2Provider()
	}
	return &Index{provider: provider}
}

// ValidateLevel reports whether level is within [MinLevel, MaxLevel].
func ValidateLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("%w: %d (want %d-%d)", ErrInvalidLevel, level, MinLevel, MaxLevel)
	}
	return nil
}

// CellIDForCoordinate returns the id of the cell at level containing c.
// Equal inputs always yield equal ids.
func (x *Index) CellIDForCoordinate(c model.GeoCoordinate, level int) (model.CellID, error) {
	if err := validateCoordinate(c); err != nil {
		return 0, err
	}
	if err := ValidateLevel(level); err != nil {
		return 0, err
	}
	id, err := x.provider.CellIDForCoordinate(c, level)
	if err != nil {
		return 0, fmt.Errorf("cell lookup for %s: %w", c, err)
	}
	return id, nil
}

// CoordinateForCell returns the center of the cell. Any coordinate within the
// cell maps to the same id, so this is an inverse only up to cell resolution.
func (x *Index) CoordinateForCell(id model.CellID) (model.GeoCoordinate, error) {
	if id == 0 {
		return model.GeoCoordinate{}, fmt.Errorf("%w: %s", ErrInvalidCell, id)
	}
	c, err := x.provider.CellCenter(id)
	if err != nil {
		return model.GeoCoordinate{}, fmt.Errorf("cell center for %s: %w", id, err)
	}
	return c, nil
}

// ToLocal converts c at altitude metres into the local frame anchored at the
// center of origin. Accuracy degrades with distance from the origin; results
// far outside the validated radius are not errors.
func (x *Index) ToLocal(c model.GeoCoordinate, altitude float64, origin model.CellID) (model.LocalPosition, error) {
	if err := validateCoordinate(c); err != nil {
		return model.LocalPosition{}, err
	}
	if origin == 0 {
		return model.LocalPosition{}, fmt.Errorf("%w: %s", ErrInvalidCell, origin)
	}
	p, err := x.provider.ToLocal(c, altitude, origin)
	if err != nil {
		return model.LocalPosition{}, fmt.Errorf("to local in %s: %w", origin, err)
	}
	return p, nil
}

// ToWorld is the inverse of ToLocal.
func (x *Index) ToWorld(p model.LocalPosition, origin model.CellID) (model.GeoCoordinate, error) {
	if origin == 0 {
		return model.GeoCoordinate{}, fmt.Errorf("%w: %s", ErrInvalidCell, origin)
	}
	c, err := x.provider.ToWorld(p, origin)
	if err != nil {
		return model.GeoCoordinate{}, fmt.Errorf("to world in %s: %w", origin, err)
	}
	return c, nil
}

// DistanceMeters returns the great-circle distance between a and b.
func (x *Index) DistanceMeters(a, b model.GeoCoordinate) (float64, error) {
	if err := validateCoordinate(a); err != nil {
		return 0, err
	}
	if err := validateCoordinate(b); err != nil {
		return 0, err
	}
	return x.provider.DistanceMeters(a, b)
}

// BearingDegrees returns the initial bearing from a to b, clockwise from
// true north.
func (x *Index) BearingDegrees(a, b model.GeoCoordinate) (float64, error) {
	if err := validateCoordinate(a); err != nil {
		return 0, err
	}
	if err := validateCoordinate(b); err != nil {
		return 0, err
	}
	return x.provider.BearingDegrees(a, b)
}

func validateCoordinate(c model.GeoCoordinate) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCoordinate, err)
	}
	return nil
}
