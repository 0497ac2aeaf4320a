package cellindex

import (
	"fmt"
	"math"

	"github.com/golang/geo/s2"

	"github.com/signalsfoundry/geo-origin/core"
	"github.com/signalsfoundry/geo-origin/model"
)

// S2Provider implements Provider on the S2 cell hierarchy. The local frame is
// the WGS-84 tangent plane at the center of the origin cell: X and Z are the
// east and north offsets of the point's ground projection, Y is its altitude
// above the ellipsoid.
type S2Provider struct{}

const maxWorldIterations = 20

// NewS2Provider returns the default provider.
func NewS2Provider() *S2Provider { return &S2Provider{} }

// CellIDForCoordinate returns the id of the level-`level` cell containing c.
func (S2Provider) CellIDForCoordinate(c model.GeoCoordinate, level int) (model.CellID, error) {
	leaf := s2.CellIDFromLatLng(s2.LatLngFromDegrees(c.Latitude, c.Longitude))
	return model.CellID(leaf.Parent(level)), nil
}

// CellCenter returns the center of the cell.
func (S2Provider) CellCenter(id model.CellID) (model.GeoCoordinate, error) {
	cid := s2.CellID(id)
	if !cid.IsValid() {
		return model.GeoCoordinate{}, fmt.Errorf("%w: %s", ErrInvalidCell, id)
	}
	ll := cid.LatLng()
	return model.GeoCoordinate{Latitude: ll.Lat.Degrees(), Longitude: ll.Lng.Degrees()}, nil
}

// ToLocal maps c at the given altitude into the frame of origin.
func (p S2Provider) ToLocal(c model.GeoCoordinate, altitude float64, origin model.CellID) (model.LocalPosition, error) {
	frame, err := p.frame(origin)
	if err != nil {
		return model.LocalPosition{}, err
	}
	east, north, _ := frame.ToENU(core.GeodeticToECEF(c.Latitude, c.Longitude, 0))
	return model.LocalPosition{X: east, Y: altitude, Z: north}, nil
}

// ToWorld is the inverse of ToLocal; pos.Y is the altitude and does not
// affect the result.
func (p S2Provider) ToWorld(pos model.LocalPosition, origin model.CellID) (model.GeoCoordinate, error) {
	frame, err := p.frame(origin)
	if err != nil {
		return model.GeoCoordinate{}, err
	}

	// Find the ground point whose tangent-plane offset is (X, Z). The plane
	// sits above the curved ground, so walk the "up" offset down until the
	// candidate lands on the ellipsoid.
	var lat, lon, up float64
	for i := 0; i < maxWorldIterations; i++ {
		var h float64
		lat, lon, h = core.ECEFToGeodetic(frame.FromENU(pos.X, pos.Z, up))
		_, _, groundUp := frame.ToENU(core.GeodeticToECEF(lat, lon, 0))
		if math.Abs(h) < 1e-7 {
			break
		}
		up = groundUp
	}
	return model.GeoCoordinate{Latitude: lat, Longitude: lon}, nil
}

// DistanceMeters returns the great-circle distance between a and b.
func (S2Provider) DistanceMeters(a, b model.GeoCoordinate) (float64, error) {
	angle := s2.LatLngFromDegrees(a.Latitude, a.Longitude).Distance(s2.LatLngFromDegrees(b.Latitude, b.Longitude))
	return angle.Radians() * core.EarthRadiusMeters, nil
}

// BearingDegrees returns the initial bearing from a to b.
func (S2Provider) BearingDegrees(a, b model.GeoCoordinate) (float64, error) {
	return core.InitialBearingDegrees(a.Latitude, a.Longitude, b.Latitude, b.Longitude), nil
}

func (p S2Provider) frame(origin model.CellID) (core.ENUFrame, error) {
	center, err := p.CellCenter(origin)
	if err != nil {
		return core.ENUFrame{}, err
	}
	return core.NewENUFrame(center.Latitude, center.Longitude, 0), nil
}
