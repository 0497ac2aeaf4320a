package cellindex

import "github.com/signalsfoundry/geo-origin/model"

// Provider is the geodesic-transform backend the Index delegates to. It must
// be deterministic and free of side effects; implementations are expected to
// be safe for concurrent use.
type Provider interface {
	CellIDForCoordinate(c model.GeoCoordinate, level int) (model.CellID, error)
	CellCenter(id model.CellID) (model.GeoCoordinate, error)
	ToLocal(c model.GeoCoordinate, altitude float64, origin model.CellID) (model.LocalPosition, error)
	ToWorld(p model.LocalPosition, origin model.CellID) (model.GeoCoordinate, error)
	DistanceMeters(a, b model.GeoCoordinate) (float64, error)
	BearingDegrees(a, b model.GeoCoordinate) (float64, error)
}
