// Package accuracy measures how well horizontal distance in the local
// planar frame agrees with true distance on the WGS-84 ellipsoid as
// positions move away from the origin cell.
package accuracy

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/signalsfoundry/geo-origin/core"
	"github.com/signalsfoundry/geo-origin/model"
)

// DefaultRadii are the probe distances in metres used when none are given.
var DefaultRadii = []float64{10, 100, 250, 500, 1000, 2500, 5000, 10000}

// DefaultBearings are the probe bearings in degrees used when none are given.
var DefaultBearings = []float64{0, 45, 90, 135, 180, 225, 270, 315}

// Index is the part of cellindex.Index used by the probe.
type Index interface {
	CoordinateForCell(id model.CellID) (model.GeoCoordinate, error)
	ToLocal(c model.GeoCoordinate, altitude float64, origin model.CellID) (model.LocalPosition, error)
}

// Sample is a single comparison between the planar distance of a ground
// point and its straight-line ECEF distance from the cell center.
type Sample struct {
	Radius        float64
	Bearing       float64
	Chord         float64
	Planar        float64
	RelativeError float64
}

// Summary aggregates the relative errors of a probe.
type Summary struct {
	Count  int
	Mean   float64
	StdDev float64
	Max    float64
}

// Probe places ground points at each radius and bearing in the tangent
// plane of the center of origin, drops them onto the ellipsoid, and compares
// the horizontal length of their local position with the straight-line
// distance between the two ground points. The error grows with radius as
// the ground curves away from the plane.
func Probe(idx Index, origin model.CellID, radii, bearings []float64) ([]Sample, error) {
	if len(radii) == 0 {
		radii = DefaultRadii
	}
	if len(bearings) == 0 {
		bearings = DefaultBearings
	}
	center, err := idx.CoordinateForCell(origin)
	if err != nil {
		return nil, fmt.Errorf("probe origin %s: %w", origin, err)
	}
	frame := core.NewENUFrame(center.Latitude, center.Longitude, 0)
	centerECEF := core.GeodeticToECEF(center.Latitude, center.Longitude, 0)

	samples := make([]Sample, 0, len(radii)*len(bearings))
	for _, r := range radii {
		if r <= 0 {
			return nil, fmt.Errorf("probe radius must be positive, got %v", r)
		}
		for _, b := range bearings {
			sin, cos := math.Sincos(b * math.Pi / 180)
			lat, lon, _ := core.ECEFToGeodetic(frame.FromENU(r*sin, r*cos, 0))
			target := model.GeoCoordinate{Latitude: lat, Longitude: lon}

			local, err := idx.ToLocal(target, 0, origin)
			if err != nil {
				return nil, fmt.Errorf("probe %v m at %v deg: %w", r, b, err)
			}
			chord := centerECEF.DistanceTo(core.GeodeticToECEF(lat, lon, 0))
			planar := math.Hypot(local.X, local.Z)
			samples = append(samples, Sample{
				Radius:        r,
				Bearing:       b,
				Chord:         chord,
				Planar:        planar,
				RelativeError: math.Abs(planar-chord) / chord,
			})
		}
	}
	return samples, nil
}

// Summarize returns statistics over the relative errors of samples.
func Summarize(samples []Sample) Summary {
	if len(samples) == 0 {
		return Summary{}
	}
	errs := make([]float64, len(samples))
	for i, s := range samples {
		errs[i] = s.RelativeError
	}
	sum := Summary{
		Count: len(errs),
		Mean:  stat.Mean(errs, nil),
		Max:   floats.Max(errs),
	}
	if len(errs) > 1 {
		sum.StdDev = stat.StdDev(errs, nil)
	}
	return sum
}

// ValidRadius returns the largest probed radius up to which every sample,
// at that radius and all smaller ones, stays within tolerance. It returns 0
// when even the smallest radius fails.
func ValidRadius(samples []Sample, tolerance float64) float64 {
	worst := map[float64]float64{}
	for _, s := range samples {
		if cur, ok := worst[s.Radius]; !ok || s.RelativeError > cur {
			worst[s.Radius] = s.RelativeError
		}
	}
	radii := make([]float64, 0, len(worst))
	for r := range worst {
		radii = append(radii, r)
	}
	sort.Float64s(radii)

	valid := 0.0
	for _, r := range radii {
		if worst[r] > tolerance {
			break
		}
		valid = r
	}
	return valid
}
