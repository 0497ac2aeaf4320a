// Package core holds the ellipsoid and spherical geometry shared by the
// cell index and its accuracy checks.
package core

import "math"

// EarthRadiusMeters is the mean Earth radius used to scale spherical
// angles into metres.
const EarthRadiusMeters = 6371008.8

// WGS-84 ellipsoid parameters.
const (
	wgs84A  = 6378137.0
	wgs84F  = 1.0 / 298.257223563
	wgs84E2 = wgs84F * (2 - wgs84F)
)

const degToRad = math.Pi / 180.0

// Vec3 is an ECEF-style vector in metres.
type Vec3 struct {
	X, Y, Z float64
}

// DistanceTo returns the straight-line distance between two points.
func (v Vec3) DistanceTo(other Vec3) float64 {
	return v.Sub(other).Norm()
}

// Norm returns the Euclidean norm of the vector.
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - other.
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{X: v.X - other.X, Y: v.Y - other.Y, Z: v.Z - other.Z}
}

// Add returns v + other.
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{X: v.X + other.X, Y: v.Y + other.Y, Z: v.Z + other.Z}
}

// GeodeticToECEF converts a WGS-84 position (degrees, metres above the
// ellipsoid) to ECEF metres.
func GeodeticToECEF(latDeg, lonDeg, altM float64) Vec3 {
	lat := latDeg * degToRad
	lon := lonDeg * degToRad
	sinLat, cosLat := math.Sincos(lat)
	sinLon, cosLon := math.Sincos(lon)

	// Radius of curvature in the prime vertical.
	n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)

	return Vec3{
		X: (n + altM) * cosLat * cosLon,
		Y: (n + altM) * cosLat * sinLon,
		Z: (n*(1-wgs84E2) + altM) * sinLat,
	}
}

// ECEFToGeodetic converts ECEF metres back to WGS-84 latitude/longitude in
// degrees and altitude in metres, iterating until the latitude settles.
func ECEFToGeodetic(v Vec3) (latDeg, lonDeg, altM float64) {
	lon := math.Atan2(v.Y, v.X)
	p := math.Hypot(v.X, v.Y)

	lat := math.Atan2(v.Z, p*(1-wgs84E2))
	var h float64
	for i := 0; i < 16; i++ {
		sinLat, cosLat := math.Sincos(lat)
		n := wgs84A / math.Sqrt(1-wgs84E2*sinLat*sinLat)
		// Pick the better-conditioned height formula for the latitude band.
		if math.Abs(cosLat) > math.Abs(sinLat) {
			h = p/cosLat - n
		} else {
			h = v.Z/sinLat - n*(1-wgs84E2)
		}
		next := math.Atan2(v.Z, p*(1-wgs84E2*n/(n+h)))
		if math.Abs(next-lat) < 1e-14 {
			lat = next
			break
		}
		lat = next
	}

	return lat / degToRad, lon / degToRad, h
}

// ENUFrame is a local east/north/up tangent frame anchored at a geodetic
// point.
type ENUFrame struct {
	origin                         Vec3
	sinLat, cosLat, sinLon, cosLon float64
}

// NewENUFrame builds the tangent frame at the given WGS-84 position.
func NewENUFrame(latDeg, lonDeg, altM float64) ENUFrame {
	sinLat, cosLat := math.Sincos(latDeg * degToRad)
	sinLon, cosLon := math.Sincos(lonDeg * degToRad)
	return ENUFrame{
		origin: GeodeticToECEF(latDeg, lonDeg, altM),
		sinLat: sinLat,
		cosLat: cosLat,
		sinLon: sinLon,
		cosLon: cosLon,
	}
}

// ToENU expresses the ECEF point p in the frame.
func (f ENUFrame) ToENU(p Vec3) (east, north, up float64) {
	d := p.Sub(f.origin)
	east = -f.sinLon*d.X + f.cosLon*d.Y
	north = -f.sinLat*f.cosLon*d.X - f.sinLat*f.sinLon*d.Y + f.cosLat*d.Z
	up = f.cosLat*f.cosLon*d.X + f.cosLat*f.sinLon*d.Y + f.sinLat*d.Z
	return east, north, up
}

// FromENU is the inverse of ToENU.
func (f ENUFrame) FromENU(east, north, up float64) Vec3 {
	d := Vec3{
		X: -f.sinLon*east - f.sinLat*f.cosLon*north + f.cosLat*f.cosLon*up,
		Y: f.cosLon*east - f.sinLat*f.sinLon*north + f.cosLat*f.sinLon*up,
		Z: f.cosLat*north + f.sinLat*up,
	}
	return f.origin.Add(d)
}

// InitialBearingDegrees returns the initial great-circle bearing from the
// first point to the second, clockwise from true north in [0, 360).
func InitialBearingDegrees(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * degToRad
	phi2 := lat2 * degToRad
	dLambda := (lon2 - lon1) * degToRad

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return NormalizeDegrees(math.Atan2(y, x) / degToRad)
}

// NormalizeDegrees wraps an angle into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	if deg >= 360 {
		deg = 0
	}
	return deg
}
