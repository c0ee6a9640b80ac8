// Package sky provides spherical geometry for positions on the celestial
// sphere: unit vectors, bounding caps, convex spherical polygons, and
// great-circle interpolation of ephemeris positions. All angles are radians
// unless noted; working in unit vectors keeps every operation safe across
// the RA 0/360 seam and at the poles.
package sky

import "math"

// Vec is a point on (or direction toward) the celestial sphere in cartesian
// coordinates. Geometry operations assume unit length; use Normalize after
// arithmetic.
type Vec struct {
	X, Y, Z float64
}

// Point is a sky position as right ascension and declination, in radians.
// RA is normalized to [0, 2π), Dec to [-π/2, π/2].
type Point struct {
	RA  float64
	Dec float64
}

// Vec converts the position to a unit vector.
func (p Point) Vec() Vec {
	cd := math.Cos(p.Dec)
	return Vec{
		X: cd * math.Cos(p.RA),
		Y: cd * math.Sin(p.RA),
		Z: math.Sin(p.Dec),
	}
}

// Point converts a vector back to RA/Dec. The vector need not be unit length.
func (v Vec) Point() Point {
	ra := math.Atan2(v.Y, v.X)
	if ra < 0 {
		ra += 2 * math.Pi
	}
	dec := math.Atan2(v.Z, math.Hypot(v.X, v.Y))
	return Point{RA: ra, Dec: dec}
}

// Dot returns the scalar product v·u.
func (v Vec) Dot(u Vec) float64 {
	return v.X*u.X + v.Y*u.Y + v.Z*u.Z
}

// Cross returns the vector product v×u.
func (v Vec) Cross(u Vec) Vec {
	return Vec{
		X: v.Y*u.Z - v.Z*u.Y,
		Y: v.Z*u.X - v.X*u.Z,
		Z: v.X*u.Y - v.Y*u.X,
	}
}

// Add returns v+u.
func (v Vec) Add(u Vec) Vec {
	return Vec{X: v.X + u.X, Y: v.Y + u.Y, Z: v.Z + u.Z}
}

// Sub returns v-u.
func (v Vec) Sub(u Vec) Vec {
	return Vec{X: v.X - u.X, Y: v.Y - u.Y, Z: v.Z - u.Z}
}

// Scale returns v scaled by s.
func (v Vec) Scale(s float64) Vec {
	return Vec{X: v.X * s, Y: v.Y * s, Z: v.Z * s}
}

// Norm returns the euclidean length of v.
func (v Vec) Norm() float64 {
	return math.Sqrt(v.Dot(v))
}

// Normalize returns v scaled to unit length. The zero vector is returned
// unchanged.
func (v Vec) Normalize() Vec {
	n := v.Norm()
	if n == 0 {
		return v
	}
	return v.Scale(1 / n)
}

// Separation returns the angular distance between v and u in radians.
// Uses atan2 of cross and dot, which stays accurate for both very small
// and near-antipodal separations where acos loses precision.
func (v Vec) Separation(u Vec) float64 {
	return math.Atan2(v.Cross(u).Norm(), v.Dot(u))
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 { return rad * 180 / math.Pi }

// Radians converts degrees to radians.
func Radians(deg float64) float64 { return deg * math.Pi / 180 }

// Arcsec converts arcseconds to radians.
func Arcsec(as float64) float64 { return Radians(as / 3600) }

func clamp1(x float64) float64 {
	if x > 1 {
		return 1
	}
	if x < -1 {
		return -1
	}
	return x
}
