package sky

import (
	"math"
	"time"
)

// Slerp interpolates along the great circle from a to b by fraction f in
// [0, 1]. Endpoints are returned exactly so sample positions round-trip
// through interpolation unchanged.
func Slerp(a, b Vec, f float64) Vec {
	if f == 0 {
		return a
	}
	if f == 1 {
		return b
	}
	w := a.Separation(b)
	if w < 1e-12 {
		return a
	}
	sw := math.Sin(w)
	return a.Scale(math.Sin((1-f)*w) / sw).Add(b.Scale(math.Sin(f*w) / sw)).Normalize()
}

// Interpolate returns the great-circle position between p0 at t0 and p1 at
// t1, evaluated at t. t outside [t0, t1] extrapolates along the same great
// circle; callers gate that behind coverage checks.
func Interpolate(p0, p1 Vec, t0, t1, t time.Time) Vec {
	span := t1.Sub(t0)
	if span == 0 {
		return p0
	}
	f := float64(t.Sub(t0)) / float64(span)
	return Slerp(p0, p1, f)
}

// Tangent returns the unit vectors pointing east and north on the sphere at
// p. Together with p they form a local orthonormal frame for rate-of-motion
// vectors. At the exact poles east is taken along +Y.
func Tangent(p Vec) (east, north Vec) {
	east = Vec{X: -p.Y, Y: p.X}
	if east.Norm() < 1e-12 {
		east = Vec{Y: 1}
	}
	east = east.Normalize()
	north = p.Cross(east).Normalize()
	return east, north
}

// RateVec converts sky-plane motion rates (dRA·cosδ and dDec, radians per
// day) at position p into a cartesian velocity in radians per day.
func RateVec(p Vec, rateRACosDec, rateDec float64) Vec {
	east, north := Tangent(p)
	return east.Scale(rateRACosDec).Add(north.Scale(rateDec))
}

// Hermite interpolates between positions a and b with cartesian velocities
// va and vb (per day) over an interval of dtDays, evaluated at fraction f.
// Cubic Hermite is applied per component and the result renormalized to the
// sphere; with accurate rates this tracks curved apparent paths much better
// than a great-circle chord. Endpoints are exact.
func Hermite(a, b, va, vb Vec, f, dtDays float64) Vec {
	if f == 0 {
		return a
	}
	if f == 1 {
		return b
	}
	f2 := f * f
	f3 := f2 * f
	h00 := 2*f3 - 3*f2 + 1
	h10 := f3 - 2*f2 + f
	h01 := -2*f3 + 3*f2
	h11 := f3 - f2

	out := a.Scale(h00).
		Add(va.Scale(h10 * dtDays)).
		Add(b.Scale(h01)).
		Add(vb.Scale(h11 * dtDays))
	return out.Normalize()
}
