package sky

import "math"

// Cap is a spherical cap: every point within Radius (radians) of Center.
// Caps are the coarse currency of the search: footprint bounds, ephemeris
// path envelopes, and tessellation cell bounds are all caps.
type Cap struct {
	Center Vec
	Radius float64
}

// NewCap returns a cap centered on p with the given angular radius.
func NewCap(p Point, radius float64) Cap {
	return Cap{Center: p.Vec(), Radius: radius}
}

// Contains reports whether v lies inside the cap (boundary inclusive).
func (c Cap) Contains(v Vec) bool {
	return c.Center.Separation(v) <= c.Radius
}

// Intersects reports whether two caps share any point. Touching boundaries
// count as intersecting, keeping the test conservative for candidate
// generation.
func (c Cap) Intersects(o Cap) bool {
	return c.Center.Separation(o.Center) <= c.Radius+o.Radius
}

// Grow returns the cap expanded by pad radians. Negative pads shrink but
// never below zero radius.
func (c Cap) Grow(pad float64) Cap {
	r := c.Radius + pad
	if r < 0 {
		r = 0
	}
	return Cap{Center: c.Center, Radius: r}
}

// Margin returns the signed angular distance from v to the cap boundary:
// positive inside, negative outside.
func (c Cap) Margin(v Vec) float64 {
	return c.Radius - c.Center.Separation(v)
}

// Bounding returns the cap itself, satisfying the Footprint interface.
func (c Cap) Bounding() Cap { return c }

// CapFromVecs returns a cap covering all of the given unit vectors: center
// at the normalized vector sum, radius the maximum separation to any input.
// Degenerate inputs (empty, or a sum near zero) yield a full-sky cap.
func CapFromVecs(vs []Vec) Cap {
	if len(vs) == 0 {
		return Cap{Center: Vec{Z: 1}, Radius: math.Pi}
	}
	var sum Vec
	for _, v := range vs {
		sum = sum.Add(v)
	}
	if sum.Norm() < 1e-12 {
		return Cap{Center: Vec{Z: 1}, Radius: math.Pi}
	}
	center := sum.Normalize()
	var r float64
	for _, v := range vs {
		if s := center.Separation(v); s > r {
			r = s
		}
	}
	return Cap{Center: center, Radius: r}
}
