package sky

import (
	"errors"
	"fmt"
	"math"
)

// Footprint is the sky region an image covers. Implemented by Cap for
// circular approximations and Polygon for exact outlines.
type Footprint interface {
	// Contains reports whether the unit vector lies inside the region.
	Contains(v Vec) bool
	// Margin returns the signed angular distance from v to the region
	// boundary: positive inside, negative outside.
	Margin(v Vec) float64
	// Bounding returns a cap that fully encloses the region.
	Bounding() Cap
}

// edgeEps is the tolerance applied to edge-plane sign tests. Points within
// edgeEps of an edge great circle count as inside, so boundary hits are
// never lost to rounding.
const edgeEps = 1e-12

// minVertexSep rejects vertices too close together to define an edge plane.
const minVertexSep = 1e-9

var (
	// ErrTooFewVertices is returned for polygons with fewer than 3 vertices.
	ErrTooFewVertices = errors.New("polygon needs at least 3 vertices")
	// ErrDegenerateEdge is returned when adjacent vertices coincide or are
	// antipodal, leaving the edge great circle undefined.
	ErrDegenerateEdge = errors.New("degenerate polygon edge")
	// ErrNotConvex is returned for self-intersecting or concave outlines.
	ErrNotConvex = errors.New("polygon is not convex")
)

// Polygon is a convex polygon on the celestial sphere whose edges are great
// circle arcs. Containment and margin work by sign tests against the edge
// planes, so polygons spanning the RA 0/360 seam or enclosing a pole need
// no special casing. Immutable after construction.
type Polygon struct {
	verts  []Vec
	planes []Vec // unit edge normals, interior on the positive side
	bound  Cap
}

// NewPolygon builds a polygon from its corner positions, in either winding
// order. Returns a descriptive error for degenerate or non-convex input;
// malformed footprints are rejected here, at ingestion, never discovered
// later during search.
func NewPolygon(corners []Point) (*Polygon, error) {
	if len(corners) < 3 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewVertices, len(corners))
	}

	verts := make([]Vec, len(corners))
	for i, c := range corners {
		verts[i] = c.Vec()
	}

	planes := make([]Vec, len(verts))
	for i := range verts {
		j := (i + 1) % len(verts)
		n := verts[i].Cross(verts[j])
		if n.Norm() < minVertexSep {
			return nil, fmt.Errorf("%w: vertices %d and %d", ErrDegenerateEdge, i, j)
		}
		planes[i] = n.Normalize()
	}

	// Orient the planes so the interior (the side containing the vertex
	// centroid) is positive. A consistent winding gives all planes the same
	// sign relative to the centroid.
	centroid := CapFromVecs(verts).Center
	if planes[0].Dot(centroid) < 0 {
		for i := range planes {
			planes[i] = planes[i].Scale(-1)
		}
	}

	// Convexity: every vertex must lie on the interior side of every edge.
	for _, n := range planes {
		if n.Dot(centroid) < 0 {
			return nil, ErrNotConvex
		}
		for _, v := range verts {
			if n.Dot(v) < -minVertexSep {
				return nil, ErrNotConvex
			}
		}
	}

	return &Polygon{
		verts:  verts,
		planes: planes,
		bound:  CapFromVecs(verts),
	}, nil
}

// Contains reports whether v lies inside the polygon (boundary inclusive,
// within edgeEps).
func (p *Polygon) Contains(v Vec) bool {
	for _, n := range p.planes {
		if n.Dot(v) < -edgeEps {
			return false
		}
	}
	return true
}

// Margin returns the signed angular distance from v to the nearest edge
// great circle: positive inside, negative outside. For points well outside
// the bounding cap this understates the true distance to the polygon, which
// is fine for its use as a containment confidence measure.
func (p *Polygon) Margin(v Vec) float64 {
	min := math.Inf(1)
	for _, n := range p.planes {
		d := math.Asin(clamp1(n.Dot(v)))
		if d < min {
			min = d
		}
	}
	return min
}

// Bounding returns the polygon's bounding cap.
func (p *Polygon) Bounding() Cap { return p.bound }

// Vertices returns the corner positions.
func (p *Polygon) Vertices() []Point {
	out := make([]Point, len(p.verts))
	for i, v := range p.verts {
		out[i] = v.Point()
	}
	return out
}
