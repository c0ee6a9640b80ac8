// Package mesh implements a hierarchical triangular tessellation of the
// celestial sphere, used by the footprint index for coarse spatial binning.
//
// The sphere is split into the 8 faces of an octahedron, and each face is
// recursively subdivided into 4 triangles down to a fixed level. Cells are
// identified by a compact integer that encodes the root face and the path
// of subdivisions, so parent/child relationships are pure bit arithmetic.
// Cell areas are near-uniform; at level 6 a cell is roughly one degree
// across, comparable to a typical survey image footprint.
package mesh

import (
	"math"
	"math/bits"
	"sort"

	"github.com/mkelley/sbsearch/internal/sky"
)

// CellID identifies one triangle of the tessellation. Root cells are 8-15;
// each subdivision appends two bits. The zero value is invalid.
type CellID uint64

// Level returns the subdivision depth of the cell (0 for root cells).
func (c CellID) Level() int {
	return (bits.Len64(uint64(c)) - 4) / 2
}

// Parent returns the enclosing cell one level up. Calling Parent on a root
// cell returns the cell itself.
func (c CellID) Parent() CellID {
	if c < 32 {
		return c
	}
	return c >> 2
}

// MaxLevel bounds the subdivision depth; 64-bit IDs hold 30 levels, far
// more than any footprint index needs.
const MaxLevel = 24

// octahedron vertices: poles and the four equatorial cardinal directions.
var octVerts = [6]sky.Vec{
	{Z: 1},  // north pole
	{X: 1},  // RA 0
	{Y: 1},  // RA 90
	{X: -1}, // RA 180
	{Y: -1}, // RA 270
	{Z: -1}, // south pole
}

// octFaces lists each root triangle's vertices, wound counter-clockwise as
// seen from outside the sphere.
var octFaces = [8][3]int{
	{0, 1, 2}, {0, 2, 3}, {0, 3, 4}, {0, 4, 1}, // northern faces
	{5, 2, 1}, {5, 3, 2}, {5, 4, 3}, {5, 1, 4}, // southern faces
}

// Tessellation generates cell covers at a fixed level.
type Tessellation struct {
	level int
}

// New returns a tessellation subdividing to the given level. Levels outside
// [0, MaxLevel] are clamped.
func New(level int) *Tessellation {
	if level < 0 {
		level = 0
	}
	if level > MaxLevel {
		level = MaxLevel
	}
	return &Tessellation{level: level}
}

// Level returns the leaf subdivision level.
func (t *Tessellation) Level() int { return t.level }

// NumCells returns the total number of leaf cells.
func (t *Tessellation) NumCells() int {
	return 8 << (2 * t.level)
}

// CellAngle returns an approximate angular size (radians) of a leaf cell,
// the radius of a cap with the mean cell area.
func (t *Tessellation) CellAngle() float64 {
	area := 4 * math.Pi / float64(t.NumCells())
	return math.Sqrt(area / math.Pi)
}

type triangle struct {
	id         CellID
	v0, v1, v2 sky.Vec
}

func (tr triangle) bounding() sky.Cap {
	return sky.CapFromVecs([]sky.Vec{tr.v0, tr.v1, tr.v2})
}

// children subdivides the triangle into four by splitting each edge at its
// midpoint.
func (tr triangle) children() [4]triangle {
	m01 := tr.v0.Add(tr.v1).Normalize()
	m12 := tr.v1.Add(tr.v2).Normalize()
	m20 := tr.v2.Add(tr.v0).Normalize()
	base := tr.id << 2
	return [4]triangle{
		{base, tr.v0, m01, m20},
		{base | 1, m01, tr.v1, m12},
		{base | 2, m20, m12, tr.v2},
		{base | 3, m01, m12, m20}, // center triangle, reversed orientation is harmless here
	}
}

// Cover returns the sorted leaf cells whose area could intersect the cap.
// The walk descends the hierarchy, pruning subtrees whose bounding cap
// misses the query, so work scales with the query area rather than the
// total cell count. The result is conservative: it may include cells that
// only the bounding caps, not the triangles themselves, intersect — never
// the reverse.
func (t *Tessellation) Cover(c sky.Cap) []CellID {
	var out []CellID
	for i, f := range octFaces {
		root := triangle{
			id: CellID(8 + i),
			v0: octVerts[f[0]],
			v1: octVerts[f[1]],
			v2: octVerts[f[2]],
		}
		out = t.cover(root, c, out)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (t *Tessellation) cover(tr triangle, c sky.Cap, out []CellID) []CellID {
	if !tr.bounding().Intersects(c) {
		return out
	}
	if tr.id.Level() == t.level {
		return append(out, tr.id)
	}
	for _, child := range tr.children() {
		out = t.cover(child, c, out)
	}
	return out
}

// CoverPoint returns the leaf cells containing (conservatively) the given
// position. Used for degenerate zero-area footprints.
func (t *Tessellation) CoverPoint(v sky.Vec) []CellID {
	return t.Cover(sky.Cap{Center: v, Radius: 0})
}
