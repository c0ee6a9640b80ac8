package sky

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPointVecRoundTrip(t *testing.T) {
	cases := []Point{
		{RA: 0, Dec: 0},
		{RA: Radians(10), Dec: Radians(45)},
		{RA: Radians(359.9), Dec: Radians(-89)},
		{RA: Radians(180), Dec: Radians(89.99)},
	}
	for _, p := range cases {
		got := p.Vec().Point()
		assert.InDelta(t, p.RA, got.RA, 1e-12)
		assert.InDelta(t, p.Dec, got.Dec, 1e-12)
	}
}

func TestSeparation(t *testing.T) {
	a := Point{RA: 0, Dec: 0}.Vec()
	b := Point{RA: Radians(90), Dec: 0}.Vec()
	assert.InDelta(t, math.Pi/2, a.Separation(b), 1e-12)

	// Small separations stay accurate.
	c := Point{RA: Arcsec(1), Dec: 0}.Vec()
	assert.InDelta(t, Arcsec(1), a.Separation(c), 1e-15)
}

func TestCapIntersects(t *testing.T) {
	a := NewCap(Point{RA: 0, Dec: 0}, Radians(1))
	b := NewCap(Point{RA: Radians(1.5), Dec: 0}, Radians(1))
	c := NewCap(Point{RA: Radians(3), Dec: 0}, Radians(0.5))

	assert.True(t, a.Intersects(b))
	assert.False(t, a.Intersects(c))
	assert.True(t, b.Intersects(c))
}

func TestCapMargin(t *testing.T) {
	c := NewCap(Point{RA: Radians(10), Dec: 0}, Radians(1))
	inside := Point{RA: Radians(10.2), Dec: 0}.Vec()
	outside := Point{RA: Radians(12), Dec: 0}.Vec()

	assert.InDelta(t, Radians(0.8), c.Margin(inside), 1e-9)
	assert.Less(t, c.Margin(outside), 0.0)
}

func quad(t *testing.T, raLo, raHi, decLo, decHi float64) *Polygon {
	t.Helper()
	p, err := NewPolygon([]Point{
		{RA: Radians(raLo), Dec: Radians(decLo)},
		{RA: Radians(raHi), Dec: Radians(decLo)},
		{RA: Radians(raHi), Dec: Radians(decHi)},
		{RA: Radians(raLo), Dec: Radians(decHi)},
	})
	require.NoError(t, err)
	return p
}

func TestPolygonContains(t *testing.T) {
	p := quad(t, 10, 12, -1, 1)

	assert.True(t, p.Contains(Point{RA: Radians(11), Dec: 0}.Vec()))
	assert.False(t, p.Contains(Point{RA: Radians(13), Dec: 0}.Vec()))
	assert.False(t, p.Contains(Point{RA: Radians(11), Dec: Radians(2)}.Vec()))
}

func TestPolygonAcrossSeam(t *testing.T) {
	// Footprint straddling RA=0.
	p := quad(t, 359, 361, -1, 1)

	assert.True(t, p.Contains(Point{RA: 0, Dec: 0}.Vec()))
	assert.True(t, p.Contains(Point{RA: Radians(359.5), Dec: 0}.Vec()))
	assert.True(t, p.Contains(Point{RA: Radians(0.5), Dec: 0}.Vec()))
	assert.False(t, p.Contains(Point{RA: Radians(2), Dec: 0}.Vec()))
}

func TestPolygonNearPole(t *testing.T) {
	// Quadrilateral ringing the pole at dec 88-89 is not convex on the
	// sphere; use a small polar triangle instead, built from vectors that
	// enclose the pole.
	p, err := NewPolygon([]Point{
		{RA: 0, Dec: Radians(85)},
		{RA: Radians(120), Dec: Radians(85)},
		{RA: Radians(240), Dec: Radians(85)},
	})
	require.NoError(t, err)

	assert.True(t, p.Contains(Point{RA: Radians(50), Dec: Radians(89.9)}.Vec()))
	assert.False(t, p.Contains(Point{RA: 0, Dec: Radians(80)}.Vec()))
}

func TestPolygonWindingIndependent(t *testing.T) {
	cw, err := NewPolygon([]Point{
		{RA: Radians(10), Dec: Radians(1)},
		{RA: Radians(12), Dec: Radians(1)},
		{RA: Radians(12), Dec: Radians(-1)},
		{RA: Radians(10), Dec: Radians(-1)},
	})
	require.NoError(t, err)
	assert.True(t, cw.Contains(Point{RA: Radians(11), Dec: 0}.Vec()))
}

func TestPolygonValidation(t *testing.T) {
	_, err := NewPolygon([]Point{{RA: 0, Dec: 0}, {RA: 1, Dec: 0}})
	assert.ErrorIs(t, err, ErrTooFewVertices)

	_, err = NewPolygon([]Point{
		{RA: 0, Dec: 0}, {RA: 0, Dec: 0}, {RA: 1, Dec: 1},
	})
	assert.ErrorIs(t, err, ErrDegenerateEdge)

	// Bow-tie self intersection.
	_, err = NewPolygon([]Point{
		{RA: Radians(10), Dec: Radians(1)},
		{RA: Radians(12), Dec: Radians(-1)},
		{RA: Radians(12), Dec: Radians(1)},
		{RA: Radians(10), Dec: Radians(-1)},
	})
	assert.ErrorIs(t, err, ErrNotConvex)
}

func TestPolygonMargin(t *testing.T) {
	p := quad(t, 10, 12, -1, 1)

	center := Point{RA: Radians(11), Dec: 0}.Vec()
	m := p.Margin(center)
	assert.Greater(t, m, 0.0)
	// Nearest edges are the dec=±1 sides, ~1 degree away.
	assert.InDelta(t, Radians(1), m, Radians(0.05))

	outside := Point{RA: Radians(11), Dec: Radians(2)}.Vec()
	assert.Less(t, p.Margin(outside), 0.0)
}

func TestSlerpEndpointsExact(t *testing.T) {
	a := Point{RA: Radians(10), Dec: Radians(5)}.Vec()
	b := Point{RA: Radians(11), Dec: Radians(6)}.Vec()

	assert.Equal(t, a, Slerp(a, b, 0))
	assert.Equal(t, b, Slerp(a, b, 1))
}

func TestSlerpContinuity(t *testing.T) {
	a := Point{RA: Radians(359.5), Dec: 0}.Vec()
	b := Point{RA: Radians(0.5), Dec: 0}.Vec()

	prev := a
	for i := 1; i <= 100; i++ {
		cur := Slerp(a, b, float64(i)/100)
		step := prev.Separation(cur)
		// Uniform parameter steps give uniform angular steps; any seam
		// mishandling shows up as a jump.
		assert.Less(t, step, Radians(0.02))
		prev = cur
	}
	assert.InDelta(t, Radians(1), a.Separation(b), 1e-9)
}

func TestSlerpMidpoint(t *testing.T) {
	a := Point{RA: 0, Dec: 0}.Vec()
	b := Point{RA: Radians(90), Dec: 0}.Vec()
	mid := Slerp(a, b, 0.5)
	got := mid.Point()
	assert.InDelta(t, Radians(45), got.RA, 1e-12)
	assert.InDelta(t, 0, got.Dec, 1e-12)
}

func TestInterpolateByTime(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(1 * time.Hour)
	a := Point{RA: Radians(10), Dec: 0}.Vec()
	b := Point{RA: Radians(10.4), Dec: 0}.Vec()

	mid := Interpolate(a, b, t0, t1, t0.Add(30*time.Minute))
	assert.InDelta(t, Radians(10.2), mid.Point().RA, 1e-9)
}

func TestHermiteEndpointsExact(t *testing.T) {
	a := Point{RA: Radians(10), Dec: 0}.Vec()
	b := Point{RA: Radians(10.5), Dec: Radians(0.1)}.Vec()
	va := RateVec(a, Radians(0.5), Radians(0.1))
	vb := RateVec(b, Radians(0.5), Radians(0.1))

	assert.Equal(t, a, Hermite(a, b, va, vb, 0, 1))
	assert.Equal(t, b, Hermite(a, b, va, vb, 1, 1))
}

func TestHermiteMatchesSlerpForUniformMotion(t *testing.T) {
	// A body moving uniformly along the equator: Hermite with consistent
	// rates should land very close to the great-circle interpolant.
	a := Point{RA: Radians(10), Dec: 0}.Vec()
	b := Point{RA: Radians(11), Dec: 0}.Vec()
	rate := Radians(1) // per day
	va := RateVec(a, rate, 0)
	vb := RateVec(b, rate, 0)

	h := Hermite(a, b, va, vb, 0.5, 1)
	s := Slerp(a, b, 0.5)
	assert.InDelta(t, 0, h.Separation(s), Arcsec(1))
}

func TestRateVecDirections(t *testing.T) {
	p := Point{RA: 0, Dec: 0}.Vec()
	v := RateVec(p, Radians(1), 0)
	// Pure eastward motion at the equator is +Y.
	assert.InDelta(t, 0, v.X, 1e-12)
	assert.InDelta(t, Radians(1), v.Y, 1e-12)
	assert.InDelta(t, 0, v.Z, 1e-12)

	v = RateVec(p, 0, Radians(1))
	// Pure northward motion is +Z.
	assert.InDelta(t, Radians(1), v.Z, 1e-12)
}

func TestCapFromVecs(t *testing.T) {
	vs := []Vec{
		Point{RA: Radians(10), Dec: 0}.Vec(),
		Point{RA: Radians(12), Dec: 0}.Vec(),
	}
	c := CapFromVecs(vs)
	assert.InDelta(t, Radians(11), c.Center.Point().RA, 1e-9)
	assert.InDelta(t, Radians(1), c.Radius, 1e-9)
}
