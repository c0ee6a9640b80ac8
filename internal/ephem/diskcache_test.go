package ephem

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkelley/sbsearch/internal/sky"
)

func TestDiskCacheRoundTrip(t *testing.T) {
	dc := NewDiskCache(t.TempDir(), 8, testLogger)

	in := []IntervalData{{
		Interval: Interval{Start: epoch, Stop: epoch.Add(2 * time.Hour)},
		MaxGap:   time.Hour,
		Samples: []Sample{
			NewSample("C/1995 O1", epoch, sky.Point{RA: sky.Radians(10), Dec: sky.Radians(-5)}).
				WithRate(sky.Radians(0.5), sky.Radians(-0.1)).
				WithUncertainty(sky.Arcsec(2)),
			NewSample("C/1995 O1", epoch.Add(time.Hour), sky.Point{RA: sky.Radians(10.02), Dec: sky.Radians(-5.004)}),
			NewSample("C/1995 O1", epoch.Add(2*time.Hour), sky.Point{RA: sky.Radians(10.04), Dec: sky.Radians(-5.008)}),
		},
	}}
	require.NoError(t, dc.Save("C/1995 O1", in))

	out, err := dc.Load("C/1995 O1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Interval.Start.Equal(in[0].Interval.Start))
	assert.True(t, out[0].Interval.Stop.Equal(in[0].Interval.Stop))
	assert.Equal(t, time.Hour, out[0].MaxGap)
	require.Len(t, out[0].Samples, 3)

	// Float64 angles and rates survive JSON exactly.
	assert.Equal(t, in[0].Samples[0].Pos, out[0].Samples[0].Pos)
	assert.Equal(t, in[0].Samples[0].RateRA, out[0].Samples[0].RateRA)
	assert.Equal(t, in[0].Samples[0].RateDec, out[0].Samples[0].RateDec)
	assert.True(t, out[0].Samples[0].HasRate)
	assert.Equal(t, in[0].Samples[0].Uncertainty, out[0].Samples[0].Uncertainty)
	assert.False(t, out[0].Samples[1].HasRate)
}

func TestDiskCacheLoadMissing(t *testing.T) {
	dc := NewDiskCache(t.TempDir(), 8, testLogger)
	out, err := dc.Load("2P")
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDiskCacheFileNames(t *testing.T) {
	dc := NewDiskCache(t.TempDir(), 8, testLogger)
	a := dc.fileName("C/1995 O1")
	b := dc.fileName("C/1995_O1")
	assert.NotEqual(t, a, b, "sanitized collisions must be disambiguated")
	assert.NotContains(t, a, "/")
	assert.NotContains(t, a, " ")
}

func TestDiskCachePrune(t *testing.T) {
	dir := t.TempDir()
	dc := NewDiskCache(dir, 2, testLogger)

	iv := []IntervalData{{
		Interval: Interval{Start: epoch, Stop: epoch},
		MaxGap:   time.Hour,
		Samples:  []Sample{NewSample("x", epoch, sky.Point{})},
	}}
	for _, body := range []string{"1P", "2P", "3D"} {
		require.NoError(t, dc.Save(body, iv))
		// Distinct mtimes so prune ordering is deterministic.
		time.Sleep(10 * time.Millisecond)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	out, err := dc.Load("1P")
	require.NoError(t, err)
	assert.Nil(t, out, "oldest body should have been pruned")
}

func TestDiskCacheSkipsCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	dc := NewDiskCache(dir, 8, testLogger)

	iv := []IntervalData{{
		Interval: Interval{Start: epoch, Stop: epoch.Add(time.Hour)},
		MaxGap:   time.Hour,
		Samples: []Sample{
			NewSample("2P", epoch, sky.Point{RA: 1, Dec: 0.1}),
			NewSample("2P", epoch.Add(time.Hour), sky.Point{RA: 1.001, Dec: 0.1}),
		},
	}}
	require.NoError(t, dc.Save("2P", iv))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eph_garbage_00000000.json"), []byte("{not json"), 0644))

	s := NewStore(&fakeProvider{}, Config{}, nil, testLogger)
	loaded, err := dc.LoadAll(s)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	_, err = s.Interpolate("2P", epoch.Add(30*time.Minute))
	assert.NoError(t, err)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	iv := Interval{Start: epoch, Stop: epoch.Add(24 * time.Hour)}

	p1 := &fakeProvider{}
	s1 := NewStore(p1, Config{}, NewDiskCache(dir, 8, testLogger), testLogger)
	_, lease, err := s1.GetSamples(context.Background(), "2P", iv, time.Hour, QueryOpts{})
	require.NoError(t, err)
	lease.Release()
	require.Equal(t, 1, p1.callCount())

	// New process: warm the store from disk, then serve without provider
	// traffic.
	p2 := &fakeProvider{}
	dc := NewDiskCache(dir, 8, testLogger)
	s2 := NewStore(p2, Config{}, dc, testLogger)
	loaded, err := dc.LoadAll(s2)
	require.NoError(t, err)
	require.Equal(t, 1, loaded)

	pos, err := s2.Interpolate("2P", epoch.Add(7*time.Hour))
	require.NoError(t, err)
	want, err := s1.Interpolate("2P", epoch.Add(7*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, want, pos)

	_, lease, err = s2.GetSamples(context.Background(), "2P", iv, time.Hour, QueryOpts{})
	require.NoError(t, err)
	lease.Release()
	assert.Equal(t, 0, p2.callCount(), "restored coverage must satisfy the query")
}
