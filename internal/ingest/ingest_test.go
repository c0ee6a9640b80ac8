package ingest

import (
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkelley/sbsearch/internal/footprint"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

const goodLines = `{"id":"a1","survey":"ztf","start":"2026-03-01T00:00:00Z","stop":"2026-03-01T00:00:30Z","cap":{"ra":10,"dec":0,"radius":1}}
{"id":"a2","survey":"ztf","start":"2026-03-01T01:00:00Z","stop":"2026-03-01T01:00:30Z","polygon":[{"ra":9,"dec":-1},{"ra":11,"dec":-1},{"ra":11,"dec":1},{"ra":9,"dec":1}]}
`

func TestReadInsertsRecords(t *testing.T) {
	index := footprint.NewIndex(6, testLogger)
	res, err := Read(strings.NewReader(goodLines), index, testLogger)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Empty(t, res.Rejected)
	assert.Equal(t, 2, index.Len())

	obs, ok := index.Get("a2")
	require.True(t, ok)
	assert.Equal(t, "ztf", obs.Survey)
}

func TestReadSkipsBadRecords(t *testing.T) {
	input := `{"id":"ok","start":"2026-03-01T00:00:00Z","stop":"2026-03-01T00:00:30Z","cap":{"ra":10,"dec":0,"radius":1}}
not json at all
{"id":"no-geometry","start":"2026-03-01T00:00:00Z","stop":"2026-03-01T00:00:30Z"}
{"id":"reversed","start":"2026-03-01T01:00:00Z","stop":"2026-03-01T00:00:00Z","cap":{"ra":10,"dec":0,"radius":1}}
{"id":"","start":"2026-03-01T00:00:00Z","stop":"2026-03-01T00:00:30Z","cap":{"ra":10,"dec":0,"radius":1}}
`
	index := footprint.NewIndex(6, testLogger)
	res, err := Read(strings.NewReader(input), index, testLogger)
	require.NoError(t, err, "bad records are skipped, not fatal")
	assert.Equal(t, 1, res.Inserted)
	require.Len(t, res.Rejected, 4)
	assert.Equal(t, 2, res.Rejected[0].Line)
	assert.Equal(t, 1, index.Len())
}

func TestReadCountsDuplicates(t *testing.T) {
	index := footprint.NewIndex(6, testLogger)
	_, err := Read(strings.NewReader(goodLines), index, testLogger)
	require.NoError(t, err)

	res, err := Read(strings.NewReader(goodLines), index, testLogger)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Duplicates)
}

func TestRecordGeometryValidation(t *testing.T) {
	r := Record{ID: "x", Cap: &CapGeometry{RA: 10, Dec: 0, Radius: 1},
		Polygon: []Vertex{{RA: 1, Dec: 1}}}
	_, err := r.Footprint()
	assert.Error(t, err, "ambiguous geometry must be rejected")

	r = Record{ID: "x", Cap: &CapGeometry{RA: 10, Dec: 0, Radius: -1}}
	_, err = r.Footprint()
	assert.Error(t, err)
}
