// Package ingest reads observation records into the footprint index. The
// wire format is JSON lines, one observation per line; it is an ingestion
// convenience, not a contract — anything that can produce footprint
// records can feed the index directly.
package ingest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"time"

	"github.com/mkelley/sbsearch/internal/footprint"
	"github.com/mkelley/sbsearch/internal/sky"
)

// Record is one observation on the wire. Exactly one of Cap or Polygon
// must be present. Angles are degrees.
type Record struct {
	ID     string    `json:"id"`
	Survey string    `json:"survey,omitempty"`
	Start  time.Time `json:"start"`
	Stop   time.Time `json:"stop"`

	Cap     *CapGeometry `json:"cap,omitempty"`
	Polygon []Vertex     `json:"polygon,omitempty"`
}

// CapGeometry is a circular footprint: center plus angular radius.
type CapGeometry struct {
	RA     float64 `json:"ra"`
	Dec    float64 `json:"dec"`
	Radius float64 `json:"radius"`
}

// Vertex is one polygon corner.
type Vertex struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

// RecordError ties a rejected record to its line number.
type RecordError struct {
	Line int
	Err  error
}

func (e RecordError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Result summarizes one ingestion run.
type Result struct {
	Inserted   int
	Duplicates int
	Rejected   []RecordError
}

// Footprint converts the record's geometry.
func (r Record) Footprint() (sky.Footprint, error) {
	switch {
	case r.Cap != nil && len(r.Polygon) > 0:
		return nil, errors.New("both cap and polygon geometry present")
	case r.Cap != nil:
		if r.Cap.Radius < 0 {
			return nil, fmt.Errorf("negative cap radius %g", r.Cap.Radius)
		}
		center := sky.Point{RA: sky.Radians(r.Cap.RA), Dec: sky.Radians(r.Cap.Dec)}
		return sky.NewCap(center, sky.Radians(r.Cap.Radius)), nil
	case len(r.Polygon) > 0:
		verts := make([]sky.Point, len(r.Polygon))
		for i, v := range r.Polygon {
			verts[i] = sky.Point{RA: sky.Radians(v.RA), Dec: sky.Radians(v.Dec)}
		}
		return sky.NewPolygon(verts)
	default:
		return nil, errors.New("no footprint geometry")
	}
}

// Observation validates the record into a footprint record.
func (r Record) Observation() (*footprint.Observation, error) {
	fov, err := r.Footprint()
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", footprint.ErrInvalidObservation, r.ID, err)
	}
	return footprint.NewObservation(r.ID, r.Survey, r.Start, r.Stop, fov)
}

// Read decodes JSON-lines observations from r and inserts them into the
// index. Malformed records and duplicates are collected per line and
// skipped, never fatal; only a read failure of the stream itself aborts.
func Read(r io.Reader, index *footprint.Index, logger *slog.Logger) (Result, error) {
	var res Result
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			logger.Warn("skipping undecodable observation record", "line", line, "error", err)
			res.Rejected = append(res.Rejected, RecordError{Line: line, Err: err})
			continue
		}

		obs, err := rec.Observation()
		if err != nil {
			logger.Warn("skipping invalid observation record", "line", line, "id", rec.ID, "error", err)
			res.Rejected = append(res.Rejected, RecordError{Line: line, Err: err})
			continue
		}

		switch err := index.Insert(obs); {
		case err == nil:
			res.Inserted++
		case errors.Is(err, footprint.ErrDuplicateIdentifier):
			res.Duplicates++
		default:
			res.Rejected = append(res.Rejected, RecordError{Line: line, Err: err})
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("reading observation records: %w", err)
	}

	logger.Info("ingestion complete",
		"inserted", res.Inserted,
		"duplicates", res.Duplicates,
		"rejected", len(res.Rejected),
	)
	return res, nil
}
