// Package footprint stores image footprint records and answers approximate
// spatial-temporal containment queries: which observations could contain a
// sky position at a given time. Results are a conservative superset; the
// search orchestrator resolves false positives with exact geometry.
package footprint

import (
	"errors"
	"fmt"
	"time"

	"github.com/mkelley/sbsearch/internal/sky"
)

var (
	// ErrDuplicateIdentifier is returned when inserting an observation
	// whose identifier is already indexed.
	ErrDuplicateIdentifier = errors.New("duplicate observation identifier")
	// ErrInvalidObservation is wrapped by all ingestion validation errors.
	ErrInvalidObservation = errors.New("invalid observation")
)

// Observation is one image's footprint record: identifier, exposure time
// interval, and sky footprint. Immutable once ingested; owned by the Index.
type Observation struct {
	ID     string
	Survey string

	// Exposure interval. Start == Stop is the degenerate single-instant
	// case.
	Start time.Time
	Stop  time.Time

	// Fov is the exact footprint geometry; bound its (precomputed)
	// bounding cap.
	Fov   sky.Footprint
	bound sky.Cap
}

// NewObservation validates and builds a footprint record. Malformed input
// (missing identifier, reversed time interval, absent geometry) is rejected
// here with a descriptive error rather than discovered during search.
func NewObservation(id, survey string, start, stop time.Time, fov sky.Footprint) (*Observation, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrInvalidObservation)
	}
	if fov == nil {
		return nil, fmt.Errorf("%w %q: no footprint geometry", ErrInvalidObservation, id)
	}
	if stop.Before(start) {
		return nil, fmt.Errorf("%w %q: stop %s precedes start %s",
			ErrInvalidObservation, id, stop.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return &Observation{
		ID:     id,
		Survey: survey,
		Start:  start,
		Stop:   stop,
		Fov:    fov,
		bound:  fov.Bounding(),
	}, nil
}

// Bounding returns the footprint's bounding cap.
func (o *Observation) Bounding() sky.Cap { return o.bound }

// Instant reports whether the observation is a single-timestamp exposure.
func (o *Observation) Instant() bool { return o.Start.Equal(o.Stop) }

// Overlaps reports whether the exposure interval intersects [start, stop].
func (o *Observation) Overlaps(start, stop time.Time) bool {
	return !o.Start.After(stop) && !o.Stop.Before(start)
}
