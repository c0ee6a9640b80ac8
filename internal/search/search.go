// Package search drives the two-phase body search: a coarse ephemeris
// envelope generates candidate observations from the footprint index, and
// a verification pass interpolates the body's exact position at each
// observation's time for a precise containment test. One body's provider
// trouble never aborts the other bodies in a query.
package search

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mkelley/sbsearch/internal/sky"
)

// Query asks for observations of Bodies between Start and Stop. If Obs is
// non-empty, only those observation identifiers are eligible.
type Query struct {
	ID     uuid.UUID
	Bodies []string
	Start  time.Time
	Stop   time.Time
	Obs    []string
}

// Options tune the search. Zero values get defaults from withDefaults.
type Options struct {
	// EnvelopeStep is the coarse sample spacing for the envelope phase,
	// chosen so one path segment is comparable to a footprint.
	EnvelopeStep time.Duration

	// VerifyStep is the cached sample density requested around each
	// candidate's exposure for interpolation.
	VerifyStep time.Duration

	// SafetyMargin is added to the ephemeris uncertainty when deciding
	// whether a near-boundary position still counts as contained.
	SafetyMargin float64

	// Workers bounds the verification pool per body.
	Workers int

	// BodyConcurrency bounds how many bodies are searched at once.
	BodyConcurrency int
}

func (o Options) withDefaults() Options {
	if o.EnvelopeStep <= 0 {
		o.EnvelopeStep = 6 * time.Hour
	}
	if o.VerifyStep <= 0 {
		o.VerifyStep = time.Hour
	}
	if o.SafetyMargin < 0 {
		o.SafetyMargin = 0
	} else if o.SafetyMargin == 0 {
		o.SafetyMargin = sky.Arcsec(10)
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.BodyConcurrency <= 0 {
		o.BodyConcurrency = 4
	}
	return o
}

// Match is a confirmed observation of a body. Margin is the angular
// distance (radians) from the matched position to the nearest footprint
// boundary; Marginal marks positions whose margin is within the combined
// uncertainty and safety threshold of the boundary.
type Match struct {
	ObsID string    `json:"observation"`
	Body  string    `json:"body"`
	Time  time.Time `json:"time"`

	RA  float64 `json:"ra"`  // radians
	Dec float64 `json:"dec"` // radians

	// Sky-plane motion at match time, radians/day; zero when unknown.
	RateRA  float64 `json:"dra_cosdec,omitempty"`
	RateDec float64 `json:"ddec,omitempty"`

	Uncertainty float64 `json:"uncertainty,omitempty"` // radians
	Margin      float64 `json:"margin"`                // radians
	Marginal    bool    `json:"marginal,omitempty"`
}

// BodyFailure reports one body that could not be (fully) searched.
type BodyFailure struct {
	Body  string `json:"body"`
	Error string `json:"error"`
}

// Report summarizes a completed query: every body either contributed to
// the counts or appears in Failures, never silently dropped.
type Report struct {
	QueryID    uuid.UUID     `json:"query_id"`
	Bodies     int           `json:"bodies"`
	Candidates int           `json:"candidates"`
	Matches    int           `json:"matches"`
	Failures   []BodyFailure `json:"failures,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Sink consumes matches as they are confirmed. Emit is called from a
// single goroutine per query.
type Sink interface {
	Emit(ctx context.Context, m Match) error
}

// SliceSink collects matches in memory, safe for concurrent queries.
type SliceSink struct {
	mu      sync.Mutex
	matches []Match
}

func (s *SliceSink) Emit(_ context.Context, m Match) error {
	s.mu.Lock()
	s.matches = append(s.matches, m)
	s.mu.Unlock()
	return nil
}

// Matches returns a copy of everything emitted so far.
func (s *SliceSink) Matches() []Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Match, len(s.matches))
	copy(out, s.matches)
	return out
}
