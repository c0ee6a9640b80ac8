// Package ephem caches small-body ephemeris samples and serves exact or
// interpolated sky positions. Samples come from an external, slow,
// rate-limited provider; the store minimizes provider traffic by tracking
// coverage intervals, coalescing concurrent fetches for the same span, and
// retrying transient failures with exponential backoff.
package ephem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mkelley/sbsearch/internal/sky"
)

// Sample is one ephemeris point for a body: position at a timestamp, with
// optional rate of motion and positional uncertainty. Immutable after
// creation and shared by every query that touches it.
type Sample struct {
	Body string
	Time time.Time

	Pos sky.Point
	Vec sky.Vec // unit vector of Pos, precomputed

	// Sky-plane motion, radians per day: RateRA is dRA·cosδ.
	RateRA  float64
	RateDec float64
	HasRate bool

	// Uncertainty is the positional error radius in radians, 0 if unknown.
	Uncertainty float64
}

// NewSample builds a sample with the derived unit vector filled in.
func NewSample(body string, t time.Time, pos sky.Point) Sample {
	return Sample{Body: body, Time: t, Pos: pos, Vec: pos.Vec()}
}

// WithRate returns a copy carrying sky-plane motion rates (radians/day).
func (s Sample) WithRate(rateRACosDec, rateDec float64) Sample {
	s.RateRA = rateRACosDec
	s.RateDec = rateDec
	s.HasRate = true
	return s
}

// WithUncertainty returns a copy carrying a positional error radius.
func (s Sample) WithUncertainty(rad float64) Sample {
	s.Uncertainty = rad
	return s
}

// Interval is a closed time span.
type Interval struct {
	Start time.Time
	Stop  time.Time
}

// Contains reports whether t lies within the interval (inclusive).
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && !t.After(iv.Stop)
}

// Duration returns the interval length.
func (iv Interval) Duration() time.Duration {
	return iv.Stop.Sub(iv.Start)
}

// Request asks a provider for samples spanning [Start, Stop] with at most
// Step between consecutive samples.
type Request struct {
	Body  string
	Start time.Time
	Stop  time.Time
	Step  time.Duration
}

// Provider is the external ephemeris capability boundary. Implementations
// (JPL Horizons, Minor Planet Center) return samples ordered by time or a
// *ProviderError describing why they cannot.
type Provider interface {
	Name() string
	Ephemeris(ctx context.Context, req Request) ([]Sample, error)
}

// FailKind classifies provider failures.
type FailKind string

const (
	// FailNotFound: the body identifier is unknown to the provider.
	FailNotFound FailKind = "not_found"
	// FailRateLimited: the provider asked us to back off.
	FailRateLimited FailKind = "rate_limited"
	// FailTransient: timeout or other retryable upstream trouble.
	FailTransient FailKind = "transient"
	// FailUnsupported: the provider cannot serve this class of body.
	FailUnsupported FailKind = "unsupported"
)

// ProviderError is a typed provider failure. RateLimited and Transient
// failures are retried by the store; NotFound and Unsupported escalate
// immediately.
type ProviderError struct {
	Kind     FailKind
	Provider string
	Body     string
	Msg      string
	Err      error
}

func (e *ProviderError) Error() string {
	s := fmt.Sprintf("%s: %s for %q", e.Provider, e.Kind, e.Body)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the failure may clear on its own.
func (e *ProviderError) Retryable() bool {
	return e.Kind == FailRateLimited || e.Kind == FailTransient
}

var (
	// ErrNotCovered is returned by interpolation outside any coverage
	// interval. It indicates a caller ordering bug (GetSamples first), so
	// it is reported and the affected candidate skipped, never fatal.
	ErrNotCovered = errors.New("timestamp outside cached ephemeris coverage")

	// ErrEphemerisUnavailable is returned once the retry policy for a
	// needed sub-interval is exhausted.
	ErrEphemerisUnavailable = errors.New("ephemeris unavailable")
)
