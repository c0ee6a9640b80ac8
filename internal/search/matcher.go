package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mkelley/sbsearch/internal/ephem"
	"github.com/mkelley/sbsearch/internal/footprint"
	"github.com/mkelley/sbsearch/internal/metrics"
	"github.com/mkelley/sbsearch/internal/sky"
)

var (
	errEmptyQuery   = errors.New("query names no bodies")
	errInvalidRange = errors.New("query stop precedes start")
)

// Matcher runs queries against a footprint index and an ephemeris store.
// It holds no per-query state; everything it remembers between queries
// lives in the shared caches it borrows.
type Matcher struct {
	index  *footprint.Index
	store  *ephem.Store
	opts   Options
	logger *slog.Logger
}

// NewMatcher creates a matcher over the given index and store.
func NewMatcher(index *footprint.Index, store *ephem.Store, opts Options, logger *slog.Logger) *Matcher {
	return &Matcher{
		index:  index,
		store:  store,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Search runs a query, emitting confirmed matches to sink and returning a
// report. Bodies are searched concurrently; a body whose ephemeris cannot
// be obtained is reported in the result, the others proceed. The returned
// error is non-nil only for an invalid query or a cancelled context.
func (m *Matcher) Search(ctx context.Context, q Query, sink Sink) (*Report, error) {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	if err := validateQuery(q); err != nil {
		return nil, err
	}

	started := time.Now()
	report := &Report{QueryID: q.ID, Bodies: len(q.Bodies)}
	var mu sync.Mutex

	var obsFilter map[string]struct{}
	if len(q.Obs) > 0 {
		obsFilter = make(map[string]struct{}, len(q.Obs))
		for _, id := range q.Obs {
			obsFilter[id] = struct{}{}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.BodyConcurrency)
	for _, body := range q.Bodies {
		g.Go(func() error {
			candidates, matches, err := m.searchBody(gctx, q, body, obsFilter, sink)
			mu.Lock()
			report.Candidates += candidates
			report.Matches += matches
			if err != nil {
				report.Failures = append(report.Failures, BodyFailure{Body: body, Error: err.Error()})
				metrics.IncBodyFailures()
			}
			mu.Unlock()
			if err != nil {
				m.logger.Warn("body search failed",
					"query_id", q.ID, "body", body, "error", err)
			}
			// Per-body failures are reported, never propagated: siblings
			// keep running. Only cancellation aborts the group.
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.Elapsed = time.Since(started)
	m.logger.Info("query complete",
		"query_id", q.ID,
		"bodies", report.Bodies,
		"candidates", report.Candidates,
		"matches", report.Matches,
		"failures", len(report.Failures),
		"elapsed", report.Elapsed,
	)
	return report, nil
}

func validateQuery(q Query) error {
	if len(q.Bodies) == 0 {
		return errEmptyQuery
	}
	if q.Stop.Before(q.Start) {
		return errInvalidRange
	}
	return nil
}

// searchBody runs the three phases for one body.
func (m *Matcher) searchBody(ctx context.Context, q Query, body string, obsFilter map[string]struct{}, sink Sink) (candidates, matches int, err error) {
	// Envelope phase: coarse samples spanning the query range, padded by
	// one step so even a window shorter than the step gets bracketed.
	phaseStart := time.Now()
	samples, lease, err := m.store.GetSamples(ctx, body,
		ephem.Interval{Start: q.Start.Add(-m.opts.EnvelopeStep), Stop: q.Stop.Add(m.opts.EnvelopeStep)},
		m.opts.EnvelopeStep, ephem.QueryOpts{})
	metrics.ObserveSearchPhase("envelope", time.Since(phaseStart))
	if err != nil {
		return 0, 0, err
	}
	defer lease.Release()

	segments := pathSegments(samples, m.opts.SafetyMargin)

	// Candidate phase: one index query per path segment, deduplicated.
	phaseStart = time.Now()
	ids := make(map[string]struct{})
	for _, seg := range segments {
		// Clamp the padded segment back to the query window.
		start, stop := seg.start, seg.stop
		if start.Before(q.Start) {
			start = q.Start
		}
		if stop.After(q.Stop) {
			stop = q.Stop
		}
		if stop.Before(start) {
			continue
		}
		for id := range m.index.QueryCandidates(seg.region, start, stop) {
			if obsFilter != nil {
				if _, ok := obsFilter[id]; !ok {
					continue
				}
			}
			ids[id] = struct{}{}
		}
	}
	metrics.ObserveSearchPhase("candidates", time.Since(phaseStart))
	metrics.AddCandidates(len(ids))
	candidates = len(ids)
	if candidates == 0 {
		return 0, 0, nil
	}

	// Verification phase.
	phaseStart = time.Now()
	matches, err = m.verifyAll(ctx, body, ids, sink)
	metrics.ObserveSearchPhase("verify", time.Since(phaseStart))
	return candidates, matches, err
}

// segment is one leg of the body's coarse path: a region it could occupy
// between two envelope samples.
type segment struct {
	region sky.Cap
	start  time.Time
	stop   time.Time
}

// pathSegments builds bounding caps along the sampled path. Each cap
// covers the great-circle arc between consecutive samples, padded by the
// sample uncertainty, the safety margin, and a curvature allowance so the
// true path cannot escape the envelope.
func pathSegments(samples []ephem.Sample, safety float64) []segment {
	if len(samples) == 0 {
		return nil
	}
	if len(samples) == 1 {
		s := samples[0]
		return []segment{{
			region: sky.NewCap(s.Pos, s.Uncertainty+safety),
			start:  s.Time,
			stop:   s.Time,
		}}
	}

	segments := make([]segment, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		a, b := samples[i-1], samples[i]
		region := sky.CapFromVecs([]sky.Vec{a.Vec, b.Vec})
		pad := max(a.Uncertainty, b.Uncertainty) + safety
		// The apparent path can bow away from the great-circle chord
		// between samples; a fraction of the arc length absorbs it.
		pad += 0.15 * a.Vec.Separation(b.Vec)
		segments = append(segments, segment{
			region: region.Grow(pad),
			start:  a.Time,
			stop:   b.Time,
		})
	}
	return segments
}
