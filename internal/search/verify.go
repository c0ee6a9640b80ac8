package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mkelley/sbsearch/internal/ephem"
	"github.com/mkelley/sbsearch/internal/footprint"
	"github.com/mkelley/sbsearch/internal/metrics"
	"github.com/mkelley/sbsearch/internal/sky"
)

// maxSubSamples bounds the per-observation verification grid so an
// extreme rate estimate cannot stall a query.
const maxSubSamples = 512

// verifyResult is the outcome of checking one candidate observation.
type verifyResult struct {
	obsID string
	match Match
	ok    bool
	err   error
}

// verifyAll runs the verification pool over the candidate set and emits
// confirmed matches. Emission happens on the collecting goroutine, so the
// sink never sees concurrent calls from one query body. Candidate-level
// failures are counted and folded into a single returned error; verified
// matches stand regardless.
func (m *Matcher) verifyAll(ctx context.Context, body string, ids map[string]struct{}, sink Sink) (int, error) {
	jobs := make(chan *footprint.Observation, m.opts.Workers*2)
	results := make(chan verifyResult, m.opts.Workers*2)

	var wg sync.WaitGroup
	for i := 0; i < m.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for obs := range jobs {
				res := m.verifyOne(ctx, body, obs)
				select {
				case results <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for id := range ids {
			obs, ok := m.index.Get(id)
			if !ok {
				continue
			}
			select {
			case jobs <- obs:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	matched := 0
	failed := 0
	var firstErr error
	for res := range results {
		if res.err != nil {
			failed++
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		if !res.ok {
			continue
		}
		if err := sink.Emit(ctx, res.match); err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		matched++
		metrics.IncMatches()
	}

	if firstErr != nil {
		return matched, fmt.Errorf("%d of %d candidates failed: %w", failed, len(ids), firstErr)
	}
	return matched, nil
}

// verifyOne tests a single candidate: dense ephemeris over the exposure,
// sub-sampled containment against the exact footprint, best margin wins.
func (m *Matcher) verifyOne(ctx context.Context, body string, obs *footprint.Observation) verifyResult {
	// Pad the exposure so interpolation at its endpoints has brackets.
	iv := ephem.Interval{
		Start: obs.Start.Add(-m.opts.VerifyStep),
		Stop:  obs.Stop.Add(m.opts.VerifyStep),
	}
	_, lease, err := m.store.GetSamples(ctx, body, iv, m.opts.VerifyStep, ephem.QueryOpts{})
	if err != nil {
		return verifyResult{obsID: obs.ID, err: fmt.Errorf("candidate %s: %w", obs.ID, err)}
	}
	defer lease.Release()

	times, err := m.subTimes(body, obs)
	if err != nil {
		return verifyResult{obsID: obs.ID, err: fmt.Errorf("candidate %s: %w", obs.ID, err)}
	}

	var best Match
	found := false
	for _, t := range times {
		sm, err := m.store.At(body, t)
		if errors.Is(err, ephem.ErrNotCovered) {
			// Coverage was just leased, so this is an internal ordering
			// bug. Report it and skip the candidate rather than crash.
			m.logger.Error("interpolation outside leased coverage",
				"body", body, "observation", obs.ID, "time", t)
			return verifyResult{obsID: obs.ID}
		}
		if err != nil {
			return verifyResult{obsID: obs.ID, err: fmt.Errorf("candidate %s: %w", obs.ID, err)}
		}

		margin := obs.Fov.Margin(sm.Vec)
		threshold := sm.Uncertainty + m.opts.SafetyMargin
		if margin < -threshold {
			continue
		}
		if !found || margin > best.Margin {
			best = Match{
				ObsID:       obs.ID,
				Body:        body,
				Time:        t,
				RA:          sm.Pos.RA,
				Dec:         sm.Pos.Dec,
				RateRA:      sm.RateRA,
				RateDec:     sm.RateDec,
				Uncertainty: sm.Uncertainty,
				Margin:      margin,
				Marginal:    margin <= threshold,
			}
			found = true
		}
	}
	return verifyResult{obsID: obs.ID, match: best, ok: found}
}

// subTimes chooses the verification timestamps inside an exposure. The
// density follows the body's apparent angular velocity: a fast mover must
// be tested often enough that it cannot cross the footprint between two
// consecutive test times.
func (m *Matcher) subTimes(body string, obs *footprint.Observation) ([]time.Time, error) {
	if obs.Instant() {
		return []time.Time{obs.Start}, nil
	}

	rate, err := m.apparentRate(body, obs.Start, obs.Stop)
	if err != nil {
		return nil, err
	}

	// The body may not move farther than a quarter of the footprint's
	// bounding radius between test times.
	budget := obs.Bounding().Radius / 4
	if floor := sky.Arcsec(1); budget < floor {
		budget = floor
	}

	duration := obs.Stop.Sub(obs.Start)
	steps := 2
	if rate > 0 {
		days := duration.Hours() / 24
		steps = int(math.Ceil(rate * days / budget))
		if steps < 2 {
			steps = 2
		}
		if steps > maxSubSamples {
			steps = maxSubSamples
		}
	}

	times := make([]time.Time, 0, steps+1)
	for i := 0; i <= steps; i++ {
		times = append(times, obs.Start.Add(duration*time.Duration(i)/time.Duration(steps)))
	}
	return times, nil
}

// apparentRate estimates the body's sky-plane angular velocity over
// [start, stop] in radians/day, preferring provider rates when present.
func (m *Matcher) apparentRate(body string, start, stop time.Time) (float64, error) {
	a, err := m.store.At(body, start)
	if err != nil {
		return 0, err
	}
	if a.HasRate {
		return math.Hypot(a.RateRA, a.RateDec), nil
	}
	b, err := m.store.At(body, stop)
	if err != nil {
		return 0, err
	}
	days := stop.Sub(start).Hours() / 24
	if days <= 0 {
		return 0, nil
	}
	return a.Vec.Separation(b.Vec) / days, nil
}
