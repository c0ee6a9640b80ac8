package ephem

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mkelley/sbsearch/internal/metrics"
	"github.com/mkelley/sbsearch/internal/sky"
)

// RetryPolicy bounds provider fetch retries. Delays grow exponentially from
// BaseDelay up to MaxDelay, with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// Config holds store tuning. Zero values take defaults.
type Config struct {
	// SampleBudget caps the number of cached samples. When a query lease
	// is released and the cache is over budget, whole unpinned coverage
	// intervals are evicted least-recently-used. In-flight queries keep
	// their intervals pinned, so the budget can be exceeded transiently.
	SampleBudget int
	// FetchTimeout bounds a single provider fetch, independent of the
	// requesting caller's context so coalesced waiters are not tied to the
	// first caller's cancellation.
	FetchTimeout time.Duration
	Retry        RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.SampleBudget <= 0 {
		c.SampleBudget = 500_000
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 4
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	return c
}

// coverage marks a span of a body's timeline dense enough to interpolate:
// consecutive samples within it are at most maxGap apart. Eviction removes
// whole coverage intervals, never parts, and skips pinned ones.
type coverage struct {
	body   string
	start  time.Time
	stop   time.Time
	maxGap time.Duration
	pins   int
	elem   *list.Element
}

func (c *coverage) contains(t time.Time) bool {
	return !t.Before(c.start) && !t.After(c.stop)
}

// timeline is one body's cached data: time-ordered unique samples plus the
// coverage intervals carved over them.
type timeline struct {
	samples []Sample
	cov     []*coverage // ordered by start; may overlap across densities
}

// Store is the ephemeris cache. An explicitly owned component: construct
// with NewStore, share by pointer, no process-wide state. Safe for
// concurrent use.
type Store struct {
	provider Provider
	cfg      Config
	logger   *slog.Logger
	disk     *DiskCache // optional persistence
	flight   singleflight.Group

	mu      sync.RWMutex
	bodies  map[string]*timeline
	samples int
	lru     *list.List // of *coverage, front = most recently used

	hits   atomic.Int64
	misses atomic.Int64
}

// NewStore creates a store backed by the given provider. disk may be nil to
// run without persistence.
func NewStore(provider Provider, cfg Config, disk *DiskCache, logger *slog.Logger) *Store {
	cfg = cfg.withDefaults()
	logger.Info("ephemeris store initialized",
		"provider", provider.Name(),
		"sample_budget", cfg.SampleBudget,
		"retry_max_attempts", cfg.Retry.MaxAttempts,
		"persistent", disk != nil,
	)
	return &Store{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		disk:     disk,
		bodies:   make(map[string]*timeline),
		lru:      list.New(),
	}
}

// QueryOpts adjusts GetSamples behavior.
type QueryOpts struct {
	// AllowPartial returns whatever cached or fetched samples exist when a
	// sub-interval fetch fails, alongside the error, instead of failing
	// atomically.
	AllowPartial bool
}

// Lease pins the coverage intervals backing a query result so eviction
// cannot remove them mid-verification. Release when done; releasing also
// marks the intervals recently used.
type Lease struct {
	store *Store
	covs  []*coverage
	once  sync.Once
}

// Release unpins the leased coverage. Safe to call more than once and on a
// nil lease.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.store.mu.Lock()
		for _, c := range l.covs {
			if c.pins > 0 {
				c.pins--
			}
			l.store.lru.MoveToFront(c.elem)
		}
		l.store.evictLocked()
		l.store.mu.Unlock()
	})
}

// GetSamples returns samples for body covering iv with at most maxGap
// between consecutive samples, fetching any missing sub-intervals from the
// provider. Concurrent requests for the same missing span are coalesced
// into a single provider call. On provider exhaustion the call fails with
// ErrEphemerisUnavailable — atomically, unless opts.AllowPartial, in which
// case the cached portion is returned along with the error. The returned
// Lease (non-nil on any non-nil sample slice) must be released.
func (s *Store) GetSamples(ctx context.Context, body string, iv Interval, maxGap time.Duration, opts QueryOpts) ([]Sample, *Lease, error) {
	if body == "" {
		return nil, nil, errors.New("empty body identifier")
	}
	if iv.Stop.Before(iv.Start) {
		return nil, nil, fmt.Errorf("invalid interval: stop %s before start %s",
			iv.Stop.Format(time.RFC3339), iv.Start.Format(time.RFC3339))
	}
	if maxGap <= 0 {
		return nil, nil, errors.New("maxGap must be positive")
	}

	missed := false
	// Re-check coverage after each fetch round: a coalesced flight may have
	// covered us, or eviction may have opened a new hole. Bounded to avoid
	// livelock against a hostile eviction schedule.
	for round := 0; round < 3; round++ {
		s.mu.Lock()
		gaps := s.missingGapsLocked(body, iv, maxGap)
		if len(gaps) == 0 {
			samples, lease := s.takeLocked(body, iv, maxGap)
			s.mu.Unlock()
			if !missed {
				s.hits.Add(1)
				metrics.IncEphemCacheHits()
			}
			return samples, lease, nil
		}
		s.mu.Unlock()

		if !missed {
			missed = true
			s.misses.Add(1)
			metrics.IncEphemCacheMisses()
		}

		var fetchErr error
		for _, gap := range gaps {
			if err := s.fetchGap(ctx, body, gap, maxGap); err != nil && fetchErr == nil {
				fetchErr = err
			}
		}
		if fetchErr == nil {
			continue
		}

		if opts.AllowPartial {
			s.mu.Lock()
			samples, lease := s.takeLocked(body, iv, maxGap)
			s.mu.Unlock()
			return samples, lease, fetchErr
		}
		return nil, nil, fetchErr
	}
	return nil, nil, fmt.Errorf("%w: coverage for %q kept churning", ErrEphemerisUnavailable, body)
}

// Interpolate returns the body's sky position at t. t must lie within a
// cached coverage interval; otherwise ErrNotCovered.
func (s *Store) Interpolate(body string, t time.Time) (sky.Point, error) {
	sample, err := s.At(body, t)
	if err != nil {
		return sky.Point{}, err
	}
	return sample.Pos, nil
}

// At returns a synthesized sample for body at time t: position by
// great-circle (or, when rates are available, cubic Hermite) interpolation
// between the two bracketing cached samples, with rates and uncertainty
// carried along. Both bracketing samples are read under one lock, so the
// result always reflects a single cache generation.
func (s *Store) At(body string, t time.Time) (Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tl, ok := s.bodies[body]
	if !ok {
		return Sample{}, fmt.Errorf("%w: no samples for %q", ErrNotCovered, body)
	}
	covered := false
	for _, c := range tl.cov {
		if c.contains(t) {
			covered = true
			break
		}
	}
	if !covered {
		return Sample{}, fmt.Errorf("%w: %q at %s", ErrNotCovered, body, t.UTC().Format(time.RFC3339Nano))
	}

	i := sort.Search(len(tl.samples), func(i int) bool {
		return !tl.samples[i].Time.Before(t)
	})
	if i < len(tl.samples) && tl.samples[i].Time.Equal(t) {
		return tl.samples[i], nil
	}
	if i == 0 || i == len(tl.samples) {
		// Coverage said yes but the brackets are missing; treat as a
		// coverage bug rather than extrapolating silently.
		return Sample{}, fmt.Errorf("%w: %q at %s has no bracketing samples", ErrNotCovered, body, t.UTC().Format(time.RFC3339Nano))
	}
	return interpolatePair(tl.samples[i-1], tl.samples[i], t), nil
}

// interpolatePair blends two bracketing samples at time t.
func interpolatePair(s0, s1 Sample, t time.Time) Sample {
	span := s1.Time.Sub(s0.Time)
	f := float64(t.Sub(s0.Time)) / float64(span)

	var v sky.Vec
	if s0.HasRate && s1.HasRate {
		dtDays := span.Hours() / 24
		v0 := sky.RateVec(s0.Vec, s0.RateRA, s0.RateDec)
		v1 := sky.RateVec(s1.Vec, s1.RateRA, s1.RateDec)
		v = sky.Hermite(s0.Vec, s1.Vec, v0, v1, f, dtDays)
	} else {
		v = sky.Slerp(s0.Vec, s1.Vec, f)
	}

	out := Sample{
		Body: s0.Body,
		Time: t,
		Pos:  v.Point(),
		Vec:  v,
	}
	if s0.HasRate && s1.HasRate {
		out.RateRA = s0.RateRA + f*(s1.RateRA-s0.RateRA)
		out.RateDec = s0.RateDec + f*(s1.RateDec-s0.RateDec)
		out.HasRate = true
	}
	// Conservative: take the wider of the two error radii.
	out.Uncertainty = s0.Uncertainty
	if s1.Uncertainty > out.Uncertainty {
		out.Uncertainty = s1.Uncertainty
	}
	return out
}

// fetchGap fetches one missing sub-interval, coalescing with concurrent
// identical requests. The fetch runs detached from the caller's context so
// a cancelled caller does not fail other waiters; this caller stops waiting
// on its own ctx.
func (s *Store) fetchGap(ctx context.Context, body string, gap Interval, maxGap time.Duration) error {
	q := quantize(gap, maxGap)
	key := fmt.Sprintf("%s|%d|%d|%d", body, q.Start.UnixNano(), q.Stop.UnixNano(), maxGap)

	ch := s.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FetchTimeout)
		defer cancel()
		return nil, s.fetchAndMerge(fctx, body, q, maxGap)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// quantize aligns a gap to the maxGap grid so overlapping concurrent
// requests produce identical coalescing keys.
func quantize(gap Interval, maxGap time.Duration) Interval {
	start := gap.Start.Truncate(maxGap)
	stop := gap.Stop.Truncate(maxGap)
	if stop.Before(gap.Stop) {
		stop = stop.Add(maxGap)
	}
	return Interval{Start: start, Stop: stop}
}

// fetchAndMerge performs the provider fetch with retries and merges the
// result into the cache.
func (s *Store) fetchAndMerge(ctx context.Context, body string, iv Interval, maxGap time.Duration) error {
	// A concurrent flight may have already covered this span.
	s.mu.RLock()
	gaps := s.missingGapsLocked(body, iv, maxGap)
	s.mu.RUnlock()
	if len(gaps) == 0 {
		return nil
	}

	samples, err := s.fetchWithRetry(ctx, Request{Body: body, Start: iv.Start, Stop: iv.Stop, Step: maxGap})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.mergeLocked(body, samples, iv, maxGap)
	var snap []IntervalData
	if s.disk != nil {
		snap = s.snapshotLocked(body)
	}
	total := s.samples
	s.mu.Unlock()

	metrics.SetEphemCacheSamples(total)
	if s.disk != nil {
		if err := s.disk.Save(body, snap); err != nil {
			s.logger.Warn("ephemeris cache persistence failed", "body", body, "error", err)
		}
	}
	return nil
}

// fetchWithRetry calls the provider with bounded exponential backoff.
// RateLimited and Transient failures (and untyped errors, assumed network
// trouble) are retried; NotFound and Unsupported escalate immediately.
func (s *Store) fetchWithRetry(ctx context.Context, req Request) ([]Sample, error) {
	policy := s.cfg.Retry
	delay := policy.BaseDelay
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		start := time.Now()
		samples, err := s.provider.Ephemeris(ctx, req)
		metrics.ObserveProviderFetch(s.provider.Name(), outcome(err), time.Since(start))

		if err == nil {
			if len(samples) == 0 {
				err = &ProviderError{Kind: FailTransient, Provider: s.provider.Name(), Body: req.Body, Msg: "empty ephemeris"}
			} else {
				return samples, nil
			}
		}
		lastErr = err

		var pe *ProviderError
		if errors.As(err, &pe) && !pe.Retryable() {
			return nil, fmt.Errorf("%w: %v", ErrEphemerisUnavailable, err)
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrEphemerisUnavailable, ctx.Err())
		}
		if attempt == policy.MaxAttempts {
			break
		}

		metrics.IncProviderRetries()
		sleep := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		s.logger.Warn("provider fetch failed, retrying",
			"provider", s.provider.Name(),
			"body", req.Body,
			"attempt", attempt,
			"retry_in", sleep.String(),
			"error", err,
		)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrEphemerisUnavailable, ctx.Err())
		}
		delay *= 2
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return nil, fmt.Errorf("%w: retries exhausted for %q: %v", ErrEphemerisUnavailable, req.Body, lastErr)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return string(pe.Kind)
	}
	return "error"
}

// missingGapsLocked returns the sub-intervals of iv not covered at the
// requested density. Caller holds mu (read or write).
func (s *Store) missingGapsLocked(body string, iv Interval, maxGap time.Duration) []Interval {
	tl := s.bodies[body]
	if tl == nil {
		return []Interval{iv}
	}

	// Merge qualifying coverage intervals.
	var merged []Interval
	for _, c := range tl.cov {
		if c.maxGap > maxGap {
			continue
		}
		if c.stop.Before(iv.Start) || c.start.After(iv.Stop) {
			continue
		}
		if n := len(merged); n > 0 && !c.start.After(merged[n-1].Stop) {
			if c.stop.After(merged[n-1].Stop) {
				merged[n-1].Stop = c.stop
			}
			continue
		}
		merged = append(merged, Interval{Start: c.start, Stop: c.stop})
	}

	var gaps []Interval
	cur := iv.Start
	for _, m := range merged {
		if m.Start.After(cur) {
			gaps = append(gaps, Interval{Start: cur, Stop: m.Start})
		}
		if m.Stop.After(cur) {
			cur = m.Stop
		}
		if !cur.Before(iv.Stop) {
			return gaps
		}
	}
	if cur.Before(iv.Stop) {
		gaps = append(gaps, Interval{Start: cur, Stop: iv.Stop})
	}
	// Degenerate instant request exactly at an uncovered point.
	if len(gaps) == 0 && iv.Start.Equal(iv.Stop) {
		covered := false
		for _, m := range merged {
			if m.Contains(iv.Start) {
				covered = true
				break
			}
		}
		if !covered {
			gaps = append(gaps, iv)
		}
	}
	return gaps
}

// takeLocked copies the samples inside iv and pins the backing coverage.
// Caller holds mu for writing.
func (s *Store) takeLocked(body string, iv Interval, maxGap time.Duration) ([]Sample, *Lease) {
	tl := s.bodies[body]
	lease := &Lease{store: s}
	if tl == nil {
		return []Sample{}, lease
	}
	for _, c := range tl.cov {
		if c.maxGap > maxGap || c.stop.Before(iv.Start) || c.start.After(iv.Stop) {
			continue
		}
		c.pins++
		s.lru.MoveToFront(c.elem)
		lease.covs = append(lease.covs, c)
	}
	lo := sort.Search(len(tl.samples), func(i int) bool {
		return !tl.samples[i].Time.Before(iv.Start)
	})
	hi := sort.Search(len(tl.samples), func(i int) bool {
		return tl.samples[i].Time.After(iv.Stop)
	})
	out := make([]Sample, hi-lo)
	copy(out, tl.samples[lo:hi])
	return out, lease
}

// mergeLocked folds fetched samples and their coverage interval into the
// body's timeline. Existing samples win timestamp collisions, preserving
// the "samples are never mutated" contract. Caller holds mu for writing.
func (s *Store) mergeLocked(body string, fetched []Sample, iv Interval, maxGap time.Duration) {
	tl := s.bodies[body]
	if tl == nil {
		tl = &timeline{}
		s.bodies[body] = tl
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Time.Before(fetched[j].Time) })

	merged := make([]Sample, 0, len(tl.samples)+len(fetched))
	i, j, added := 0, 0, 0
	for i < len(tl.samples) || j < len(fetched) {
		switch {
		case i == len(tl.samples):
			if len(merged) == 0 || !merged[len(merged)-1].Time.Equal(fetched[j].Time) {
				merged = append(merged, fetched[j])
				added++
			}
			j++
		case j == len(fetched):
			merged = append(merged, tl.samples[i])
			i++
		case tl.samples[i].Time.After(fetched[j].Time):
			if len(merged) == 0 || !merged[len(merged)-1].Time.Equal(fetched[j].Time) {
				merged = append(merged, fetched[j])
				added++
			}
			j++
		default:
			// Existing sample at or before the fetched time; a collision
			// drops the new copy.
			if tl.samples[i].Time.Equal(fetched[j].Time) {
				j++
			}
			merged = append(merged, tl.samples[i])
			i++
		}
	}
	tl.samples = merged
	s.samples += added

	// Extend an unpinned same-density neighbor, or add a new interval.
	newCov := &coverage{body: body, start: iv.Start, stop: iv.Stop, maxGap: maxGap}
	kept := tl.cov[:0]
	for _, c := range tl.cov {
		if c.maxGap == maxGap && c.pins == 0 &&
			!c.start.After(newCov.stop) && !c.stop.Before(newCov.start) {
			if c.start.Before(newCov.start) {
				newCov.start = c.start
			}
			if c.stop.After(newCov.stop) {
				newCov.stop = c.stop
			}
			s.lru.Remove(c.elem)
			continue
		}
		kept = append(kept, c)
	}
	newCov.elem = s.lru.PushFront(newCov)
	tl.cov = append(kept, newCov)
	sort.Slice(tl.cov, func(a, b int) bool { return tl.cov[a].start.Before(tl.cov[b].start) })
}

// evictLocked removes least-recently-used unpinned coverage intervals until
// the sample budget is met. Samples are dropped only when no surviving
// interval for the body still spans them. Caller holds mu for writing.
func (s *Store) evictLocked() {
	if s.samples <= s.cfg.SampleBudget {
		return
	}
	evicted := 0
	for e := s.lru.Back(); e != nil && s.samples > s.cfg.SampleBudget; {
		prev := e.Prev()
		c := e.Value.(*coverage)
		if c.pins == 0 {
			s.removeCoverageLocked(c)
			evicted++
		}
		e = prev
	}
	if evicted > 0 {
		metrics.AddEphemCacheEvictions(evicted)
		metrics.SetEphemCacheSamples(s.samples)
		s.logger.Debug("ephemeris cache eviction", "intervals_removed", evicted, "samples", s.samples)
	}
}

// removeCoverageLocked deletes one coverage interval and any samples no
// longer inside a surviving interval.
func (s *Store) removeCoverageLocked(c *coverage) {
	tl := s.bodies[c.body]
	if tl == nil {
		return
	}
	s.lru.Remove(c.elem)
	for i, cc := range tl.cov {
		if cc == c {
			tl.cov = append(tl.cov[:i], tl.cov[i+1:]...)
			break
		}
	}

	kept := tl.samples[:0]
	removed := 0
	for _, sm := range tl.samples {
		spanned := false
		for _, cc := range tl.cov {
			if cc.contains(sm.Time) {
				spanned = true
				break
			}
		}
		if spanned {
			kept = append(kept, sm)
		} else {
			removed++
		}
	}
	tl.samples = kept
	s.samples -= removed

	if len(tl.cov) == 0 && len(tl.samples) == 0 {
		delete(s.bodies, c.body)
	}
}

// Evict drops all unpinned cached data for a body, forcing a fresh fetch on
// the next request. Mirrors an ephemeris "clean and refresh" workflow.
func (s *Store) Evict(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tl := s.bodies[body]
	if tl == nil {
		return
	}
	evicted := 0
	for _, c := range append([]*coverage(nil), tl.cov...) {
		if c.pins == 0 {
			s.removeCoverageLocked(c)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.AddEphemCacheEvictions(evicted)
		metrics.SetEphemCacheSamples(s.samples)
	}
}

// Stats describes the cache state.
type Stats struct {
	Bodies    int
	Samples   int
	Coverages int
	Hits      int64
	Misses    int64
}

// Stats returns current cache statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Bodies:  len(s.bodies),
		Samples: s.samples,
	}
	for _, tl := range s.bodies {
		st.Coverages += len(tl.cov)
	}
	s.mu.RUnlock()
	st.Hits = s.hits.Load()
	st.Misses = s.misses.Load()
	return st
}

// IntervalData is the persisted form of one coverage interval: explicit
// boundaries plus the samples inside them.
type IntervalData struct {
	Interval Interval
	MaxGap   time.Duration
	Samples  []Sample
}

// snapshotLocked builds the persistence image for one body.
func (s *Store) snapshotLocked(body string) []IntervalData {
	tl := s.bodies[body]
	if tl == nil {
		return nil
	}
	out := make([]IntervalData, 0, len(tl.cov))
	for _, c := range tl.cov {
		lo := sort.Search(len(tl.samples), func(i int) bool {
			return !tl.samples[i].Time.Before(c.start)
		})
		hi := sort.Search(len(tl.samples), func(i int) bool {
			return tl.samples[i].Time.After(c.stop)
		})
		data := IntervalData{
			Interval: Interval{Start: c.start, Stop: c.stop},
			MaxGap:   c.maxGap,
			Samples:  append([]Sample(nil), tl.samples[lo:hi]...),
		}
		out = append(out, data)
	}
	return out
}

// Restore merges persisted intervals back into the cache, reconstructing
// coverage from the stored boundaries rather than re-deriving it from
// sample gaps. Used at startup.
func (s *Store) Restore(body string, intervals []IntervalData) {
	s.mu.Lock()
	for _, data := range intervals {
		s.mergeLocked(body, data.Samples, data.Interval, data.MaxGap)
	}
	s.evictLocked()
	total := s.samples
	s.mu.Unlock()
	metrics.SetEphemCacheSamples(total)
}
