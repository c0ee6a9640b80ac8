package footprint

import (
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mkelley/sbsearch/internal/mesh"
	"github.com/mkelley/sbsearch/internal/metrics"
	"github.com/mkelley/sbsearch/internal/sky"
)

// numShards spreads cell buckets over independent locks so concurrent
// inserts only contend when they touch the same region of sky.
const numShards = 64

// cellEntry is the per-cell record for one observation: enough to reject
// candidates on time window and bounding cap without touching the full
// geometry.
type cellEntry struct {
	start time.Time
	stop  time.Time
	id    string
	bound sky.Cap
}

type shard struct {
	mu    sync.RWMutex
	cells map[mesh.CellID][]cellEntry
}

// Index is the footprint index: a registry of observations plus per-cell
// candidate lists over a fixed sky tessellation. Reads are safe for
// concurrent use; inserts lock only the registry and the affected cell
// shards.
type Index struct {
	tess   *mesh.Tessellation
	logger *slog.Logger

	mu   sync.RWMutex
	byID map[string]*Observation

	shards [numShards]shard
}

// NewIndex creates an empty index over a tessellation at the given level.
func NewIndex(level int, logger *slog.Logger) *Index {
	ix := &Index{
		tess:   mesh.New(level),
		logger: logger,
		byID:   make(map[string]*Observation),
	}
	for i := range ix.shards {
		ix.shards[i].cells = make(map[mesh.CellID][]cellEntry)
	}
	logger.Info("footprint index initialized",
		"mesh_level", ix.tess.Level(),
		"mesh_cells", ix.tess.NumCells(),
		"cell_angle_deg", sky.Degrees(ix.tess.CellAngle()),
	)
	return ix
}

// Insert adds an observation to the index. Returns ErrDuplicateIdentifier
// if the identifier is already present; the caller decides whether that is
// an error or an idempotent re-ingest. Degenerate zero-area footprints are
// accepted and indexed under their containing cell.
func (ix *Index) Insert(o *Observation) error {
	ix.mu.Lock()
	if _, ok := ix.byID[o.ID]; ok {
		ix.mu.Unlock()
		return ErrDuplicateIdentifier
	}
	ix.byID[o.ID] = o
	count := len(ix.byID)
	ix.mu.Unlock()

	entry := cellEntry{start: o.Start, stop: o.Stop, id: o.ID, bound: o.bound}
	for _, cell := range ix.tess.Cover(o.bound) {
		sh := &ix.shards[uint64(cell)%numShards]
		sh.mu.Lock()
		entries := sh.cells[cell]
		// Keep entries ordered by start time (then id) so queries can stop
		// early once past the window.
		pos := sort.Search(len(entries), func(i int) bool {
			if !entries[i].start.Equal(entry.start) {
				return entries[i].start.After(entry.start)
			}
			return entries[i].id > entry.id
		})
		entries = append(entries, cellEntry{})
		copy(entries[pos+1:], entries[pos:])
		entries[pos] = entry
		sh.cells[cell] = entries
		sh.mu.Unlock()
	}

	metrics.SetIndexObservations(count)
	return nil
}

// Get returns the observation with the given identifier.
func (ix *Index) Get(id string) (*Observation, bool) {
	ix.mu.RLock()
	o, ok := ix.byID[id]
	ix.mu.RUnlock()
	return o, ok
}

// Len returns the number of indexed observations.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

// QueryCandidates returns the identifiers of every observation whose
// bounding cap intersects region and whose exposure interval intersects
// [start, stop]. The result is a conservative superset of the true
// footprint intersections — no false negatives — deduplicated across
// cells, and deterministic for an unchanged index. Querying an empty index
// yields nothing. The sequence is lazily produced and restartable.
func (ix *Index) QueryCandidates(region sky.Cap, start, stop time.Time) iter.Seq[string] {
	return func(yield func(string) bool) {
		cells := ix.tess.Cover(region)
		seen := make(map[string]struct{})
		var ids []string
		for _, cell := range cells {
			sh := &ix.shards[uint64(cell)%numShards]

			sh.mu.RLock()
			ids = ids[:0]
			for _, e := range sh.cells[cell] {
				if e.start.After(stop) {
					break // sorted by start; nothing later can overlap
				}
				if e.stop.Before(start) {
					continue
				}
				if !region.Intersects(e.bound) {
					continue
				}
				ids = append(ids, e.id)
			}
			sh.mu.RUnlock()

			for _, id := range ids {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if !yield(id) {
					return
				}
			}
		}
	}
}

// Stats describes the current index shape.
type Stats struct {
	Observations int
	Cells        int
	Entries      int
	MeshLevel    int
}

// Stats returns current index statistics.
func (ix *Index) Stats() Stats {
	s := Stats{
		Observations: ix.Len(),
		MeshLevel:    ix.tess.Level(),
	}
	for i := range ix.shards {
		sh := &ix.shards[i]
		sh.mu.RLock()
		s.Cells += len(sh.cells)
		for _, entries := range sh.cells {
			s.Entries += len(entries)
		}
		sh.mu.RUnlock()
	}
	return s
}

// CellAngle returns the approximate angular size of a tessellation cell,
// a natural envelope padding scale for the matcher.
func (ix *Index) CellAngle() float64 {
	return ix.tess.CellAngle()
}
