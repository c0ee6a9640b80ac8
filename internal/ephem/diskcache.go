package ephem

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mkelley/sbsearch/internal/sky"
)

// DiskCache persists per-body ephemeris data so the cache survives process
// restarts. One JSON file per body holds the coverage intervals with their
// explicit boundaries and the samples inside them; coverage is restored
// from the stored boundaries, never re-derived from sample gaps.
type DiskCache struct {
	dir      string
	maxFiles int
	logger   *slog.Logger
}

// NewDiskCache creates a DiskCache rooted at dir keeping at most maxFiles
// body files (oldest pruned by modification time).
func NewDiskCache(dir string, maxFiles int, logger *slog.Logger) *DiskCache {
	if maxFiles <= 0 {
		maxFiles = 64
	}
	return &DiskCache{dir: dir, maxFiles: maxFiles, logger: logger}
}

// bodyFile is the on-disk layout. Angles are radians, rates radians/day;
// Go's JSON float encoding round-trips float64 exactly, and RFC 3339 with
// nanoseconds round-trips timestamps, so the format is lossless.
type bodyFile struct {
	Body      string           `json:"body"`
	SavedAt   time.Time        `json:"saved_at"`
	Intervals []intervalRecord `json:"intervals"`
}

type intervalRecord struct {
	Start         time.Time      `json:"start"`
	Stop          time.Time      `json:"stop"`
	MaxGapSeconds float64        `json:"max_gap_seconds"`
	Samples       []sampleRecord `json:"samples"`
}

type sampleRecord struct {
	Time    time.Time `json:"t"`
	RA      float64   `json:"ra"`
	Dec     float64   `json:"dec"`
	RateRA  *float64  `json:"dra,omitempty"`
	RateDec *float64  `json:"ddec,omitempty"`
	Unc     float64   `json:"unc,omitempty"`
}

// fileName maps a body designation to a stable file name. Designations
// contain '/' and spaces ("C/1995 O1"), so unsafe characters are replaced
// and a checksum keeps distinct designations from colliding.
func (c *DiskCache) fileName(body string) string {
	var b strings.Builder
	for _, r := range body {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	sum := crc32.ChecksumIEEE([]byte(body))
	return fmt.Sprintf("eph_%s_%08x.json", b.String(), sum)
}

// Save writes a body's snapshot, replacing any previous file, then prunes
// beyond the file budget. The write goes through a temp file and rename so
// a crash never leaves a torn file.
func (c *DiskCache) Save(body string, intervals []IntervalData) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	bf := bodyFile{Body: body, SavedAt: time.Now().UTC()}
	for _, data := range intervals {
		rec := intervalRecord{
			Start:         data.Interval.Start.UTC(),
			Stop:          data.Interval.Stop.UTC(),
			MaxGapSeconds: data.MaxGap.Seconds(),
			Samples:       make([]sampleRecord, 0, len(data.Samples)),
		}
		for _, sm := range data.Samples {
			sr := sampleRecord{
				Time: sm.Time.UTC(),
				RA:   sm.Pos.RA,
				Dec:  sm.Pos.Dec,
				Unc:  sm.Uncertainty,
			}
			if sm.HasRate {
				ra, dec := sm.RateRA, sm.RateDec
				sr.RateRA, sr.RateDec = &ra, &dec
			}
			rec.Samples = append(rec.Samples, sr)
		}
		bf.Intervals = append(bf.Intervals, rec)
	}

	data, err := json.Marshal(bf)
	if err != nil {
		return fmt.Errorf("encoding cache file: %w", err)
	}

	path := filepath.Join(c.dir, c.fileName(body))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing cache file: %w", err)
	}

	return c.prune()
}

// Load reads one body's persisted intervals. A missing file returns
// (nil, nil).
func (c *DiskCache) Load(body string) ([]IntervalData, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, c.fileName(body)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache file: %w", err)
	}
	bf, err := decodeBodyFile(data)
	if err != nil {
		return nil, err
	}
	if bf.Body != body {
		return nil, fmt.Errorf("cache file body mismatch: have %q, want %q", bf.Body, body)
	}
	return toIntervalData(bf), nil
}

// LoadAll restores every persisted body into the store. Corrupt files are
// logged and skipped, never fatal.
func (c *DiskCache) LoadAll(store *Store) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("listing cache dir: %w", err)
	}

	loaded := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "eph_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			c.logger.Warn("skipping unreadable cache file", "file", name, "error", err)
			continue
		}
		bf, err := decodeBodyFile(data)
		if err != nil {
			c.logger.Warn("skipping corrupt cache file", "file", name, "error", err)
			continue
		}
		store.Restore(bf.Body, toIntervalData(bf))
		loaded++
	}
	return loaded, nil
}

func decodeBodyFile(data []byte) (*bodyFile, error) {
	var bf bodyFile
	if err := json.Unmarshal(data, &bf); err != nil {
		return nil, fmt.Errorf("decoding cache file: %w", err)
	}
	if bf.Body == "" {
		return nil, fmt.Errorf("cache file missing body designation")
	}
	return &bf, nil
}

func toIntervalData(bf *bodyFile) []IntervalData {
	out := make([]IntervalData, 0, len(bf.Intervals))
	for _, rec := range bf.Intervals {
		data := IntervalData{
			Interval: Interval{Start: rec.Start, Stop: rec.Stop},
			MaxGap:   time.Duration(rec.MaxGapSeconds * float64(time.Second)),
			Samples:  make([]Sample, 0, len(rec.Samples)),
		}
		for _, sr := range rec.Samples {
			sm := NewSample(bf.Body, sr.Time, sky.Point{RA: sr.RA, Dec: sr.Dec})
			if sr.RateRA != nil && sr.RateDec != nil {
				sm = sm.WithRate(*sr.RateRA, *sr.RateDec)
			}
			if sr.Unc > 0 {
				sm = sm.WithUncertainty(sr.Unc)
			}
			data.Samples = append(data.Samples, sm)
		}
		out = append(out, data)
	}
	return out
}

// prune removes the oldest body files beyond the budget.
func (c *DiskCache) prune() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("listing cache dir: %w", err)
	}

	type cacheFile struct {
		name string
		mod  time.Time
	}
	var files []cacheFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "eph_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, cacheFile{name: name, mod: info.ModTime()})
	}
	if len(files) <= c.maxFiles {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files[:len(files)-c.maxFiles] {
		if err := os.Remove(filepath.Join(c.dir, f.name)); err != nil {
			return fmt.Errorf("pruning cache file %s: %w", f.name, err)
		}
	}
	return nil
}
