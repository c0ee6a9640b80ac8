package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/mkelley/sbsearch/internal/ephem"
	"github.com/mkelley/sbsearch/internal/ingest"
	"github.com/mkelley/sbsearch/internal/search"
	"github.com/mkelley/sbsearch/internal/sky"
)

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// searchRequest is the query submission body.
type searchRequest struct {
	Bodies       []string  `json:"bodies"`
	Start        time.Time `json:"start"`
	Stop         time.Time `json:"stop"`
	Observations []string  `json:"observations,omitempty"`
}

// streamLine is one NDJSON line of a search response: matches as they are
// confirmed, per-body failures, and a final report.
type streamLine struct {
	Type    string              `json:"type"` // match | body_failure | report
	Match   *search.Match       `json:"match,omitempty"`
	Failure *search.BodyFailure `json:"failure,omitempty"`
	Report  *search.Report      `json:"report,omitempty"`
}

// ndjsonSink streams matches to the client as they arrive. Bodies are
// verified concurrently, so emission is serialized here.
type ndjsonSink struct {
	mu    sync.Mutex
	enc   *json.Encoder
	flush http.Flusher
}

// Emit implements search.Sink.
func (s *ndjsonSink) Emit(_ context.Context, m search.Match) error {
	return s.write(streamLine{Type: "match", Match: &m})
}

func (s *ndjsonSink) write(line streamLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(line); err != nil {
		return err
	}
	if s.flush != nil {
		s.flush.Flush()
	}
	return nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed search request: "+err.Error())
		return
	}
	if len(req.Bodies) == 0 {
		writeError(w, http.StatusBadRequest, "search request names no bodies")
		return
	}
	if req.Stop.Before(req.Start) {
		writeError(w, http.StatusBadRequest, "search stop precedes start")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	sink := &ndjsonSink{enc: json.NewEncoder(w), flush: flusher}

	report, err := s.matcher.Search(r.Context(), search.Query{
		Bodies: req.Bodies,
		Start:  req.Start,
		Stop:   req.Stop,
		Obs:    req.Observations,
	}, sink)
	if err != nil {
		// Headers are sent; the error becomes the terminal line.
		sink.write(streamLine{Type: "body_failure", Failure: &search.BodyFailure{Error: err.Error()}})
		return
	}

	for i := range report.Failures {
		sink.write(streamLine{Type: "body_failure", Failure: &report.Failures[i]})
	}
	sink.write(streamLine{Type: "report", Report: report})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	res, err := ingest.Read(r.Body, s.index, s.logger)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rejected := make([]string, 0, len(res.Rejected))
	for _, re := range res.Rejected {
		rejected = append(rejected, re.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"inserted":   res.Inserted,
		"duplicates": res.Duplicates,
		"rejected":   rejected,
	})
}

func (s *Server) handleGetObservation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	obs, ok := s.index.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown observation "+id)
		return
	}

	bound := obs.Bounding()
	center := bound.Center.Point()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":     obs.ID,
		"survey": obs.Survey,
		"start":  obs.Start,
		"stop":   obs.Stop,
		"bounding_cap": map[string]float64{
			"ra":     sky.Degrees(center.RA),
			"dec":    sky.Degrees(center.Dec),
			"radius": sky.Degrees(bound.Radius),
		},
	})
}

// handleEphemeris interpolates a body's position at one instant, fetching
// coverage on demand. Debug surface for operators.
func (s *Server) handleEphemeris(w http.ResponseWriter, r *http.Request) {
	body := r.URL.Query().Get("body")
	if body == "" {
		writeError(w, http.StatusBadRequest, "missing body parameter")
		return
	}
	at, err := time.Parse(time.RFC3339, r.URL.Query().Get("time"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "time must be RFC 3339")
		return
	}

	_, lease, err := s.store.GetSamples(r.Context(), body,
		ephem.Interval{Start: at, Stop: at}, time.Hour, ephem.QueryOpts{})
	if err != nil {
		if errors.Is(err, ephem.ErrEphemerisUnavailable) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer lease.Release()

	sm, err := s.store.At(body, at)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"body": body,
		"time": at,
		"ra":   sky.Degrees(sm.Pos.RA),
		"dec":  sky.Degrees(sm.Pos.Dec),
	}
	if sm.HasRate {
		resp["dra_cosdec_deg_day"] = sky.Degrees(sm.RateRA)
		resp["ddec_deg_day"] = sky.Degrees(sm.RateDec)
	}
	if sm.Uncertainty > 0 {
		resp["uncertainty_arcsec"] = sky.Degrees(sm.Uncertainty) * 3600
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleEvict drops a body's cached ephemeris so the next query refetches.
func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	body := r.URL.Query().Get("body")
	if body == "" {
		writeError(w, http.StatusBadRequest, "missing body parameter")
		return
	}
	s.store.Evict(body)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"evicted": body})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ix := s.index.Stats()
	eph := s.store.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"index": map[string]any{
			"observations": ix.Observations,
			"cells":        ix.Cells,
			"entries":      ix.Entries,
			"mesh_level":   ix.MeshLevel,
		},
		"ephemeris": map[string]any{
			"bodies":    eph.Bodies,
			"samples":   eph.Samples,
			"coverages": eph.Coverages,
			"hits":      eph.Hits,
			"misses":    eph.Misses,
		},
	})
}
