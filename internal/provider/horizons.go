// Package provider implements ephemeris provider adapters: JPL Horizons
// and the Minor Planet Center, plus a router that picks the right service
// for a body and a designation resolver. Adapters translate service
// responses and failures into ephem samples and the typed error taxonomy;
// they never interpret orbits themselves.
package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mkelley/sbsearch/internal/ephem"
	"github.com/mkelley/sbsearch/internal/metrics"
	"github.com/mkelley/sbsearch/internal/sky"
)

const (
	defaultHorizonsURL = "https://ssd.jpl.nasa.gov/api/horizons.api"

	// maxResponseBytes caps how much of a provider response is read; a
	// misbehaving upstream must not exhaust memory.
	maxResponseBytes = 50 << 20
)

// Horizons queries the JPL Horizons ephemeris service. Requests are rate
// limited client-side; Horizons throttles aggressively otherwise.
type Horizons struct {
	baseURL    string
	center     string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewHorizons creates a Horizons client. center is the Horizons observer
// site code ("500" for geocentric) and rps the sustained request rate.
func NewHorizons(baseURL, center string, rps float64, logger *slog.Logger) *Horizons {
	if baseURL == "" {
		baseURL = defaultHorizonsURL
	}
	if center == "" {
		center = "500"
	}
	if rps <= 0 {
		rps = 1
	}
	return &Horizons{
		baseURL: baseURL,
		center:  center,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

func (h *Horizons) Name() string { return "horizons" }

// Ephemeris fetches observer-table samples for the requested span. The
// table carries RA/Dec, sky-plane rates, and 3-sigma uncertainties.
func (h *Horizons) Ephemeris(ctx context.Context, req ephem.Request) ([]ephem.Sample, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("format", "text")
	q.Set("COMMAND", fmt.Sprintf("'DES=%s;'", req.Body))
	q.Set("OBJ_DATA", "'NO'")
	q.Set("MAKE_EPHEM", "'YES'")
	q.Set("EPHEM_TYPE", "'OBSERVER'")
	q.Set("CENTER", "'"+h.center+"'")
	q.Set("START_TIME", fmt.Sprintf("'%s'", req.Start.UTC().Format("2006-01-02 15:04:05")))
	q.Set("STOP_TIME", fmt.Sprintf("'%s'", req.Stop.UTC().Format("2006-01-02 15:04:05")))
	q.Set("STEP_SIZE", fmt.Sprintf("'%dm'", stepMinutes(req.Step)))
	q.Set("QUANTITIES", "'1,3,36'")
	q.Set("ANG_FORMAT", "'DEG'")
	q.Set("CSV_FORMAT", "'YES'")
	q.Set("TIME_DIGITS", "'SECONDS'")
	q.Set("EXTRA_PREC", "'YES'")

	start := time.Now()
	body, err := h.get(ctx, h.baseURL+"?"+q.Encode(), req.Body)
	metrics.ObserveProviderFetch(h.Name(), outcomeLabel(err), time.Since(start))
	if err != nil {
		return nil, err
	}

	samples, err := parseHorizonsTable(req.Body, string(body))
	if err != nil {
		return nil, &ephem.ProviderError{
			Kind: ephem.FailTransient, Provider: h.Name(), Body: req.Body,
			Msg: "unparseable response", Err: err,
		}
	}
	h.logger.Debug("horizons fetch complete",
		"body", req.Body, "samples", len(samples),
		"start", req.Start, "stop", req.Stop)
	return samples, nil
}

func (h *Horizons) get(ctx context.Context, u, body string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, &ephem.ProviderError{
			Kind: ephem.FailTransient, Provider: h.Name(), Body: body, Err: err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ephem.ProviderError{
			Kind: ephem.FailTransient, Provider: h.Name(), Body: body,
			Msg: "reading response", Err: err,
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &ephem.ProviderError{
			Kind: ephem.FailRateLimited, Provider: h.Name(), Body: body,
			Msg: fmt.Sprintf("status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 500:
		return nil, &ephem.ProviderError{
			Kind: ephem.FailTransient, Provider: h.Name(), Body: body,
			Msg: fmt.Sprintf("status %d", resp.StatusCode),
		}
	default:
		return nil, &ephem.ProviderError{
			Kind: ephem.FailUnsupported, Provider: h.Name(), Body: body,
			Msg: fmt.Sprintf("status %d", resp.StatusCode),
		}
	}

	text := string(data)
	if strings.Contains(text, "No matches found") || strings.Contains(text, "Unknown target") {
		return nil, &ephem.ProviderError{
			Kind: ephem.FailNotFound, Provider: h.Name(), Body: body,
			Msg: "no matching body",
		}
	}
	return data, nil
}

// parseHorizonsTable extracts the CSV observer table between the $$SOE and
// $$EOE markers. Requested quantities 1,3,36 give the column layout:
// date, sun flag, moon flag, RA, Dec, dRA*cosD, d(Dec)/dt, RA 3-sigma,
// Dec 3-sigma. Angles are degrees, rates arcsec/hour, sigmas arcsec.
func parseHorizonsTable(body, data string) ([]ephem.Sample, error) {
	soe := strings.Index(data, "$$SOE")
	eoe := strings.Index(data, "$$EOE")
	if soe < 0 || eoe < 0 || eoe < soe {
		return nil, fmt.Errorf("ephemeris table markers not found")
	}

	var samples []ephem.Sample
	for lineno, line := range strings.Split(data[soe+len("$$SOE"):eoe], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 9 {
			return nil, fmt.Errorf("line %d: expected 9 columns, got %d", lineno+1, len(fields))
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		t, err := parseHorizonsTime(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno+1, err)
		}
		raDeg, err := strconv.ParseFloat(fields[3], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: RA: %w", lineno+1, err)
		}
		decDeg, err := strconv.ParseFloat(fields[4], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: Dec: %w", lineno+1, err)
		}

		sm := ephem.NewSample(body, t, sky.Point{RA: sky.Radians(raDeg), Dec: sky.Radians(decDeg)})

		dra, err1 := strconv.ParseFloat(fields[5], 64)
		ddec, err2 := strconv.ParseFloat(fields[6], 64)
		if err1 == nil && err2 == nil {
			// arcsec/hour -> radians/day
			sm = sm.WithRate(sky.Arcsec(dra*24), sky.Arcsec(ddec*24))
		}

		raSig, err1 := strconv.ParseFloat(fields[7], 64)
		decSig, err2 := strconv.ParseFloat(fields[8], 64)
		if err1 == nil && err2 == nil {
			sm = sm.WithUncertainty(sky.Arcsec(max(raSig, decSig)))
		}

		samples = append(samples, sm)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("ephemeris table is empty")
	}
	return samples, nil
}

var horizonsTimeLayouts = []string{
	"2006-Jan-02 15:04:05.000",
	"2006-Jan-02 15:04:05",
	"2006-Jan-02 15:04",
}

func parseHorizonsTime(s string) (time.Time, error) {
	// Solution markers ("A", "*") occasionally prefix the date column.
	s = strings.TrimLeft(s, "*Ab ")
	for _, layout := range horizonsTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func stepMinutes(step time.Duration) int {
	m := int(step / time.Minute)
	if m < 1 {
		m = 1
	}
	return m
}

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
