package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/mkelley/sbsearch/internal/ephem"
	"github.com/mkelley/sbsearch/internal/metrics"
	"github.com/mkelley/sbsearch/internal/sky"
)

const defaultMPCURL = "https://minorplanetcenter.net/web_service/ephemeris"

// MPC queries the Minor Planet Center ephemeris service. The service only
// serves asteroids; comet requests come back Unsupported and the router
// falls through to Horizons.
type MPC struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewMPC creates an MPC client with the given sustained request rate.
func NewMPC(baseURL string, rps float64, logger *slog.Logger) *MPC {
	if baseURL == "" {
		baseURL = defaultMPCURL
	}
	if rps <= 0 {
		rps = 1
	}
	return &MPC{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

func (m *MPC) Name() string { return "mpc" }

// mpcResponse is the service's JSON envelope. Angles are degrees, rates
// arcsec/hour, uncertainty arcsec.
type mpcResponse struct {
	Designation string      `json:"designation"`
	Error       string      `json:"error,omitempty"`
	Ephemeris   []mpcRecord `json:"ephemeris"`
}

type mpcRecord struct {
	Date        time.Time `json:"date"`
	RA          float64   `json:"ra"`
	Dec         float64   `json:"dec"`
	RateRA      *float64  `json:"dra_cosdec,omitempty"`
	RateDec     *float64  `json:"ddec,omitempty"`
	Uncertainty float64   `json:"uncertainty,omitempty"`
}

// Ephemeris fetches samples for the requested span.
func (m *MPC) Ephemeris(ctx context.Context, req ephem.Request) ([]ephem.Sample, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("designation", req.Body)
	q.Set("start", req.Start.UTC().Format(time.RFC3339))
	q.Set("stop", req.Stop.UTC().Format(time.RFC3339))
	q.Set("step", strconv.Itoa(int(req.Step.Seconds()))+"s")
	q.Set("format", "json")

	start := time.Now()
	samples, err := m.fetch(ctx, m.baseURL+"?"+q.Encode(), req.Body)
	metrics.ObserveProviderFetch(m.Name(), outcomeLabel(err), time.Since(start))
	if err != nil {
		return nil, err
	}
	m.logger.Debug("mpc fetch complete",
		"body", req.Body, "samples", len(samples),
		"start", req.Start, "stop", req.Stop)
	return samples, nil
}

func (m *MPC) fetch(ctx context.Context, u, body string) ([]ephem.Sample, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ephem.ProviderError{
			Kind: ephem.FailTransient, Provider: m.Name(), Body: body, Err: err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ephem.ProviderError{
			Kind: ephem.FailTransient, Provider: m.Name(), Body: body,
			Msg: "reading response", Err: err,
		}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, &ephem.ProviderError{
			Kind: ephem.FailNotFound, Provider: m.Name(), Body: body,
			Msg: "unknown designation",
		}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		return nil, &ephem.ProviderError{
			Kind: ephem.FailRateLimited, Provider: m.Name(), Body: body,
			Msg: fmt.Sprintf("status %d", resp.StatusCode),
		}
	case resp.StatusCode >= 500:
		return nil, &ephem.ProviderError{
			Kind: ephem.FailTransient, Provider: m.Name(), Body: body,
			Msg: fmt.Sprintf("status %d", resp.StatusCode),
		}
	default:
		return nil, &ephem.ProviderError{
			Kind: ephem.FailUnsupported, Provider: m.Name(), Body: body,
			Msg: fmt.Sprintf("status %d", resp.StatusCode),
		}
	}

	var mr mpcResponse
	if err := json.Unmarshal(data, &mr); err != nil {
		return nil, &ephem.ProviderError{
			Kind: ephem.FailTransient, Provider: m.Name(), Body: body,
			Msg: "unparseable response", Err: err,
		}
	}
	if mr.Error != "" {
		kind := ephem.FailTransient
		if mr.Error == "unknown_object" {
			kind = ephem.FailNotFound
		}
		return nil, &ephem.ProviderError{
			Kind: kind, Provider: m.Name(), Body: body, Msg: mr.Error,
		}
	}

	samples := make([]ephem.Sample, 0, len(mr.Ephemeris))
	for _, rec := range mr.Ephemeris {
		sm := ephem.NewSample(body, rec.Date.UTC(),
			sky.Point{RA: sky.Radians(rec.RA), Dec: sky.Radians(rec.Dec)})
		if rec.RateRA != nil && rec.RateDec != nil {
			// arcsec/hour -> radians/day
			sm = sm.WithRate(sky.Arcsec(*rec.RateRA*24), sky.Arcsec(*rec.RateDec*24))
		}
		if rec.Uncertainty > 0 {
			sm = sm.WithUncertainty(sky.Arcsec(rec.Uncertainty))
		}
		samples = append(samples, sm)
	}
	return samples, nil
}
