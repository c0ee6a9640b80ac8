package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkelley/sbsearch/internal/ephem"
	"github.com/mkelley/sbsearch/internal/sky"
)

var testLogger = slog.New(slog.NewJSONHandler(io.Discard, nil))

const horizonsFixture = `*******************************************************************************
Ephemeris / API_USER Mon Aug 24 12:00:00 2026
Target body name: 2P/Encke
*******************************************************************************
 Date__(UT)__HR:MN:SC, , , R.A._____(ICRF)_____DEC, dRA*cosD, d(DEC)/dt, RA_3sigma, DEC_3sigma,
$$SOE
 2026-Mar-01 00:00:00, , ,  10.0000000,  -5.0000000,  15.0000,  -3.0000,  0.250,  0.120,
 2026-Mar-01 01:00:00, , ,  10.0041667,  -5.0008333,  15.0000,  -3.0000,  0.250,  0.120,
 2026-Mar-01 02:00:00, , ,  10.0083333,  -5.0016667,  15.0000,  -3.0000,  0.250,  0.120,
$$EOE
*******************************************************************************
`

func testRequest() ephem.Request {
	return ephem.Request{
		Body:  "2P",
		Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Stop:  time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC),
		Step:  time.Hour,
	}
}

func TestHorizonsParsesObserverTable(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		io.WriteString(w, horizonsFixture)
	}))
	defer srv.Close()

	h := NewHorizons(srv.URL, "500", 100, testLogger)
	samples, err := h.Ephemeris(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, samples, 3)

	assert.Equal(t, []string{"'DES=2P;'"}, gotQuery["COMMAND"])
	assert.Equal(t, []string{"'60m'"}, gotQuery["STEP_SIZE"])

	first := samples[0]
	assert.Equal(t, "2P", first.Body)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), first.Time)
	assert.InDelta(t, sky.Radians(10), first.Pos.RA, 1e-12)
	assert.InDelta(t, sky.Radians(-5), first.Pos.Dec, 1e-12)
	require.True(t, first.HasRate)
	assert.InDelta(t, sky.Arcsec(15*24), first.RateRA, 1e-15)
	assert.InDelta(t, sky.Arcsec(-3*24), first.RateDec, 1e-15)
	assert.InDelta(t, sky.Arcsec(0.25), first.Uncertainty, 1e-15)

	assert.Equal(t, time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC), samples[2].Time)
}

func TestHorizonsUnknownTarget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "No matches found.\n")
	}))
	defer srv.Close()

	h := NewHorizons(srv.URL, "", 100, testLogger)
	_, err := h.Ephemeris(context.Background(), testRequest())
	var perr *ephem.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ephem.FailNotFound, perr.Kind)
	assert.False(t, perr.Retryable())
}

func TestHorizonsErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		kind   ephem.FailKind
	}{
		{http.StatusTooManyRequests, ephem.FailRateLimited},
		{http.StatusServiceUnavailable, ephem.FailRateLimited},
		{http.StatusInternalServerError, ephem.FailTransient},
		{http.StatusBadRequest, ephem.FailUnsupported},
	}
	for _, tc := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		h := NewHorizons(srv.URL, "", 100, testLogger)
		_, err := h.Ephemeris(context.Background(), testRequest())
		srv.Close()

		var perr *ephem.ProviderError
		require.ErrorAs(t, err, &perr, "status %d", tc.status)
		assert.Equal(t, tc.kind, perr.Kind, "status %d", tc.status)
	}
}

func TestHorizonsMangledTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "$$SOE\nnot,a,real,line\n$$EOE\n")
	}))
	defer srv.Close()

	h := NewHorizons(srv.URL, "", 100, testLogger)
	_, err := h.Ephemeris(context.Background(), testRequest())
	var perr *ephem.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ephem.FailTransient, perr.Kind)
}

func mpcFixture(designation string) mpcResponse {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rra, rdec := 12.0, -2.5
	var recs []mpcRecord
	for i := 0; i < 3; i++ {
		recs = append(recs, mpcRecord{
			Date:        base.Add(time.Duration(i) * time.Hour),
			RA:          120.5 + 0.01*float64(i),
			Dec:         22.1,
			RateRA:      &rra,
			RateDec:     &rdec,
			Uncertainty: 0.3,
		})
	}
	return mpcResponse{Designation: designation, Ephemeris: recs}
}

func TestMPCParsesEphemeris(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "433", r.URL.Query().Get("designation"))
		json.NewEncoder(w).Encode(mpcFixture("433"))
	}))
	defer srv.Close()

	m := NewMPC(srv.URL, 100, testLogger)
	req := testRequest()
	req.Body = "433"
	samples, err := m.Ephemeris(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, "433", samples[0].Body)
	assert.InDelta(t, sky.Radians(120.5), samples[0].Pos.RA, 1e-12)
	assert.True(t, samples[0].HasRate)
	assert.InDelta(t, sky.Arcsec(12*24), samples[0].RateRA, 1e-15)
	assert.InDelta(t, sky.Arcsec(0.3), samples[0].Uncertainty, 1e-15)
}

func TestMPCUnknownObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(mpcResponse{Error: "unknown_object"})
	}))
	defer srv.Close()

	m := NewMPC(srv.URL, 100, testLogger)
	_, err := m.Ephemeris(context.Background(), testRequest())
	var perr *ephem.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ephem.FailNotFound, perr.Kind)
}

func TestResolverClassification(t *testing.T) {
	r := NewResolver(16, time.Minute)
	tests := []struct {
		in        string
		canonical string
		class     BodyClass
	}{
		{"2P", "2P", ClassComet},
		{"1P/Halley", "1P", ClassComet},
		{"73P-C", "73P-C", ClassComet},
		{"C/1995 O1", "C/1995 O1", ClassComet},
		{"C/1995   O1", "C/1995 O1", ClassComet},
		{"433", "433", ClassAsteroid},
		{"(433)", "433", ClassAsteroid},
		{"2017 UB313", "2017 UB313", ClassAsteroid},
		{"weirdname", "weirdname", ClassUnknown},
	}
	for _, tc := range tests {
		res, err := r.Resolve(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.canonical, res.Canonical, tc.in)
		assert.Equal(t, tc.class, res.Class, tc.in)
	}

	_, err := r.Resolve("   ")
	assert.Error(t, err)
}

// recordingProvider notes the designations it was asked for.
type recordingProvider struct {
	name   string
	bodies []string
	fail   error
}

func (p *recordingProvider) Name() string { return p.name }

func (p *recordingProvider) Ephemeris(ctx context.Context, req ephem.Request) ([]ephem.Sample, error) {
	p.bodies = append(p.bodies, req.Body)
	if p.fail != nil {
		return nil, p.fail
	}
	return []ephem.Sample{ephem.NewSample(req.Body, req.Start, sky.Point{})}, nil
}

func TestRouterSelectsByClass(t *testing.T) {
	ast := &recordingProvider{name: "mpc"}
	com := &recordingProvider{name: "horizons"}
	router := NewRouter(NewResolver(16, time.Minute), ast, com, testLogger)

	_, err := router.Ephemeris(context.Background(), ephem.Request{
		Body: "(433)", Start: time.Now(), Stop: time.Now(), Step: time.Hour})
	require.NoError(t, err)
	_, err = router.Ephemeris(context.Background(), ephem.Request{
		Body: "1P/Halley", Start: time.Now(), Stop: time.Now(), Step: time.Hour})
	require.NoError(t, err)

	assert.Equal(t, []string{"433"}, ast.bodies, "numbered asteroid goes to MPC, canonicalized")
	assert.Equal(t, []string{"1P"}, com.bodies, "comet goes to Horizons, canonicalized")
}

func TestRouterFallsBackOnNotFound(t *testing.T) {
	ast := &recordingProvider{
		name: "mpc",
		fail: &ephem.ProviderError{Kind: ephem.FailNotFound, Provider: "mpc", Body: "433"},
	}
	com := &recordingProvider{name: "horizons"}
	router := NewRouter(NewResolver(16, time.Minute), ast, com, testLogger)

	samples, err := router.Ephemeris(context.Background(), ephem.Request{
		Body: "(433)", Start: time.Now(), Stop: time.Now(), Step: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{"433"}, com.bodies)
	// Samples are relabeled with the caller's designation.
	require.Len(t, samples, 1)
	assert.Equal(t, "(433)", samples[0].Body)
}

func TestRouterPropagatesTransient(t *testing.T) {
	ast := &recordingProvider{
		name: "mpc",
		fail: &ephem.ProviderError{Kind: ephem.FailTransient, Provider: "mpc", Body: "433"},
	}
	com := &recordingProvider{name: "horizons"}
	router := NewRouter(NewResolver(16, time.Minute), ast, com, testLogger)

	_, err := router.Ephemeris(context.Background(), ephem.Request{
		Body: "433", Start: time.Now(), Stop: time.Now(), Step: time.Hour})
	var perr *ephem.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ephem.FailTransient, perr.Kind)
	assert.Empty(t, com.bodies, "transient failures must not mask the primary provider")
}
