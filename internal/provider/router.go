package provider

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mkelley/sbsearch/internal/ephem"
)

// Router is an ephem.Provider that resolves each designation and forwards
// the request to the service covering that body class: asteroids go to the
// MPC, comets and anything unrecognized go to Horizons. When the primary
// service does not know the body, the request falls through to Horizons,
// which carries the broadest catalog.
type Router struct {
	resolver  *Resolver
	asteroids ephem.Provider
	comets    ephem.Provider
	logger    *slog.Logger
}

// NewRouter wires a resolver and the per-class providers.
func NewRouter(resolver *Resolver, asteroids, comets ephem.Provider, logger *slog.Logger) *Router {
	return &Router{
		resolver:  resolver,
		asteroids: asteroids,
		comets:    comets,
		logger:    logger,
	}
}

func (r *Router) Name() string { return "router" }

// Ephemeris resolves req.Body, forwards to the class provider, and falls
// back to the comet provider on NotFound/Unsupported from the asteroid
// service.
func (r *Router) Ephemeris(ctx context.Context, req ephem.Request) ([]ephem.Sample, error) {
	res, err := r.resolver.Resolve(req.Body)
	if err != nil {
		return nil, &ephem.ProviderError{
			Kind: ephem.FailNotFound, Provider: r.Name(), Body: req.Body, Err: err,
		}
	}

	fwd := req
	fwd.Body = res.Canonical

	if res.Class != ClassAsteroid {
		samples, err := r.comets.Ephemeris(ctx, fwd)
		return r.relabel(req.Body, samples, err)
	}

	samples, err := r.asteroids.Ephemeris(ctx, fwd)
	var perr *ephem.ProviderError
	if err != nil && errors.As(err, &perr) &&
		(perr.Kind == ephem.FailNotFound || perr.Kind == ephem.FailUnsupported) {
		r.logger.Debug("falling back to comet provider",
			"body", req.Body, "primary", r.asteroids.Name(), "kind", perr.Kind)
		samples, err = r.comets.Ephemeris(ctx, fwd)
	}
	return r.relabel(req.Body, samples, err)
}

// relabel restores the caller's designation on returned samples so the
// cache stays keyed by what the caller asked for, not the canonical form.
func (r *Router) relabel(body string, samples []ephem.Sample, err error) ([]ephem.Sample, error) {
	if err != nil {
		return nil, err
	}
	for i := range samples {
		samples[i].Body = body
	}
	return samples, nil
}
