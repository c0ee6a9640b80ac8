package main

import (
	"log/slog"
	"os"

	"github.com/mkelley/sbsearch/internal/config"
	"github.com/mkelley/sbsearch/internal/ephem"
	"github.com/mkelley/sbsearch/internal/footprint"
	"github.com/mkelley/sbsearch/internal/ingest"
	"github.com/mkelley/sbsearch/internal/provider"
	"github.com/mkelley/sbsearch/internal/search"
	"github.com/mkelley/sbsearch/internal/sky"
)

// stack is the wired core: index, ephemeris store, matcher.
type stack struct {
	index   *footprint.Index
	store   *ephem.Store
	disk    *ephem.DiskCache
	matcher *search.Matcher
}

// buildStack wires the providers, store, index, and matcher from config.
func buildStack(cfg *config.Config, logger *slog.Logger) *stack {
	resolver := provider.NewResolver(cfg.Provider.ResolverSize, cfg.Provider.ResolverTTL)
	horizons := provider.NewHorizons(cfg.Provider.HorizonsURL, cfg.Provider.HorizonsCenter,
		cfg.Provider.HorizonsRPS, logger.With("component", "horizons"))
	mpc := provider.NewMPC(cfg.Provider.MPCURL, cfg.Provider.MPCRPS,
		logger.With("component", "mpc"))
	router := provider.NewRouter(resolver, mpc, horizons, logger.With("component", "provider"))

	var disk *ephem.DiskCache
	if cfg.Ephem.CacheDir != "" {
		disk = ephem.NewDiskCache(cfg.Ephem.CacheDir, cfg.Ephem.CacheFiles,
			logger.With("component", "ephem-disk"))
	}

	store := ephem.NewStore(router, ephem.Config{
		SampleBudget: cfg.Ephem.SampleBudget,
		FetchTimeout: cfg.Ephem.FetchTimeout,
		Retry: ephem.RetryPolicy{
			MaxAttempts: cfg.Ephem.RetryAttempts,
			BaseDelay:   cfg.Ephem.RetryBase,
			MaxDelay:    cfg.Ephem.RetryMax,
		},
	}, disk, logger.With("component", "ephem"))

	index := footprint.NewIndex(cfg.Index.MeshLevel, logger.With("component", "index"))

	matcher := search.NewMatcher(index, store, search.Options{
		EnvelopeStep:    cfg.Search.EnvelopeStep,
		VerifyStep:      cfg.Search.VerifyStep,
		SafetyMargin:    sky.Arcsec(cfg.Search.SafetyMarginArcsec),
		Workers:         cfg.Search.Workers,
		BodyConcurrency: cfg.Search.BodyConcurrency,
	}, logger.With("component", "search"))

	return &stack{index: index, store: store, disk: disk, matcher: matcher}
}

// loadObservations ingests a JSON-lines observation file into the index.
func (s *stack) loadObservations(path string, logger *slog.Logger) (ingest.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return ingest.Result{}, err
	}
	defer f.Close()
	return ingest.Read(f, s.index, logger)
}

// restoreCache loads the persisted ephemeris cache, if configured.
func (s *stack) restoreCache(logger *slog.Logger) {
	if s.disk == nil {
		return
	}
	loaded, err := s.disk.LoadAll(s.store)
	if err != nil {
		logger.Warn("ephemeris cache restore failed", "error", err)
		return
	}
	if loaded > 0 {
		logger.Info("ephemeris cache restored", "bodies", loaded)
	}
}
