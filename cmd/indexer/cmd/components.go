package cmd

import (
	"context"
	"net/http"

	"github.com/Togather-Foundation/proposals/internal/crawler"
	"github.com/Togather-Foundation/proposals/internal/identity"
	"github.com/Togather-Foundation/proposals/internal/ingest"
	"github.com/Togather-Foundation/proposals/internal/relocation"
	"github.com/Togather-Foundation/proposals/internal/sourcehost"
	"github.com/Togather-Foundation/proposals/internal/sourcehost/github"
	"github.com/Togather-Foundation/proposals/internal/stats"
	"github.com/Togather-Foundation/proposals/internal/storage"
)

// components are the domain services built from one store.
type components struct {
	store      storage.Repository
	crawler    *crawler.Crawler
	relocation *relocation.Resolver
	identity   *identity.Resolver
	stats      *stats.Engine
}

// hostFactory builds the source host client; tests replace it.
var hostFactory = func(a *app) sourcehost.Client {
	cfg := a.cfg.GitHub
	opts := []github.Option{
		github.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		github.WithRateLimit(cfg.RequestsPerSecond),
		github.WithRetry(cfg.MaxRetries, cfg.RetryDelay),
	}
	if cfg.Token != "" {
		opts = append(opts, github.WithToken(cfg.Token))
	}
	return github.NewClient(cfg.BaseURL, opts...)
}

func (a *app) components(ctx context.Context) (*components, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	detector, err := cfg.Relocation.Detector()
	if err != nil {
		return nil, err
	}

	host := hostFactory(a)
	ingester := ingest.New(store, host, nil, detector, a.logger)
	return &components{
		store:      store,
		crawler:    crawler.New(store, host, ingester, a.logger, crawler.WithConcurrency(cfg.Crawl.Concurrency)),
		relocation: relocation.NewResolver(store, a.logger),
		identity:   identity.NewResolver(store, a.logger),
		stats:      stats.NewEngine(store, a.logger, stats.WithConcurrency(cfg.Stats.Concurrency)),
	}, nil
}
