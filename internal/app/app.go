// Package app assembles the daily paper-trading pipeline from configuration
// and runs it: the ops HTTP server and the aligned daily scheduler.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"papertrade/internal/config"
	"papertrade/internal/freeze"
	"papertrade/internal/logger"
	"papertrade/internal/orderbook"
	"papertrade/internal/pricefeed"
	"papertrade/internal/prompt"
	"papertrade/internal/provider"
	"papertrade/internal/runner"
	"papertrade/internal/scheduler"
	"papertrade/internal/store"
	opshttp "papertrade/internal/transport/http"
)

// App owns the wired components and their lifecycles.
type App struct {
	cfg *config.Config

	store    *store.Store
	registry *prompt.Registry
	prices   *pricefeed.CachedSource
	policy   *freeze.Policy
	runner   *runner.Runner
	ops      *opshttp.Server
}

// NewApp builds the application from configuration without starting it.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	registry, err := prompt.NewRegistry(cfg.Prompts.Dir)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("loading prompt registry: %w", err)
	}
	logger.Infof("✓ prompt registry loaded from %s (%d templates)", cfg.Prompts.Dir, len(registry.Snapshot().Templates))

	prices, err := pricefeed.OpenCache(
		pricefeed.NewHTTPSource(cfg.PriceFeed.APIURL, cfg.PriceFeed.APIKey, time.Duration(cfg.PriceFeed.TimeoutSeconds)*time.Second),
		cfg.Storage.PriceCachePath,
	)
	if err != nil {
		_ = registry.Close()
		_ = st.Close()
		return nil, fmt.Errorf("opening price cache: %w", err)
	}

	ledger, err := buildLedger(cfg.Storage.ArtifactDir)
	if err != nil {
		_ = prices.Close()
		_ = registry.Close()
		_ = st.Close()
		return nil, err
	}

	policy := freeze.NewPolicy(st, registry)
	book := orderbook.NewBook(st)

	client := provider.NewChatClient(cfg.Model.APIURL, cfg.Model.APIKey, time.Duration(cfg.Model.TimeoutSeconds)*time.Second)
	client.MaxRetries = cfg.Model.MaxRetries

	run := &runner.Runner{
		Policy:      policy,
		Templates:   registry,
		Client:      client,
		Prices:      prices,
		Book:        book,
		Runs:        st,
		Ledger:      ledger,
		Events:      runner.NewHTTPEventSource(cfg.Events.FeedURL, cfg.Events.APIKey, time.Duration(cfg.Events.TimeoutSeconds)*time.Second),
		Runtime:     runtimeManifest(cfg),
		Parallelism: cfg.Run.Parallelism,
		Temperature: cfg.Model.Temperature,
		Samples:     cfg.Run.Samples,
	}
	if cfg.Performance.Enabled {
		run.Perf = buildPerfSubmitter(cfg.Performance)
	}

	ops := &opshttp.Server{
		Policy:         policy,
		Book:           book,
		Runner:         run,
		Runs:           st,
		Runtime:        run.Runtime,
		ConsistencyRun: buildConsistencyRun(cfg, registry, client),
	}

	logger.Infof("✓ app built (env=%s model=%s prompt=%s@%s)",
		cfg.App.Env, cfg.Model.Model, cfg.Prompts.ID, cfg.Prompts.Version)
	return &App{
		cfg:      cfg,
		store:    st,
		registry: registry,
		prices:   prices,
		policy:   policy,
		runner:   run,
		ops:      ops,
	}, nil
}

// Run starts the ops HTTP server and the daily scheduler and blocks until
// the context ends or either fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	group, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{Addr: a.cfg.App.HTTPAddr, Handler: a.ops.Handler()}
	group.Go(func() error {
		logger.Infof("ops http server listening on %s", a.cfg.App.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops http server error: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		sched := scheduler.NewAlignedScheduler(ctx, 24*time.Hour, time.Duration(a.cfg.Run.OffsetHours)*time.Hour)
		sched.RunImmediately = a.cfg.Run.RunImmediately
		sched.Start(func(day time.Time) {
			if _, err := a.runner.RunDaily(ctx, day); err != nil {
				logger.Errorf("daily run for %s failed: %v", day.Format(time.DateOnly), err)
			}
		})
		return nil
	})

	return group.Wait()
}

// Close releases the store, prompt watcher and price cache.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.registry != nil {
		_ = a.registry.Close()
	}
	if a.prices != nil {
		_ = a.prices.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Runner exposes the daily runner (for replay harnesses).
func (a *App) Runner() *runner.Runner {
	if a == nil {
		return nil
	}
	return a.runner
}
