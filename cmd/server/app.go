package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Klomgor/Maintainerr/executor"
	"github.com/Klomgor/Maintainerr/internal/config"
	"github.com/Klomgor/Maintainerr/internal/database"
	"github.com/Klomgor/Maintainerr/internal/logger"
	"github.com/Klomgor/Maintainerr/media"
	"github.com/Klomgor/Maintainerr/rules"
	"github.com/Klomgor/Maintainerr/scheduler"
	"github.com/Klomgor/Maintainerr/settings"
)

const metricsNamespace = "maintainerr"

// run starts every component and blocks until ctx is cancelled
func run(ctx context.Context, cfg config.Config) error {
	driver, err := database.ParseDriver(cfg.Database.Driver)
	if err != nil {
		return err
	}

	logger.Info("connecting to database", "driver", driver)
	db, err := database.Open(ctx, driver, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(db, driver, cfg.Database.URL); err != nil {
		return err
	}

	catalog, err := rules.LoadCatalog(ctx, rules.DefaultConstants())
	if err != nil {
		return fmt.Errorf("failed to load rule constants: %w", err)
	}
	svc := rules.NewService(rules.NewSQLRuleStore(db, driver.Placeholder()), catalog)

	eval, err := rules.NewEvaluator(catalog)
	if err != nil {
		return fmt.Errorf("failed to build evaluator: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := executor.InitPrometheusMetrics(metricsNamespace, reg)

	defaults := settings.Defaults()
	defaults.RulesHandlerCron = cfg.Scheduler.DefaultCron
	defaults.CatalogURL = cfg.Media.CatalogURL
	defaults.ActionsURL = cfg.Media.ActionsURL
	defaults.MediaAPIKey = cfg.Media.APIKey
	st := settings.NewService(settings.NewSQLStore(db, driver.Placeholder()), defaults)
	if err := st.Init(ctx); err != nil {
		return err
	}

	// stored connection settings win over the configuration, which only seeds them
	current := st.Current()
	catalogClient := media.NewCatalogClient(current.CatalogURL, current.MediaAPIKey, cfg.Media.Timeout)
	actionClient := media.NewActionClient(current.ActionsURL, current.MediaAPIKey, cfg.Media.Timeout)
	st.OnChange(func(next settings.Settings) {
		catalogClient.Configure(next.CatalogURL, next.MediaAPIKey)
		actionClient.Configure(next.ActionsURL, next.MediaAPIKey)
	})
	if current.CatalogURL == "" {
		logger.Warn("no library catalog url configured, runs fail until one is set in the settings")
	}

	var actions executor.ActionExecutor = actionClient
	if cfg.Media.DryRun {
		logger.Warn("actions are logged only (dry run)")
		actions = media.DryRunActions{}
	}

	exec := executor.New(
		svc,
		catalogClient,
		rules.NewRunner(eval),
		actions,
		executor.Config{
			Workers:          cfg.Executor.Workers,
			ActionTimeout:    cfg.Executor.ActionTimeout,
			ActionRetries:    cfg.Executor.ActionRetries,
			RetryInterval:    cfg.Executor.RetryInterval,
			ActionsPerSecond: cfg.Executor.ActionsPerSecond,
		},
		executor.WithMetrics(metrics),
	)

	sched := scheduler.New(func(ctx context.Context) error {
		_, err := exec.Execute(ctx, executor.TriggerSchedule)
		return err
	}, st, scheduler.WithLocation(cfg.Scheduler.Location()))
	if err := sched.Start(ctx, ""); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      NewServer(db, svc, exec, sched, st, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			_ = sched.Stop(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down server")
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error("scheduler shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}
