package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/bargom/sidequest/internal/activity"
	"github.com/bargom/sidequest/internal/api"
	"github.com/bargom/sidequest/internal/api/handlers"
	"github.com/bargom/sidequest/internal/api/ws"
	"github.com/bargom/sidequest/internal/config"
	"github.com/bargom/sidequest/internal/cron"
	"github.com/bargom/sidequest/internal/gitflow"
	"github.com/bargom/sidequest/internal/health"
	"github.com/bargom/sidequest/internal/pipeline"
	"github.com/bargom/sidequest/internal/secrets"
	"github.com/bargom/sidequest/internal/shutdown"
	"github.com/bargom/sidequest/internal/store"
	"github.com/bargom/sidequest/pkg/logging"
	"github.com/bargom/sidequest/pkg/metrics"
)

var (
	// servePort overrides the PORT environment variable when set
	servePort int
	// serveDBPath overrides the JOBS_DB_PATH environment variable when set
	serveDBPath string
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the job server",
		Long: `Start the sidequest job server.

The server loads queued jobs from the database, starts one worker per
pipeline, and serves the jobs API plus the websocket activity channel.
Configuration comes from environment variables; flags override the
listen port and database path.`,
		Example: `  sidequest serve
  sidequest serve --port 3001
  PORT=4000 MAX_CONCURRENT=3 sidequest serve`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().IntVarP(&servePort, "port", "p", 0, "port to listen on (overrides PORT)")
	cmd.Flags().StringVar(&serveDBPath, "db", "", "job database path (overrides JOBS_DB_PATH)")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Port = servePort
		cfg.JobsAPIPort = 0
	}
	if serveDBPath != "" {
		cfg.DBPath = serveDBPath
	}

	logCfg := logging.ConfigFromEnv()
	logCfg.Level = cfg.LogLevel
	if _, pinned := os.LookupEnv("LOG_FORMAT"); !pinned && !cfg.Production() {
		logCfg.Format = "dev"
	}
	if verbose {
		logCfg.Level = "debug"
	}
	log := logging.New(logCfg)
	log.SetDefault()
	logger := log.Logger

	logger.Info("starting sidequest",
		"version", Version,
		"env", cfg.Env,
		"max_concurrent", cfg.MaxConcurrent,
		"max_retries", cfg.MaxRetries,
	)

	meter := metrics.NewRegistry(metrics.DefaultConfig())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if dir := filepath.Dir(cfg.DBPath); cfg.DBPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}

	st, err := store.Open(ctx, store.Options{Path: cfg.DBPath, Logger: logger})
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	var secretsMgr *secrets.Manager
	if cfg.Doppler.Token != "" {
		fetcher := secrets.NewDopplerFetcher(
			cfg.Doppler.Token,
			cfg.Doppler.Project,
			cfg.Doppler.Config,
			cfg.Doppler.DopplerTimeout(),
		)
		secretsMgr = secrets.New(secrets.Config{
			Token:             cfg.Doppler.Token,
			Project:           cfg.Doppler.Project,
			Env:               cfg.Doppler.Config,
			FailureThreshold:  uint32(cfg.Doppler.FailureThreshold),
			SuccessThreshold:  uint32(cfg.Doppler.SuccessThreshold),
			Timeout:           cfg.Doppler.DopplerTimeout(),
			BaseDelay:         cfg.Doppler.BaseDelay(),
			BackoffMultiplier: cfg.Doppler.BackoffMultiplier,
			MaxBackoff:        cfg.Doppler.MaxBackoff(),
			CacheDir:          cfg.Doppler.CacheDir,
		}, fetcher, logger, meter)

		// Prime the fallback cache so a later provider outage has
		// something to serve.
		go func() {
			if _, err := secretsMgr.Get(ctx); err != nil {
				logger.Warn("initial secrets fetch failed", "error", err)
			}
		}()
	} else {
		logger.Info("secrets manager disabled, no provider token")
	}

	var git *gitflow.Engine
	if cfg.Git.WorkflowEnabled {
		git = gitflow.New(gitflow.Config{
			BaseBranch:   cfg.Git.BaseBranch,
			BranchPrefix: cfg.Git.BranchPrefix,
			DryRun:       cfg.Git.DryRun,
			Token:        cfg.Git.Token,
			AuthorName:   cfg.Git.AuthorName,
			AuthorEmail:  cfg.Git.AuthorEmail,
		}, logger, nil, nil)
		logger.Info("git workflow enabled",
			"base_branch", cfg.Git.BaseBranch,
			"dry_run", cfg.Git.DryRun,
		)
	}

	stream := activity.New(activity.DefaultCapacity, logger, meter)
	hub := ws.NewHub(logger, meter)
	go hub.Run()
	stream.Subscribe(hub.BroadcastActivity)

	registry := pipeline.NewRegistry(pipeline.Deps{
		Store:         st,
		Git:           git,
		Stream:        stream,
		Logger:        logger,
		Metrics:       meter,
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRetries:    cfg.MaxRetries,
		LogDir:        cfg.JobLogDir,
	})
	if err := registry.Start(ctx); err != nil {
		return fmt.Errorf("start pipeline workers: %w", err)
	}

	driver := cron.New(logger)
	if len(cfg.SweepRepositories) > 0 {
		sweep := func(ctx context.Context) {
			sweepRepositories(ctx, registry, cfg.SweepRepositories, logger)
		}
		if err := driver.Register("repository-sweep", cfg.CronSchedule, cron.GateFunc(registry.Running), sweep); err != nil {
			return err
		}
		if err := driver.Start(cfg.RunOnStartup); err != nil {
			return fmt.Errorf("start cron driver: %w", err)
		}
		logger.Info("repository sweep scheduled",
			"schedule", cfg.CronSchedule,
			"repositories", len(cfg.SweepRepositories),
			"run_on_startup", cfg.RunOnStartup,
		)
	} else {
		logger.Info("repository sweep disabled, no repositories configured")
	}

	handler := handlers.New(registry, st, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		Hub:          hub,
		Metrics:      meter,
		MigrationKey: cfg.MigrationKey,
	})
	server := api.NewServer(router, api.ServerConfig{
		Port:    cfg.APIPort(),
		MaxPort: cfg.MaxPort(),
	}, logger)

	healthSrv := startHealthServer(cfg, st, secretsMgr, registry, logger)

	mgr := shutdown.NewManager(shutdown.DefaultConfig(), logger)
	mgr.Register("api-server", shutdown.PriorityHTTPServer, server.Shutdown)
	if healthSrv != nil {
		mgr.Register("health-server", shutdown.PriorityHTTPServer, healthSrv.Shutdown)
	}
	mgr.Register("cron", shutdown.PriorityCron, driver.Stop)
	mgr.Register("workers", shutdown.PriorityWorkers, registry.Shutdown)
	mgr.Register("activity-hub", shutdown.PriorityActivityHub, func(ctx context.Context) error {
		hub.Close()
		return nil
	})
	mgr.Register("store", shutdown.PriorityStore, func(ctx context.Context) error {
		return st.Close()
	})

	done := mgr.ListenForSignals()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("api server failed", "error", err)
			mgr.Shutdown()
			return err
		}
		// Serve returned cleanly: shutdown already in progress.
		<-done
	case <-done:
	}

	if errs := mgr.Errors(); len(errs) > 0 {
		return fmt.Errorf("shutdown finished with %d error(s), first: %w", len(errs), errs[0])
	}
	logger.Info("sidequest stopped")
	return nil
}

// startHealthServer binds the standalone health endpoint when
// HEALTH_CHECK_PORT is set. Deployments probe it without touching the jobs
// API port.
func startHealthServer(cfg *config.Config, st *store.Store, secretsMgr *secrets.Manager, registry *pipeline.Registry, logger *slog.Logger) *http.Server {
	if cfg.HealthCheckPort == 0 {
		return nil
	}

	reg := health.NewRegistry(Version)
	reg.Register(health.StoreCheck(st))
	reg.Register(health.WorkersCheck(registry))
	if secretsMgr != nil {
		reg.Register(health.SecretsCheck(secretsMgr))
	}

	mux := http.NewServeMux()
	health.NewHandler(reg).RegisterRoutes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HealthCheckPort),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("health server listening", "port", cfg.HealthCheckPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server failed", "error", err)
		}
	}()
	return srv
}

// sweepRepositories submits one duplicate-detection job per configured
// repository. Failures are logged and skipped so one bad path never blocks
// the rest of the sweep.
func sweepRepositories(ctx context.Context, registry *pipeline.Registry, repos []string, logger *slog.Logger) {
	worker, err := registry.Worker(ctx, pipeline.DuplicateDetection)
	if err != nil {
		logger.Error("sweep aborted, worker unavailable", "error", err)
		return
	}

	for _, repo := range repos {
		repo = strings.TrimSpace(repo)
		if repo == "" {
			continue
		}

		data, err := json.Marshal(map[string]string{"repositoryPath": repo})
		if err != nil {
			logger.Error("sweep payload encoding failed", "repository", repo, "error", err)
			continue
		}

		id := fmt.Sprintf("sweep-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
		if _, err := worker.CreateJob(ctx, id, data); err != nil {
			logger.Error("sweep submission failed", "repository", repo, "error", err)
			continue
		}
		logger.Info("sweep job submitted", "repository", repo, "job_id", id)
	}
}
