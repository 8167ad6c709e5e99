// courierd is the courier API server.
// It serves the REST API, proxies outbound requests for the workbench,
// and drives collection runs, monitors, and retention.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codeops/courier/internal/api"
	"github.com/codeops/courier/internal/cache"
	"github.com/codeops/courier/internal/config"
	"github.com/codeops/courier/internal/domain"
	"github.com/codeops/courier/internal/leader"
	"github.com/codeops/courier/internal/metrics"
	"github.com/codeops/courier/internal/postgres"
	"github.com/codeops/courier/internal/proxy"
	"github.com/codeops/courier/internal/quota"
	"github.com/codeops/courier/internal/reaper"
	"github.com/codeops/courier/internal/runner"
	"github.com/codeops/courier/internal/sandbox"
	"github.com/codeops/courier/internal/scheduler"
	"github.com/codeops/courier/internal/storage"
)

const version = "1.0.0-dev"

// treeStore satisfies runner.TreeStore across the three stores that own
// collection tree rows.
type treeStore struct {
	*postgres.CollectionStore
	*postgres.FolderStore
	*postgres.RequestStore
}

// dataFileSource satisfies runner.DataFileSource: catalog rows live in
// Postgres, file content in object storage.
type dataFileSource struct {
	*postgres.DataFileStore
	*storage.S3Store
}

// validateEnv checks that critical environment variables have valid values.
// Returns a slice of validation errors (empty if all valid).
func validateEnv() []string {
	var errs []string

	// Validate listen address format (host:port).
	if addr := os.Getenv("COURIER_LISTEN_ADDR"); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("COURIER_LISTEN_ADDR=%q: must be host:port (%v)", addr, err))
		}
	}

	// Validate DATABASE_URL is a parseable postgres URL.
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if _, err := url.Parse(dbURL); err != nil {
			errs = append(errs, fmt.Sprintf("DATABASE_URL: invalid URL (%v)", err))
		}
	}

	// Validate duration-typed env vars.
	for _, name := range []string{
		"COURIER_DB_MAX_CONN_LIFETIME",
		"COURIER_DB_MAX_CONN_IDLE_TIME",
		"MINIO_METADATA_TIMEOUT",
		"MINIO_DATA_TIMEOUT",
	} {
		if v := os.Getenv(name); v != "" {
			if _, err := time.ParseDuration(v); err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: must be a valid Go duration (e.g. 10s, 2m) (%v)", name, v, err))
			}
		}
	}

	// MINIO_ENDPOINT may be host:port without scheme; allow that.
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		if _, _, err := net.SplitHostPort(v); err != nil {
			if _, err := url.Parse("http://" + v); err != nil {
				errs = append(errs, fmt.Sprintf("MINIO_ENDPOINT=%q: must be a valid endpoint", v))
			}
		}
	}

	return errs
}

// warnDefaultCredentials logs security warnings when object store or
// Postgres credentials are well-known defaults (minioadmin, courier/courier).
// These are safe for local development but dangerous in production.
func warnDefaultCredentials(cfg *config.Config) {
	if cfg.ObjectStore.AccessKey == "minioadmin" || cfg.ObjectStore.SecretKey == "minioadmin" {
		slog.Warn("object store credentials are set to default values (minioadmin), change these for production deployments")
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil && u.User != nil {
		user := u.User.Username()
		pass, _ := u.User.Password()
		if (user == "courier" && pass == "courier") || (user == "postgres" && pass == "postgres") {
			slog.Warn("database credentials appear to be defaults, change these for production deployments",
				"user", user)
		}
	}
}

// newLogHandler builds the slog handler described by the log config.
func newLogHandler(cfg config.LogConfig) slog.Handler {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func main() {
	// Built-in healthcheck for scratch containers (no wget/curl available).
	// Usage: /courierd healthcheck
	if len(os.Args) > 1 && os.Args[1] == "healthcheck" {
		port := "8080"
		if addr := os.Getenv("COURIER_LISTEN_ADDR"); addr != "" {
			if _, p, err := net.SplitHostPort(addr); err == nil && p != "" {
				port = p
			}
		}
		resp, err := http.Get("http://localhost:" + port + "/healthz")
		if err != nil {
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Bootstrap logger so config loading itself is logged; replaced with
	// the configured handler once the config is known. The context-aware
	// wrapper stamps request_id onto every record logged under a request.
	slog.SetDefault(slog.New(api.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil))))

	// Validate critical environment variables before wiring anything.
	if errs := validateEnv(); len(errs) > 0 {
		for _, e := range errs {
			slog.Error("invalid environment variable", "error", e)
		}
		os.Exit(1)
	}

	// Load config: COURIER_CONFIG env > ./courier.yaml > defaults.
	configPath := config.ResolvePath()
	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(api.NewContextHandler(newLogHandler(cfg.Log))))
	slog.Info("config loaded", "path", configPath, "config", cfg.String())

	warnDefaultCredentials(cfg)

	srv := &api.Server{
		CORSOrigins:      cfg.Server.CORSOrigins,
		SSELimiter:       api.NewSSELimiter(cfg.RateLimit.MaxSSEStreams, cfg.RateLimit.MaxSSEPerClient),
		MaxDataFileBytes: cfg.Runner.MaxDataFileBytes,
	}

	// In-memory caches for slow-changing data. These shave Postgres
	// round-trips off the proxy and runner hot paths, where the active
	// environment and collection row are fetched on every send.
	srv.ActiveEnvCache = cache.New[uuid.UUID, *domain.Environment](cache.Options{
		TTL:        30 * time.Second,
		MaxEntries: 500, // one entry per team
	})
	srv.CollectionCache = cache.New[uuid.UUID, *domain.Collection](cache.Options{
		TTL:        30 * time.Second,
		MaxEntries: 1000,
	})

	// Per-team rate limiting (disable with COURIER_RATE_LIMIT=0).
	if os.Getenv("COURIER_RATE_LIMIT") != "0" {
		rl := api.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
			CleanupInterval:   5 * time.Minute,
		}
		srv.RateLimit = &rl
		slog.Info("rate limiting enabled", "rpm", rl.RequestsPerMinute, "burst", rl.Burst)
	}

	ctx := context.Background()

	// Postgres: pool, migrations, stores. courierd cannot serve without
	// a database, so any failure here is fatal.
	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Event bus (Postgres LISTEN/NOTIFY) for instant run-progress events.
	// SSE falls back to polling without it, so startup failure is not fatal.
	var stopEventBus func()
	eventBus := postgres.NewPgEventBus(pool)
	if err := eventBus.Start(ctx); err != nil {
		slog.Warn("event bus failed to start, SSE will fall back to polling", "error", err)
		eventBus = nil
	} else {
		stopEventBus = eventBus.Stop
	}

	collectionStore := postgres.NewCollectionStore(pool)
	folderStore := postgres.NewFolderStore(pool)
	requestStore := postgres.NewRequestStore(pool)
	environmentStore := postgres.NewEnvironmentStore(pool)
	globalStore := postgres.NewGlobalStore(pool)
	historyStore := postgres.NewHistoryStore(pool)
	runStore := postgres.NewRunStore(pool)
	monitorStore := postgres.NewMonitorStore(pool)
	dataFileStore := postgres.NewDataFileStore(pool)
	settingsStore := postgres.NewSettingsStore(pool)

	// Wire event bus into the run store for automatic NOTIFY on progress.
	if eventBus != nil {
		runStore.EventBus = eventBus
		srv.Events = eventBus
	}

	srv.Collections = collectionStore
	srv.Folders = folderStore
	srv.Requests = requestStore
	srv.Environments = environmentStore
	srv.Globals = globalStore
	srv.History = historyStore
	srv.Runs = runStore
	srv.Monitors = monitorStore
	srv.DataFiles = dataFileStore
	srv.Settings = settingsStore
	srv.DBHealth = postgres.NewHealthChecker(pool)
	slog.Info("postgres stores initialized")

	// Object storage for overflow response bodies and uploaded data files.
	s3Cfg := storage.S3Config{
		Endpoint:  cfg.ObjectStore.Endpoint,
		AccessKey: cfg.ObjectStore.AccessKey,
		SecretKey: cfg.ObjectStore.SecretKey,
		Bucket:    cfg.ObjectStore.Bucket,
		UseSSL:    cfg.ObjectStore.UseSSL,
		Region:    cfg.ObjectStore.Region,
	}
	// Optional timeout overrides (e.g. MINIO_METADATA_TIMEOUT=15s).
	if v := os.Getenv("MINIO_METADATA_TIMEOUT"); v != "" {
		s3Cfg.MetadataTimeout, _ = time.ParseDuration(v)
	}
	if v := os.Getenv("MINIO_DATA_TIMEOUT"); v != "" {
		s3Cfg.DataTimeout, _ = time.ParseDuration(v)
	}

	s3Store, err := storage.NewS3StoreFromConfig(ctx, s3Cfg)
	if err != nil {
		slog.Error("failed to connect to object storage", "error", err)
		os.Exit(1)
	}
	srv.Blobs = s3Store
	srv.S3Health = storage.NewHealthChecker(s3Store)

	metaTimeout := s3Cfg.MetadataTimeout
	if metaTimeout == 0 {
		metaTimeout = storage.DefaultMetadataTimeout
	}
	dataTimeout := s3Cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = storage.DefaultDataTimeout
	}
	slog.Info("object storage initialized",
		"endpoint", cfg.ObjectStore.Endpoint,
		"bucket", cfg.ObjectStore.Bucket,
		"metadata_timeout", metaTimeout,
		"data_timeout", dataTimeout,
	)

	recorder := metrics.NewRecorder(nil)
	srv.Metrics = recorder

	// Proxy executor: the single engine behind manual sends, collection
	// runs, and monitors.
	historyRecorder := proxy.NewRecorder(historyStore, s3Store, cfg.History.InlineBodyBytes, recorder)
	executor, err := proxy.NewExecutor(proxy.Limits{
		DefaultTimeoutMs: cfg.Proxy.DefaultTimeoutMs,
		MinTimeoutMs:     cfg.Proxy.MinTimeoutMs,
		MaxTimeoutMs:     cfg.Proxy.MaxTimeoutMs,
		MaxRedirects:     cfg.Proxy.MaxRedirects,
		MaxResponseBytes: cfg.Proxy.MaxResponseBytes,
		UserAgent:        cfg.Proxy.UserAgent,
	}, historyRecorder, recorder)
	if err != nil {
		slog.Error("failed to build proxy executor", "error", err)
		os.Exit(1)
	}
	srv.Executor = executor

	scripts := sandbox.NewRunner(sandbox.Options{
		PreRequestTimeout:   cfg.Scripts.PreRequestTimeout,
		PostResponseTimeout: cfg.Scripts.PostResponseTimeout,
	})

	registry := runner.NewRegistry()
	runSvc := runner.New(runner.Deps{
		Trees:        treeStore{collectionStore, folderStore, requestStore},
		Environments: environmentStore,
		Globals:      globalStore,
		Runs:         runStore,
		DataFiles:    dataFileSource{dataFileStore, s3Store},
		Quota:        quota.NewChecker(runStore, cfg.Runner.ActiveRunsPerTeam),
		Executor:     executor,
		Scripts:      scripts,
		Registry:     registry,
		Metrics:      recorder,
	})
	srv.Starter = runSvc
	srv.Registry = registry
	slog.Info("collection runner initialized", "active_runs_per_team", cfg.Runner.ActiveRunsPerTeam)

	// startBackgroundWorkers launches the monitor scheduler and the
	// retention reaper. Called by the leader elector when this replica
	// wins the advisory lock; the returned func stops both.
	startBackgroundWorkers := func(ctx context.Context) func() {
		sched := scheduler.New(monitorStore, runStore, runSvc, cfg.Scheduler.TickInterval)
		sched.Start(ctx)
		slog.Info("monitor scheduler started", "tick_interval", cfg.Scheduler.TickInterval)

		reap := reaper.New(settingsStore, runStore, historyStore, s3Store, registry, cfg.Scheduler.ReaperInterval)
		reap.Start(ctx)
		srv.Reaper = reap
		slog.Info("reaper started")

		return func() {
			sched.Stop()
			slog.Info("monitor scheduler stopped")
			reap.Stop()
			slog.Info("reaper stopped")
		}
	}

	// Background workers run on ONE replica only, to avoid duplicate
	// monitor fires and double retention sweeps. The replica that holds
	// the advisory lock is the leader; if it dies, Postgres releases the
	// lock and another replica takes over.
	// Set COURIER_WORKERS=false to run a pure API-only replica.
	var stopLeader func()
	if os.Getenv("COURIER_WORKERS") == "false" {
		slog.Info("background workers disabled (COURIER_WORKERS=false)")
	} else {
		tryLock := func(ctx context.Context) (bool, error) {
			var acquired bool
			err := pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", leader.AdvisoryLockID).Scan(&acquired)
			return acquired, err
		}
		elector := leader.New(tryLock, leader.RetryInterval, startBackgroundWorkers)
		elector.Start(ctx)
		stopLeader = elector.Stop
		slog.Info("leader election started (advisory lock)")
	}

	router := api.NewRouter(srv)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// Proxied requests can legitimately take minutes; the write
		// timeout must outlast the proxy's max per-send timeout. SSE
		// streams clear their own deadline via ResponseController.
		WriteTimeout: time.Duration(cfg.Proxy.MaxTimeoutMs)*time.Millisecond + 30*time.Second,
		IdleTimeout:  120 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS13,
		},
	}

	tlsCertFile := os.Getenv("TLS_CERT_FILE")
	tlsKeyFile := os.Getenv("TLS_KEY_FILE")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// The HTTP server and the signal-driven drain run under one errgroup:
	// a listener failure cancels the group, and Wait returns only after
	// the drain goroutine has finished.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tlsCertFile != "" && tlsKeyFile != "" {
			slog.Info("starting courierd (HTTPS)", "addr", cfg.Server.ListenAddr, "version", version)
			err = httpServer.ListenAndServeTLS(tlsCertFile, tlsKeyFile)
		} else {
			slog.Info("starting courierd", "addr", cfg.Server.ListenAddr, "version", version)
			err = httpServer.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
		case <-gctx.Done():
			// Listener failed; nothing to drain.
			return nil
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	serveErr := g.Wait()

	// Ordered cleanup: leader (stops scheduler/reaper) → event bus →
	// rate limiter → database pool.
	if stopLeader != nil {
		stopLeader()
		slog.Info("leader elector stopped")
	}
	if stopEventBus != nil {
		stopEventBus()
	}
	if srv.RateLimiterStop != nil {
		srv.RateLimiterStop()
		slog.Info("rate limiter stopped")
	}
	pool.Close()
	slog.Info("database pool closed")

	if serveErr != nil {
		slog.Error("server failed", "error", serveErr)
		os.Exit(1)
	}
	slog.Info("courierd shutdown complete")
}
