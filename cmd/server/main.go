package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "agentmesh/knowledgeservice/internal/api/http"
	"agentmesh/knowledgeservice/internal/app"
	"agentmesh/knowledgeservice/internal/metrics"
	"agentmesh/knowledgeservice/internal/processor"
	"agentmesh/knowledgeservice/internal/provenance"
	"agentmesh/knowledgeservice/internal/providers"
	"agentmesh/knowledgeservice/internal/providers/runtime"
	"agentmesh/knowledgeservice/internal/research"
	"agentmesh/knowledgeservice/internal/seeker"
	"agentmesh/knowledgeservice/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "knowledge-seeker")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "knowledge-seeker"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Bool("seekerEnabled", cfg.SeekerEnabled),
		slog.Duration("requestTimeout", cfg.RequestTimeout),
		slog.Int("maxConcurrentSearches", cfg.MaxConcurrentSearches),
		slog.Bool("cacheEnabled", !cfg.CacheDisabled),
		slog.Duration("cacheTTL", cfg.CacheTTL),
		slog.Int("providers", len(cfg.Providers)),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.Bool("hasMongo", strings.TrimSpace(cfg.MongoURI) != ""),
	)

	registrations, err := providers.Build(cfg.Providers, providers.Deps{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
		Retry: runtime.RetryConfig{
			MaxAttempts:  cfg.RetryAttempts,
			InitialDelay: cfg.RetryDelay,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("provider construction failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	proc := processor.New(cfg.Processor, processor.WithLogger(logger))

	seekerOpts := []seeker.Option{
		seeker.WithLogger(logger),
		seeker.WithEventSink(seeker.NewLogSink(logger)),
	}
	if backend := buildDurableCache(cfg, logger); backend != nil {
		seekerOpts = append(seekerOpts, seeker.WithDurableCache(backend))
	}

	knowledgeSeeker := seeker.New(seeker.Config{
		Enabled:               cfg.SeekerEnabled,
		DefaultTimeout:        cfg.RequestTimeout,
		MaxConcurrentSearches: cfg.MaxConcurrentSearches,
		MaxResultsPerProvider: cfg.MaxResultsPerProvider,
		MinRelevanceThreshold: cfg.MinRelevanceThreshold,
		CacheEnabled:          !cfg.CacheDisabled,
		CacheTTL:              cfg.CacheTTL,
		VerifyMinConfidence:   cfg.VerifyMinConfidence,
	}, registrations, proc, seekerOpts...)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mongoClient, provenanceStore := buildProvenance(rootCtx, cfg, logger)
	if mongoClient != nil {
		defer func() {
			disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = mongoClient.Disconnect(disconnectCtx)
		}()
	}

	detector := research.NewDetector(cfg.Detector)
	augmenterOpts := []research.AugmenterOption{research.WithAugmenterLogger(logger)}
	if provenanceStore.Available() {
		augmenterOpts = append(augmenterOpts, research.WithRecorder(provenanceStore))
	}
	augmenter := research.NewAugmenter(research.AugmenterConfig{
		MaxQueries:         cfg.ResearchMaxQueries,
		MaxResultsPerQuery: cfg.ResearchMaxResultsPerQuery,
		RelevanceThreshold: cfg.ResearchRelevanceThreshold,
		QueryTimeout:       cfg.ResearchQueryTimeout,
	}, detector, knowledgeSeeker, augmenterOpts...)

	serverOpts := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithResearch(augmenter),
	}
	if provenanceStore.Available() {
		serverOpts = append(serverOpts, apihttp.WithProvenance(provenanceStore))
	}

	handler := apihttp.NewServer(knowledgeSeeker, serverOpts...).Handler()
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Queries may legitimately run up to their own timeoutMs budget.
		// Keep the write timeout disabled and rely on per-query deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	knowledgeSeeker.StartBackground(rootCtx)
	provenanceStore.StartRetention(rootCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	logger.Info("knowledge seeker service started",
		slog.String("addr", cfg.HTTPAddr),
		slog.Int("providers", len(registrations)),
	)

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("knowledge seeker service stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildDurableCache connects the optional Redis tier behind the in-memory
// response cache. Any failure falls back to memory-only caching.
func buildDurableCache(cfg app.Config, logger *slog.Logger) seeker.DurableCache {
	if cfg.CacheDisabled {
		return nil
	}
	redisURL := strings.TrimSpace(cfg.RedisURL)
	if redisURL == "" {
		return nil
	}
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-memory cache only", slog.String("error", err.Error()))
		return nil
	}
	client := redis.NewClient(redisOpts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not reachable, using in-memory cache only", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("redis connected", slog.String("addr", redisOpts.Addr))
	return seeker.NewRedisCacheBackend(client)
}

// buildProvenance connects MongoDB for the research audit trail. The trail
// is best-effort, so a missing or unreachable database logs a warning and
// the service runs without it.
func buildProvenance(ctx context.Context, cfg app.Config, logger *slog.Logger) (*mongo.Client, *provenance.Store) {
	mongoURI := strings.TrimSpace(cfg.MongoURI)
	if mongoURI == "" {
		logger.Info("mongo uri not configured, research provenance disabled")
		return nil, nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	mongoOpts := otelmongo.NewMonitor()
	client, err := provenance.Connect(connectCtx, mongoURI, options.Client().SetMonitor(mongoOpts))
	if err != nil {
		logger.Warn("mongo connect failed, research provenance disabled", slog.String("error", err.Error()))
		return nil, nil
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Warn("mongo ping failed, research provenance disabled", slog.String("error", err.Error()))
		disconnectCtx, cancelDisconnect := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancelDisconnect()
		_ = client.Disconnect(disconnectCtx)
		return nil, nil
	}

	store := provenance.NewStore(client, provenance.Config{
		Database:      cfg.MongoDatabase,
		RetentionDays: cfg.ProvenanceRetentionDays,
	}, logger)
	if err := store.EnsureIndexes(connectCtx); err != nil {
		logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
	}
	logger.Info("mongo connected", slog.String("database", cfg.MongoDatabase))
	return client, store
}
