package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/quality-loop-go/internal/config"
	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/handler"
	"github.com/boddenberg/quality-loop-go/internal/infra/cache"
	"github.com/boddenberg/quality-loop-go/internal/infra/client"
	"github.com/boddenberg/quality-loop-go/internal/infra/clock"
	"github.com/boddenberg/quality-loop-go/internal/infra/memory"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
	"github.com/boddenberg/quality-loop-go/internal/infra/redislock"
	"github.com/boddenberg/quality-loop-go/internal/infra/resilience"
	"github.com/boddenberg/quality-loop-go/internal/infra/sqlstore"
	"github.com/boddenberg/quality-loop-go/internal/port"
	"github.com/boddenberg/quality-loop-go/internal/service"

	"go.uber.org/zap"
)

func main() {
	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "qloop")
	defer logger.Sync()

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Fatal("failed to load policy", zap.String("path", cfg.PolicyFile), zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_driver", cfg.StoreDriver),
		zap.Bool("redis_dedup", cfg.RedisAddr != ""),
		zap.Duration("scan_interval", cfg.ScanInterval),
		zap.Duration("scan_window", cfg.ScanWindow),
		zap.Duration("dedup_cooldown", cfg.DedupCooldown),
		zap.Duration("validation_timeout", cfg.ValidationTimeout),
		zap.Bool("require_human_approval", cfg.RequireHumanApproval),
		zap.Int("rules", len(policy.Rules)),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "qloop")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	clk := clock.New()
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()

	// --- Persistence ---
	checks := []handler.HealthCheck{}
	var store port.Store
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		store = memory.NewStore()
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
		db, err := sqlstore.Open(startCtx, cfg.StoreDriver, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("failed to open store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
		}
		defer db.Close()
		store = db
		logger.Info("using SQL store", zap.String("driver", cfg.StoreDriver))
	default:
		logger.Fatal("unknown store driver", zap.String("driver", cfg.StoreDriver))
	}
	checks = append(checks, handler.HealthCheck{Name: "store", Ping: store.Ping})

	// --- Dedup lock ---
	var locker port.DedupLocker = memory.NewKeyedLocker()
	if cfg.RedisAddr != "" {
		rl, err := redislock.Dial(startCtx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.DedupLockTTL, logger)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		}
		defer rl.Close()
		locker = rl
		checks = append(checks, handler.HealthCheck{Name: "redis", Ping: rl.Ping})
	} else {
		logger.Warn("redis not configured, alert dedup is per-process")
	}

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Clients ---
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	var harness port.TestHarness
	if cfg.HarnessAPIURL != "" {
		harness = client.NewHarnessClient(httpClient, cfg.HarnessAPIURL, resilience.NewCircuitBreaker("harness", logger), resilienceCfg)
	} else {
		logger.Warn("test harness not configured, proposals wait for submitted validation results")
	}

	var sink port.DeploymentSink = client.LogSink{Logger: logger}
	if cfg.DeployAPIURL != "" {
		sink = client.NewDeployClient(httpClient, cfg.DeployAPIURL, resilience.NewCircuitBreaker("deploy", logger), resilienceCfg)
	} else {
		logger.Warn("deployment system not configured, implement events are only logged")
	}

	var traces port.TraceContextProvider = client.EmptyTraces{}
	if cfg.TraceAPIURL != "" {
		traces = client.NewTraceClient(httpClient, cfg.TraceAPIURL, resilience.NewCircuitBreaker("trace", logger), resilienceCfg)
	}

	var gen port.TextGenerator = client.TemplateGenerator{}
	if cfg.OpenAIAPIKey != "" {
		gen = client.NewOpenAIGenerator(client.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.OpenAIModel,
			RPS:    cfg.TextGenRPS,
		}, resilience.NewCircuitBreaker("textgen", logger), metrics)
		logger.Info("text generation enabled", zap.String("model", cfg.OpenAIModel))
	}

	var source port.SnapshotSource = client.NoSnapshots{}
	if cfg.InfluxURL != "" {
		influx := client.NewInfluxSource(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket)
		defer influx.Close()
		source = influx
		logger.Info("reading snapshots from InfluxDB",
			zap.String("url", cfg.InfluxURL),
			zap.String("bucket", cfg.InfluxBucket),
		)
	} else {
		logger.Warn("metric source not configured, snapshots must be pushed to /v1/snapshots")
	}

	// --- Cache ---
	traceCache := cache.New[*domain.TraceContext](cfg.CacheTTL, clk)
	defer traceCache.Close()

	// --- Services ---
	detector := service.NewDetector(policy.Directionality, policy.SeverityThresholds, clk, logger)
	alerts := service.NewAlertService(store, locker, clk, cfg.DedupCooldown, resilienceCfg, metrics, logger)
	proposals := service.NewProposalService(store, clk, resilienceCfg, metrics, logger)
	researcher := service.NewResearcher(service.ResearcherConfig{
		Rules:           policy.Rules,
		RecoveryFactors: policy.RecoveryFactors,
		Criticality:     policy.CriticalityWeight,
	}, traces, gen, traceCache, clk, metrics, logger)
	evaluator := service.NewEvaluator(service.EvaluatorConfig{
		Directionality: policy.Directionality,
		SLAMetrics:     policy.SLAMetrics,
		SLAFloor:       policy.SLAFloor,
	}, clk, logger)
	gate := service.NewGate(proposals, sink, locker, cfg.RequireHumanApproval, clk, metrics, logger)
	runner := service.NewValidationRunner(proposals, harness, locker, evaluator, gate,
		cfg.ValidationTimeout, cfg.MaxConcurrency, clk, metrics, logger)
	pipeline := service.NewPipeline(service.PipelineDeps{
		Source:     source,
		Detector:   detector,
		Alerts:     alerts,
		Researcher: researcher,
		Proposals:  proposals,
		Runner:     runner,
		Gate:       gate,
	}, cfg.ScanWindow, cfg.MaxConcurrency, clk, metrics, logger)
	scheduler := service.NewScheduler(pipeline, clk, cfg.ScanInterval, logger)

	// --- Router ---
	router := handler.NewRouter(handler.Deps{
		Alerts:    alerts,
		Proposals: proposals,
		Gate:      gate,
		Runner:    runner,
		Pipeline:  pipeline,
		Scheduler: scheduler,
		Metrics:   metrics,
		Checks:    checks,
		JWTSecret: cfg.AdminJWTSecret,
		Logger:    logger,
	})
	if cfg.AdminJWTSecret == "" {
		logger.Warn("admin JWT secret not set, X-Actor header is trusted")
	}

	// --- Scheduler ---
	runCtx, stopScheduler := context.WithCancel(context.Background())
	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Run(runCtx)
	}()

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.ValidationTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	stopScheduler()
	<-schedulerDone

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
