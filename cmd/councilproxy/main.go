// Command councilproxy runs the AI council gateway: one HTTP surface that
// fans each question out to a council of LLM providers, deliberates,
// synthesizes a consensus answer, and archives the full run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	"github.com/councilproxy/councilproxy/internal/analytics"
	"github.com/councilproxy/councilproxy/internal/config"
	"github.com/councilproxy/councilproxy/internal/consensus"
	"github.com/councilproxy/councilproxy/internal/database"
	"github.com/councilproxy/councilproxy/internal/embedding"
	"github.com/councilproxy/councilproxy/internal/escalation"
	"github.com/councilproxy/councilproxy/internal/events"
	"github.com/councilproxy/councilproxy/internal/examples"
	"github.com/councilproxy/councilproxy/internal/gateway"
	"github.com/councilproxy/councilproxy/internal/health"
	"github.com/councilproxy/councilproxy/internal/llm"
	"github.com/councilproxy/councilproxy/internal/llm/providers/anthropic"
	"github.com/councilproxy/councilproxy/internal/llm/providers/google"
	"github.com/councilproxy/councilproxy/internal/llm/providers/openai"
	"github.com/councilproxy/councilproxy/internal/llm/providers/static"
	"github.com/councilproxy/councilproxy/internal/llm/providers/xai"
	"github.com/councilproxy/councilproxy/internal/observability"
	"github.com/councilproxy/councilproxy/internal/orchestrator"
	"github.com/councilproxy/councilproxy/internal/pool"
	"github.com/councilproxy/councilproxy/internal/session"
	"github.com/councilproxy/councilproxy/internal/similarity"
	"github.com/councilproxy/councilproxy/internal/synthesis"
	"github.com/councilproxy/councilproxy/internal/transcript"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	councilPath    = flag.String("council-config", "", "Path to the council YAML, overrides COUNCIL_CONFIG_PATH")
	envFile        = flag.String("env-file", "", "Load environment variables from this file instead of .env")
	validateConfig = flag.Bool("validate-config", false, "Parse and validate the council file, then exit")
	strictDeps     = flag.Bool("strict-dependencies", false, "Fail startup when Postgres, Redis, ClickHouse or RabbitMQ is unreachable instead of degrading")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

const (
	eventQueueSize  = 256
	exampleCacheTTL = 15 * time.Minute
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("councilproxy %s\n", version)
		return
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			logrus.WithError(err).Fatal("Failed to load env file")
		}
	} else if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Debug("Could not load .env file")
	}

	cfg := config.Load()
	if *councilPath != "" {
		cfg.Council.FilePath = *councilPath
	}

	log := newLogger(cfg.Monitoring.LogLevel)

	if *validateConfig {
		if _, err := config.LoadCouncilFile(cfg.Council.FilePath); err != nil {
			log.WithError(err).Fatal("Council config is invalid")
		}
		log.WithField("path", cfg.Council.FilePath).Info("Council config is valid")
		return
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("councilproxy failed")
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

// run wires the whole pipeline and serves until SIGINT/SIGTERM. Deferred
// closes run in reverse creation order, so the async event sink drains into
// Kafka, Postgres and the transcript hub before any of them shut down.
func run(cfg *config.Config, log *logrus.Logger) error {
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStartup()

	tp, err := observability.SetupTracing(startupCtx, cfg.Monitoring, version)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := observability.ShutdownTracing(ctx, tp); err != nil {
			log.WithError(err).Warn("Tracing shutdown failed")
		}
	}()

	council, err := config.NewProvider(cfg.Council.FilePath, log)
	if err != nil {
		return fmt.Errorf("load council config: %w", err)
	}
	defer council.Close()
	if cfg.Council.Watch {
		if err := council.Watch(); err != nil {
			log.WithError(err).Warn("Council config hot reload unavailable")
		}
	}

	registry := llm.NewRegistry(log)
	registerProviders(registry, log)

	var collector *observability.Collector
	if cfg.Monitoring.MetricsEnabled {
		collector = observability.NewCollector(cfg.Monitoring.Namespace)
	}

	// In-process fan-out for lifecycle events. Subscribers attach per request
	// or per event type; health transitions land here as well as on the gauge.
	bus := events.NewBus(nil)
	defer bus.Close()

	tracker := health.NewTracker(health.Config{
		FailureThreshold:  cfg.Health.FailureThreshold,
		DegradedLatencyMs: cfg.Health.DegradedLatencyMs,
		WindowSize:        cfg.Health.WindowSize,
	}, log)
	if collector != nil {
		tracker.OnStatusChange(collector.HealthChanged)
	}
	tracker.OnStatusChange(bus.PublishHealthChange)

	callPool := pool.NewPool(registry, tracker, log)
	if collector != nil {
		callPool.WithMetrics(collector)
	}
	probeProviders(startupCtx, callPool, log)

	// Postgres backs the request archive, the event audit trail, and the
	// negotiation example store. Without it the council still answers.
	db, err := database.Connect(startupCtx, cfg.Database, log)
	if err != nil {
		if *strictDeps {
			return fmt.Errorf("connect postgres: %w", err)
		}
		log.WithError(err).Warn("Postgres unavailable, running without persistence")
		db = nil
	}
	if db != nil {
		defer db.Close()
		if cfg.Database.Migrate {
			if err := db.RunMigrations(startupCtx); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr(),
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		DialTimeout: cfg.Redis.Timeout,
		ReadTimeout: cfg.Redis.Timeout,
	})
	if err := redisClient.Ping(startupCtx).Err(); err != nil {
		if *strictDeps {
			return fmt.Errorf("connect redis: %w", err)
		}
		log.WithError(err).Warn("Redis unavailable, sessions and example caching disabled")
		_ = redisClient.Close()
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	embedder, err := embedding.New(embeddingConfig(cfg.Embedding))
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	defer embedder.Close()
	// NewService wraps the embedder in a request-scoped cache; the factory
	// is invoked once per negotiation, so memoization never crosses requests.
	comparers := func(threshold float64) consensus.Comparer {
		return similarity.NewService(embedder, threshold, log)
	}

	sinks := []events.Sink{events.NewLogSink(log), bus}
	if db != nil {
		sinks = append(sinks, events.NewPostgresSink(db.Pool(), log))
	}
	if collector != nil {
		sinks = append(sinks, observability.NewSink(collector))
	}
	if cfg.Kafka.Enabled {
		kafkaSink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	var warehouse *analytics.Warehouse
	if cfg.ClickHouse.Enabled {
		wh, err := analytics.NewWarehouse(cfg.ClickHouse, log)
		if err != nil {
			if *strictDeps {
				return fmt.Errorf("connect clickhouse: %w", err)
			}
			log.WithError(err).Warn("ClickHouse unavailable, analytics disabled")
		} else {
			warehouse = wh
			defer warehouse.Close()
			if err := warehouse.EnsureSchema(startupCtx); err != nil {
				return fmt.Errorf("clickhouse schema: %w", err)
			}
			sinks = append(sinks, analytics.NewSink(warehouse, log))
		}
	}

	var streamer *transcript.Streamer
	if cfg.Transcript.Enabled {
		wsLog, _ := zap.NewProduction()
		hub := transcript.NewHub(cfg.Transcript.BufferSize, wsLog)
		defer hub.Close()
		streamer = transcript.NewStreamer(hub, cfg.Server.CORSOrigins, wsLog)
		sinks = append(sinks, transcript.NewSink(hub))
	}

	sink := events.NewAsyncSink(events.NewMultiSink(sinks...), eventQueueSize)
	defer sink.Close()

	synthEngine := synthesis.NewEngine(callPool, tracker, sink, log).
		WithFastFallback(council.PerformanceConfig().EnableFastFallback)
	consEngine := consensus.NewEngine(callPool, comparers, sink, log).
		WithFallback(synthEngine)
	synthEngine.WithConsensus(consEngine)

	if db != nil {
		exampleRepo := examples.NewPostgresRepository(db.Pool(), log)
		var exampleSource consensus.ExampleSource = exampleRepo
		if redisClient != nil {
			exampleSource = examples.NewCachedRepository(exampleSource, redisClient, exampleCacheTTL, log)
		}
		consEngine.WithExamples(exampleSource).WithRecorder(exampleRepo)
	}

	if cfg.RabbitMQ.Enabled {
		queue, err := escalation.NewQueue(cfg.RabbitMQ, log)
		if err != nil {
			if *strictDeps {
				return fmt.Errorf("connect rabbitmq: %w", err)
			}
			log.WithError(err).Warn("RabbitMQ unavailable, human escalation disabled")
		} else {
			defer queue.Close()
			consEngine.WithEscalator(queue)
		}
	}

	engine := orchestrator.NewEngine(council, callPool, tracker, synthEngine, sink, log)
	if redisClient != nil {
		sessions := session.NewStore(redisClient, session.Config{TTL: cfg.Session.TTL}, log)
		engine.WithSessions(sessions).WithSessionTokenBudget(cfg.Session.TokenBudget)
	}

	checks := make(map[string]func() error)
	if db != nil {
		checks["database"] = db.HealthCheck
	}
	if redisClient != nil {
		checks["redis"] = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return redisClient.Ping(ctx).Err()
		}
	}

	var archive gateway.Archive
	if db != nil {
		archive = database.NewArchive(db.Pool(), log)
	}
	var streams gateway.Streamer
	if streamer != nil {
		streams = streamer
	}

	handler := gateway.NewHandler(engine, council, archive, streams, checks, log)
	if warehouse != nil {
		handler.WithReports(analytics.NewReporter(warehouse))
	}
	server := gateway.NewServer(cfg, handler, collector, log)

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":      cfg.Server.Addr(),
			"version":   version,
			"members":   len(council.CouncilConfig().Members),
			"providers": registry.Names(),
		}).Info("Starting councilproxy")
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("Shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Info("Shutdown complete")
	return nil
}

// registerProviders wires an adapter for every provider with an API key in
// the environment. Council members pointing at an unregistered provider fail
// their calls with PROVIDER_NOT_CONFIGURED rather than blocking startup.
func registerProviders(registry *llm.Registry, log *logrus.Logger) {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		registry.Register(openai.New(key, os.Getenv("OPENAI_BASE_URL")))
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		registry.Register(anthropic.New(key, os.Getenv("ANTHROPIC_BASE_URL")))
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		registry.Register(google.New(key, os.Getenv("GEMINI_BASE_URL")))
	}
	if key := os.Getenv("XAI_API_KEY"); key != "" {
		registry.Register(xai.New(key, os.Getenv("XAI_BASE_URL")))
	}
	// Deterministic canned answers for local development and smoke tests.
	if ok, _ := strconv.ParseBool(os.Getenv("STATIC_PROVIDER_ENABLED")); ok {
		registry.Register(static.New())
	}
	if len(registry.Names()) == 0 {
		log.Warn("No provider API keys configured, every council request will fail")
	}
}

// probeProviders runs one availability probe per registered adapter and logs
// the outcome. A failed probe never blocks startup; the circuit opens on real
// traffic instead.
func probeProviders(ctx context.Context, callPool *pool.Pool, log *logrus.Logger) {
	for tag, probe := range callPool.ProbeAll(ctx) {
		if probe.Available {
			log.WithFields(logrus.Fields{
				"provider":   tag,
				"latency_ms": probe.LatencyMs,
			}).Info("Provider probe ok")
			continue
		}
		log.WithField("provider", tag).Warn("Provider probe failed")
	}
}

// embeddingConfig merges the environment section over the provider defaults.
// EMBEDDING_API_KEY falls back to OPENAI_API_KEY for the OpenAI backend so a
// single key covers both chat and embeddings.
func embeddingConfig(section config.EmbeddingConfig) embedding.Config {
	cfg := embedding.DefaultConfig(embedding.Provider(section.Provider))
	if section.Model != "" {
		cfg.Model = section.Model
	}
	if section.BaseURL != "" {
		cfg.BaseURL = section.BaseURL
	}
	if section.Timeout > 0 {
		cfg.Timeout = section.Timeout
	}
	cfg.APIKey = section.APIKey
	if cfg.APIKey == "" && cfg.Provider == embedding.ProviderOpenAI {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return cfg
}
