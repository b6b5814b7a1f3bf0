// Package main provides the triage API service entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drfirst/go-esi/internal/api/handlers"
	"github.com/drfirst/go-esi/internal/api/middleware"
	"github.com/drfirst/go-esi/internal/board"
	"github.com/drfirst/go-esi/internal/config"
	"github.com/drfirst/go-esi/internal/domain/triage"
	"github.com/drfirst/go-esi/internal/esi"
	"github.com/drfirst/go-esi/internal/infrastructure/postgres"
	"github.com/drfirst/go-esi/internal/infrastructure/redpanda"
	"github.com/drfirst/go-esi/internal/judgment"
	"github.com/drfirst/go-esi/internal/observability/logging"
	"github.com/drfirst/go-esi/internal/observability/metrics"
	"github.com/drfirst/go-esi/internal/observability/tracing"
	"github.com/drfirst/go-esi/internal/service"
	"github.com/drfirst/go-esi/pkg/circuitbreaker"
	"github.com/drfirst/go-esi/pkg/idempotency"
	"github.com/drfirst/go-esi/pkg/workerpool"
)

const (
	serviceName     = "triage-api"
	rehydrateSize   = 500
	monitorInterval = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// no logger yet
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, serviceName)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Tracing
	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.Enabled = cfg.Tracing.Enabled
	tcfg.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tcfg.Environment = cfg.Tracing.Environment
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Storage
	var (
		store service.Store
		pool  *pgxpool.Pool
	)
	if cfg.Database.URL != "" {
		pool, err = postgres.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		if cfg.Database.AutoMigrate {
			if err := postgres.EnsureSchema(ctx, pool); err != nil {
				logger.Fatal("schema migration failed", zap.Error(err))
			}
		}
		store = triage.NewRepository(pool, logger)
		logger.Info("connected to database")
	} else {
		store = triage.NewMemoryStore()
		logger.Warn("no database configured, records are kept in memory")
	}

	// Judgment provider behind a circuit breaker
	breakers := circuitbreaker.NewManager(logger, circuitbreaker.WithStateListener(func(name string, to circuitbreaker.State) {
		m.SetBreakerState(name, string(to))
	}))
	judge, err := newJudge(cfg.LLM, breakers, m, logger)
	if err != nil {
		logger.Fatal("judgment provider setup failed", zap.Error(err))
	}

	opts := []service.Option{
		service.WithRecorder(m),
		service.WithJudgmentTimeout(3 * cfg.LLM.Timeout),
	}

	// Audit trail
	var producer *redpanda.Producer
	if cfg.Kafka.AuditEnabled || cfg.Kafka.VitalsConsumerEnabled {
		pcfg := redpanda.DefaultProducerConfig()
		pcfg.Brokers = cfg.Kafka.Brokers
		producer, err = redpanda.NewProducer(pcfg, logger)
		if err != nil {
			logger.Fatal("producer creation failed", zap.Error(err))
		}
		defer producer.Close()
		if cfg.Kafka.AuditEnabled {
			opts = append(opts, service.WithAudit(producer))
		}
	}

	svc := service.New(store, judge, board.New(), logger, opts...)
	if n, err := svc.Rehydrate(ctx, rehydrateSize); err != nil {
		logger.Warn("board rehydrate failed", zap.Error(err))
	} else {
		logger.Info("board rehydrated", zap.Int("records", n))
	}

	// Bedside vitals feed
	var (
		processor *service.VitalsProcessor
		consumer  *redpanda.Consumer
		inbox     *idempotency.Inbox
	)
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	if cfg.Kafka.VitalsConsumerEnabled {
		icfg := idempotency.DefaultInboxConfig()
		icfg.TerminalErrors = service.TerminalErrors
		inbox = idempotency.NewInbox(pool, icfg, logger)
		inbox.StartCleanup()

		processor, err = service.NewVitalsProcessor(svc, inbox, workerpool.DefaultConfig(), m, logger)
		if err != nil {
			logger.Fatal("vitals processor setup failed", zap.Error(err))
		}
		processor.Start()

		ccfg := redpanda.DefaultConsumerConfig()
		ccfg.Brokers = cfg.Kafka.Brokers
		ccfg.GroupID = cfg.Kafka.ConsumerGroup
		consumer, err = redpanda.NewConsumer(ccfg, processor.Handle, logger,
			redpanda.WithDeadLetter(redpanda.DeadLetterProducer(producer, ccfg.DeadLetterTopic)))
		if err != nil {
			logger.Fatal("consumer creation failed", zap.Error(err))
		}
		consumer.Start()
		logger.Info("vitals consumer started", zap.Strings("brokers", ccfg.Brokers), zap.String("group", ccfg.GroupID))

		admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
		if err != nil {
			logger.Fatal("admin client creation failed", zap.Error(err))
		}
		defer admin.Close()
		go monitorStream(monitorCtx, admin, inbox, ccfg.GroupID, m, logger)
	}

	triageHandler := handlers.NewTriageHandler(svc, logger)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	// Health check (no auth)
	r.Get("/health", healthHandler)
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		ready := readiness{Status: "ready", Breakers: breakers.GetHealthStatus()}
		if pool != nil {
			if err := pool.Ping(r.Context()); err != nil {
				ready.Status, ready.Database = "not ready", err.Error()
			}
		}
		if producer != nil {
			if err := redpanda.HealthCheck(r.Context(), cfg.Kafka.Brokers); err != nil {
				ready.Status, ready.Kafka = "not ready", err.Error()
			}
		}
		if processor != nil && !processor.Healthy() {
			ready.Status, ready.Vitals = "not ready", "worker queues backing up"
		}
		code := http.StatusOK
		if ready.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, ready)
	})
	r.Handle("/metrics", metrics.Handler(reg))

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.Server.APIKeys))
		r.Mount("/patients", triageHandler.Routes())
		r.Mount("/board", triageHandler.BoardRoutes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		stopMonitor()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if consumer != nil {
			if err := consumer.Stop(); err != nil {
				logger.Error("consumer stop error", zap.Error(err))
			}
		}
		if processor != nil {
			if err := processor.Stop(); err != nil {
				logger.Error("vitals processor stop error", zap.Error(err))
			}
		}
		if inbox != nil {
			inbox.Stop()
		}
		if producer != nil {
			if err := producer.Flush(ctx); err != nil {
				logger.Error("producer flush error", zap.Error(err))
			}
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting triage API", zap.String("port", cfg.Server.Port), zap.Bool("llm", cfg.LLM.Enabled()))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	<-done

	logger.Info("server stopped")
}

// newJudge builds the model-backed judgment provider. It returns nil when no
// provider is configured, leaving intake to clinician assessments.
func newJudge(cfg config.LLMConfig, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) (esi.JudgmentProvider, error) {
	if !cfg.Enabled() {
		logger.Info("no LLM provider configured, intake requires a clinician assessment")
		return nil, nil
	}

	opts := []judgment.LLMOption{
		judgment.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		judgment.WithRetries(cfg.Retries, time.Second),
	}
	if cfg.Model != "" {
		opts = append(opts, judgment.WithModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, judgment.WithBaseURL(cfg.BaseURL))
	}
	client, err := judgment.NewLLMClient(cfg.Provider, cfg.APIKey, opts...)
	if err != nil {
		return nil, err
	}

	cb, err := breakers.GetOrCreate("judgment", circuitbreaker.DefaultConfig("judgment"))
	if err != nil {
		return nil, err
	}

	logger.Info("LLM judgment provider configured", zap.String("provider", client.Provider()))
	provider := judgment.NewLLMProvider(client, logger, judgment.WithObserver(m))
	return judgment.NewGuarded(provider, cb), nil
}

type readiness struct {
	Status   string                        `json:"status"`
	Database string                        `json:"database,omitempty"`
	Kafka    string                        `json:"kafka,omitempty"`
	Vitals   string                        `json:"vitals,omitempty"`
	Breakers []circuitbreaker.HealthStatus `json:"breakers"`
}

// monitorStream reports the vitals consumer's lag and the inbox backlog until ctx ends
func monitorStream(ctx context.Context, admin *redpanda.Admin, inbox *idempotency.Inbox, group string, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if lag, err := admin.ConsumerLag(ctx, group); err != nil {
			logger.Warn("consumer lag unavailable", zap.String("group", group), zap.Error(err))
		} else {
			m.SetConsumerLag(group, lag)
		}

		stats, err := inbox.GetStats(ctx)
		if err != nil {
			logger.Warn("inbox stats unavailable", zap.Error(err))
			continue
		}
		m.SetInboxEntries(string(idempotency.StatusStarted), stats.Started)
		m.SetInboxEntries(string(idempotency.StatusFinished), stats.Finished)
		m.SetInboxEntries(string(idempotency.StatusRecoverable), stats.Recoverable)
		m.SetInboxEntries(string(idempotency.StatusFailed), stats.Failed)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": serviceName, "version": "1.0.0"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
