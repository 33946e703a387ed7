package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/datawharf/askdb/agent/pkg/llm"
	"github.com/datawharf/askdb/agent/pkg/nl2sql"
	"github.com/datawharf/askdb/agent/pkg/search"
	"github.com/datawharf/askdb/agent/pkg/sqlexec"
	"github.com/datawharf/askdb/agent/pkg/values"
	"github.com/datawharf/askdb/api/config"
	"github.com/datawharf/askdb/api/handlers"
	"github.com/datawharf/askdb/api/metrics"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// shuttingDown is set when the shutdown signal arrives. The readiness
	// probe checks it to return 503 immediately.
	shuttingDown atomic.Bool
)

// instrumentedExecutor records warehouse query latency around the real executor.
type instrumentedExecutor struct {
	inner nl2sql.Executor
}

func (e instrumentedExecutor) Execute(ctx context.Context, query string, params ...any) (*nl2sql.ExecResult, error) {
	start := time.Now()
	res, err := e.inner.Execute(ctx, query, params...)
	metrics.RecordSQLQuery(time.Since(start), err)
	return res, err
}

// instrumentedLLM records model call latency around the real client.
type instrumentedLLM struct {
	inner llm.Client
}

func (c instrumentedLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	out, err := c.inner.Complete(ctx, systemPrompt, userPrompt)
	metrics.RecordAnthropicRequest(time.Since(start), err)
	return out, err
}

func main() {
	metricsAddr := pflag.String("metrics-addr", "0.0.0.0:0", "Address to listen on for prometheus metrics")
	pflag.Parse()

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	log.Info("starting askdb-api", "version", version, "commit", commit, "date", date)
	handlers.SetBuildInfo(version, commit, date)

	// godotenv does not override existing env vars.
	_ = godotenv.Load()
	_ = godotenv.Load("api/.env")

	sentryDSN := os.Getenv("SENTRY_DSN")
	if sentryDSN != "" {
		sentryEnv := os.Getenv("SENTRY_ENVIRONMENT")
		if sentryEnv == "" {
			sentryEnv = "development"
		}
		release := version
		if commit != "none" {
			release = version + "-" + commit
		}
		tracesSampleRate := 0.1
		if sentryEnv == "development" {
			tracesSampleRate = 1.0
		}
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              sentryDSN,
			Environment:      sentryEnv,
			Release:          release,
			EnableTracing:    true,
			TracesSampleRate: tracesSampleRate,
		})
		if err != nil {
			log.Warn("sentry initialization failed", "error", err)
		} else {
			log.Info("sentry initialized", "env", sentryEnv, "release", release)
			defer sentry.Flush(2 * time.Second)
		}
	}

	if err := config.Load(); err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Get()

	ctx := context.Background()
	if err := config.LoadPostgres(ctx); err != nil {
		log.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer config.ClosePostgres()
	handlers.SetThreadPool(config.PgPool)

	executor, err := sqlexec.New(sqlexec.Config{
		DSN:     cfg.MSSQLDSN,
		Logger:  log,
		Timeout: cfg.QueryTimeout,
	})
	if err != nil {
		log.Error("failed to build warehouse executor", "error", err)
		os.Exit(1)
	}

	weaviateClient, err := search.NewClient(search.Config{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
		APIKey: cfg.WeaviateAPIKey,
		Logger: log,
	})
	if err != nil {
		log.Error("failed to build vector index client", "error", err)
		os.Exit(1)
	}
	searchCfg := search.Config{
		Logger:                      log,
		TemplateConfidenceThreshold: cfg.Pipeline.TemplateConfidenceThreshold,
		TemplateAmbiguityGap:        cfg.Pipeline.TemplateAmbiguityGap,
		TableSearchThreshold:        cfg.Pipeline.TableSearchThreshold,
	}

	llmClient := instrumentedLLM{inner: llm.NewAnthropic(llm.AnthropicConfig{
		Model:  anthropic.Model(cfg.AnthropicModel),
		Logger: log,
	})}
	warehouse := instrumentedExecutor{inner: executor}

	valuesProvider := values.New(values.Config{
		Logger:    log,
		Executor:  warehouse,
		TTL:       cfg.AllowedValuesTTL,
		MaxValues: cfg.AllowedValuesMaxEntries,
	})
	defer valuesProvider.Close()

	pipeline := nl2sql.NewPipeline(nl2sql.PipelineConfig{
		Logger:    log,
		Config:    cfg.Pipeline,
		Templates: search.NewTemplateSearch(weaviateClient, searchCfg),
		Tables:    search.NewTableSearch(weaviateClient, searchCfg),
		Extractor: nl2sql.NewExtractor(nl2sql.ExtractorConfig{
			Logger: log,
			LLM:    llmClient,
			Values: valuesProvider,
			Config: cfg.Pipeline,
		}),
		Builder:       nl2sql.NewBuilder(log, llmClient),
		Executor:      warehouse,
		AllowedTables: cfg.AllowedTables,
	})
	handlers.InitChat(pipeline, llmClient, log, cfg.MaxWorkflowCacheSize)

	// Metrics server on its own listener.
	var metricsServer *http.Server
	if *metricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		listener, err := net.Listen("tcp", *metricsAddr)
		if err != nil {
			log.Warn("failed to start metrics listener", "error", err)
		} else {
			log.Info("metrics server listening", "addr", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metricsServer = &http.Server{Handler: mux}
			go func() {
				if err := metricsServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					log.Warn("metrics server error", "error", err)
				}
			}()
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	if sentryDSN != "" {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	corsOrigins := []string{"*"}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("shutting down"))
			return
		}
		pingCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := executor.Ping(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("warehouse connection failed"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/version", handlers.GetVersion)

	r.Group(func(r chi.Router) {
		r.Use(handlers.QueryRateLimitMiddleware)
		r.Get("/api/chat/stream", handlers.ChatStream)
		r.Post("/api/threads/{id}/title", handlers.GenerateThreadTitle)
	})

	r.Get("/api/threads", handlers.ListThreads)
	r.Get("/api/threads/{id}", handlers.GetThread)
	r.Get("/api/threads/{id}/messages", handlers.GetThreadMessages)
	r.Patch("/api/threads/{id}", handlers.UpdateThread)
	r.Delete("/api/threads/{id}", handlers.DeleteThread)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // disabled for the SSE endpoint
		IdleTimeout:  60 * time.Second,
	}

	// http.Server.Shutdown does not cancel request contexts, so SSE
	// connections need an explicit signal to close.
	serverCtx, serverCancel := context.WithCancel(context.Background())
	server.BaseContext = func(net.Listener) context.Context {
		return serverCtx
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info("api server starting", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-shutdown
	log.Info("shutting down", "signal", sig.String())
	shuttingDown.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("server shutdown error", "error", err)
	}
	serverCancel()
	if metricsServer != nil {
		_ = metricsServer.Close()
	}
}
