// Command api serves the DataSage HTTP API: document upload (sync and
// queued), the document catalog, and retrieval-augmented query.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/datasage-io/datasage/engine/embed"
	"github.com/datasage-io/datasage/engine/ingest"
	"github.com/datasage-io/datasage/engine/rag"
	"github.com/datasage-io/datasage/engine/semantic"
	"github.com/datasage-io/datasage/pkg/blob"
	"github.com/datasage-io/datasage/pkg/config"
	"github.com/datasage-io/datasage/pkg/llm"
	"github.com/datasage-io/datasage/pkg/metrics"
	"github.com/datasage-io/datasage/pkg/resilience"
	"github.com/datasage-io/datasage/pkg/telemetry"
)

var met = metrics.New()

var (
	mDocsIngested = met.Counter("datasage_api_documents_ingested_total", "Documents ingested synchronously")
	mJobsQueued   = met.Counter("datasage_api_ingest_jobs_queued_total", "Ingestion jobs published to the queue")
	mChunksTotal  = met.Counter("datasage_api_chunks_total", "Chunks committed by synchronous ingestion")
	mQueriesTotal = met.Counter("datasage_api_queries_total", "RAG queries answered")
	mQueriesEmpty = met.Counter("datasage_api_queries_no_data_total", "RAG queries that found no relevant data")
	mErrorsTotal  = func(kind string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("datasage_api_errors_total", "kind", kind), "Request errors by kind")
	}
	mIngestDur = met.Histogram("datasage_api_ingest_duration_seconds", "Synchronous ingest latency", nil)
	mQueryDur  = met.Histogram("datasage_api_query_duration_seconds", "Query latency", nil)
)

func main() {
	configPath := flag.String("config", "", "path to datasage.yaml (optional)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	for _, warn := range cfg.Validate() {
		logger.Warn("config", "warning", warn)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.Config{
		ServiceName: "datasage-api",
		Environment: cfg.Trace.Environment,
		Endpoint:    cfg.Trace.Endpoint,
		SampleRatio: cfg.Trace.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	met.RegisterRuntime()
	met.ServeAsync(cfg.API.MetricsAddr, logger)

	// --- Chunk store ---
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("chunk store ready", "backend", cfg.Store.Backend, "dims", cfg.LLM.Dimensions)

	// --- Model provider stack ---
	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	var cache *embed.Cache
	if cfg.Ingest.CachePath != "" {
		cache, err = embed.OpenCache(cfg.Ingest.CachePath)
		if err != nil {
			return fmt.Errorf("open embedding cache: %w", err)
		}
		defer cache.Close()
	}

	gateway := embed.NewGateway(provider, embed.Config{
		Dimensions: cfg.LLM.Dimensions,
		Model:      cfg.LLM.EmbedModel,
		Cache:      cache,
		Logger:     logger,
	})

	// A dimensionality mismatch is a configuration error; refuse to serve.
	if err := gateway.Validate(ctx); err != nil {
		return fmt.Errorf("embedding gateway: %w", err)
	}
	logger.Info("embedding gateway validated", "model", cfg.LLM.EmbedModel)

	// --- Blob archive ---
	blobs, err := blob.New(ctx, blob.Config{
		Backend:   blob.Backend(cfg.Blob.Backend),
		Dir:       cfg.Blob.Dir,
		Bucket:    cfg.Blob.Bucket,
		Region:    cfg.Blob.Region,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
	})
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	// --- Engine services ---
	ingestSvc := ingest.NewService(store, gateway,
		ingest.WithChunker(buildChunker(cfg)),
		ingest.WithLogger(logger),
	)

	ragOpts := rag.DefaultOptions()
	ragOpts.TopK = cfg.Query.TopK
	ragOpts.MinScore = float32(cfg.Query.MinScore)
	ragOpts.Temperature = cfg.Query.Temperature
	ragOpts.MaxTokens = cfg.Query.MaxTokens
	ragOpts.ContextBudget = cfg.Query.ContextBudget
	ragSvc := rag.New(gateway, provider, store, ragOpts, logger)

	// --- Queue (optional): the sync path works without it ---
	var nc *nats.Conn
	if conn, err := nats.Connect(cfg.NATS.URL, nats.Name("datasage-api")); err != nil {
		logger.Warn("nats unavailable, async ingestion disabled", "url", cfg.NATS.URL, "error", err)
	} else {
		nc = conn
		defer nc.Close()
	}

	srv := newServer(cfg, store, ingestSvc, ragSvc, blobs, nc, logger)

	httpSrv := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      srv.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "addr", cfg.API.Addr, "metrics", cfg.API.MetricsAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// openStore builds the configured chunk store and prepares its schema.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (semantic.Store, error) {
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		pg := semantic.NewPostgres(pool, cfg.LLM.Dimensions, semantic.IndexParams{
			Lists:  cfg.Store.IndexLists,
			Probes: cfg.Store.IndexProbes,
		}, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		return pg, nil
	case "qdrant":
		qd, err := semantic.NewQdrant(cfg.Store.QdrantAddr, cfg.Store.Collection, cfg.LLM.Dimensions, logger)
		if err != nil {
			return nil, fmt.Errorf("qdrant connect: %w", err)
		}
		if err := qd.EnsureCollection(ctx); err != nil {
			qd.Close()
			return nil, fmt.Errorf("qdrant collection: %w", err)
		}
		return qd, nil
	case "memory", "":
		return semantic.NewMemory(cfg.LLM.Dimensions), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// buildProvider assembles the model client with its retry, rate-limit,
// and circuit-breaker decorators.
func buildProvider(cfg *config.Config) (llm.Provider, error) {
	base, err := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		ChatModel:  cfg.LLM.ChatModel,
		EmbedModel: cfg.LLM.EmbedModel,
		Dimensions: cfg.LLM.Dimensions,
		Timeout:    cfg.LLM.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("model provider: %w", err)
	}

	var provider llm.Provider = llm.NewRetryProvider(base, llm.DefaultRetryConfig())
	if cfg.LLM.RPM > 0 || cfg.LLM.TPM > 0 {
		provider = llm.NewRateLimitProvider(provider, cfg.LLM.RPM, cfg.LLM.TPM)
	}
	return llm.NewBreakerProvider(provider, resilience.DefaultBreakerOpts), nil
}

func buildChunker(cfg *config.Config) ingest.Chunker {
	if cfg.Ingest.Strategy == "sentence" {
		return ingest.Sentence{}
	}
	return ingest.NewFixedWindow(cfg.Ingest.ChunkSize, cfg.Ingest.Overlap)
}
