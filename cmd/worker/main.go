// Command worker consumes queued ingestion jobs from NATS, fetches the
// archived upload from the blob store, and runs it through the ingestion
// pipeline. Failed jobs are retried by the consumer; exhausted or
// unfixable jobs land on the DLQ subject.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"

	"github.com/datasage-io/datasage/engine/embed"
	"github.com/datasage-io/datasage/engine/ingest"
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
	mJobsFetched = met.Counter("datasage_worker_jobs_fetched_total", "Jobs whose upload was fetched from the archive")
	mFetchErrors = met.Counter("datasage_worker_fetch_errors_total", "Archive fetch failures")
	mFetchDur    = met.Histogram("datasage_worker_fetch_duration_seconds", "Archive fetch latency", nil)
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
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.Config{
		ServiceName: "datasage-worker",
		Environment: cfg.Trace.Environment,
		Endpoint:    cfg.Trace.Endpoint,
		SampleRatio: cfg.Trace.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	met.RegisterRuntime()
	met.ServeAsync(cfg.Worker.MetricsAddr, logger)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("chunk store ready", "backend", cfg.Store.Backend, "dims", cfg.LLM.Dimensions)

	base, err := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:     cfg.LLM.APIKey,
		BaseURL:    cfg.LLM.BaseURL,
		ChatModel:  cfg.LLM.ChatModel,
		EmbedModel: cfg.LLM.EmbedModel,
		Dimensions: cfg.LLM.Dimensions,
		Timeout:    cfg.LLM.Timeout,
	})
	if err != nil {
		return fmt.Errorf("model provider: %w", err)
	}
	var provider llm.Provider = llm.NewRetryProvider(base, llm.DefaultRetryConfig())
	if cfg.LLM.RPM > 0 || cfg.LLM.TPM > 0 {
		provider = llm.NewRateLimitProvider(provider, cfg.LLM.RPM, cfg.LLM.TPM)
	}
	provider = llm.NewBreakerProvider(provider, resilience.DefaultBreakerOpts)

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
	if err := gateway.Validate(ctx); err != nil {
		return fmt.Errorf("embedding gateway: %w", err)
	}

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

	svc := ingest.NewService(store, gateway,
		ingest.WithChunker(buildChunker(cfg)),
		ingest.WithLogger(logger),
	)

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("datasage-worker"))
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	// Pace job processing: every job starts by fetching its upload, so a
	// rate-limited fetcher bounds the pipeline throughput.
	limiter := resilience.NewLimiter(resilience.LimiterOpts{
		Rate:  cfg.Worker.Rate,
		Burst: cfg.Worker.Burst,
	})
	paced := &pacedBlobs{inner: blobs, limiter: limiter}

	sub, err := ingest.StartConsumer(nc, svc, paced, logger)
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	logger.Info("worker consuming",
		"subject", ingest.JobsSubject,
		"queue", ingest.WorkersQueue,
		"rate", cfg.Worker.Rate,
	)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	if err := sub.Drain(); err != nil {
		logger.Warn("drain subscription", "error", err)
	}
	return nil
}

// pacedBlobs rate-limits upload fetches so the worker never outruns the
// embedding provider, and counts them for the metrics endpoint.
type pacedBlobs struct {
	inner   blob.Store
	limiter *resilience.Limiter
}

func (p *pacedBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	data, err := p.inner.Get(ctx, key)
	mFetchDur.Since(start)
	if err != nil {
		mFetchErrors.Inc()
		return nil, err
	}
	mJobsFetched.Inc()
	return data, nil
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

func buildChunker(cfg *config.Config) ingest.Chunker {
	if cfg.Ingest.Strategy == "sentence" {
		return ingest.Sentence{}
	}
	return ingest.NewFixedWindow(cfg.Ingest.ChunkSize, cfg.Ingest.Overlap)
}
