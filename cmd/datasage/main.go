// Command datasage is the operator CLI: ingest files, ask questions,
// manage the document catalog, and reindex archived uploads after an
// embedding-model change.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/datasage-io/datasage/engine/domain"
	"github.com/datasage-io/datasage/engine/embed"
	"github.com/datasage-io/datasage/engine/ingest"
	"github.com/datasage-io/datasage/engine/rag"
	"github.com/datasage-io/datasage/engine/semantic"
	"github.com/datasage-io/datasage/pkg/blob"
	"github.com/datasage-io/datasage/pkg/config"
	"github.com/datasage-io/datasage/pkg/fn"
	"github.com/datasage-io/datasage/pkg/llm"
	"github.com/datasage-io/datasage/pkg/resilience"
	"github.com/datasage-io/datasage/pkg/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		owner      string
	)

	root := &cobra.Command{
		Use:           "datasage",
		Short:         "Retrieval-augmented question answering over your tabular data",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to datasage.yaml (optional)")
	root.PersistentFlags().StringVar(&owner, "owner", "", "owner identifier scoping every operation")

	newApp := func() (*app, error) {
		if owner == "" {
			return nil, errors.New("--owner is required")
		}
		_ = godotenv.Load()
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
		return &app{cfg: cfg, owner: owner, log: logger}, nil
	}

	root.AddCommand(
		newIngestCmd(newApp),
		newQueryCmd(newApp),
		newDocumentsCmd(newApp),
		newReindexCmd(newApp),
	)
	return root
}

// app wires the engine for one CLI invocation.
type app struct {
	cfg   *config.Config
	owner string
	log   *slog.Logger

	store   semantic.Store
	gateway *embed.Gateway
	chat    llm.Provider
	blobs   blob.Store
	cache   *embed.Cache
}

func (a *app) init(ctx context.Context) error {
	store, err := openStore(ctx, a.cfg, a.log)
	if err != nil {
		return err
	}
	a.store = store

	base, err := llm.NewOpenAI(llm.OpenAIConfig{
		APIKey:     a.cfg.LLM.APIKey,
		BaseURL:    a.cfg.LLM.BaseURL,
		ChatModel:  a.cfg.LLM.ChatModel,
		EmbedModel: a.cfg.LLM.EmbedModel,
		Dimensions: a.cfg.LLM.Dimensions,
		Timeout:    a.cfg.LLM.Timeout,
	})
	if err != nil {
		return fmt.Errorf("model provider: %w", err)
	}
	var provider llm.Provider = llm.NewRetryProvider(base, llm.DefaultRetryConfig())
	if a.cfg.LLM.RPM > 0 || a.cfg.LLM.TPM > 0 {
		provider = llm.NewRateLimitProvider(provider, a.cfg.LLM.RPM, a.cfg.LLM.TPM)
	}
	a.chat = llm.NewBreakerProvider(provider, resilience.DefaultBreakerOpts)

	if a.cfg.Ingest.CachePath != "" {
		a.cache, err = embed.OpenCache(a.cfg.Ingest.CachePath)
		if err != nil {
			return fmt.Errorf("open embedding cache: %w", err)
		}
	}
	a.gateway = embed.NewGateway(a.chat, embed.Config{
		Dimensions: a.cfg.LLM.Dimensions,
		Model:      a.cfg.LLM.EmbedModel,
		Cache:      a.cache,
		Logger:     a.log,
	})
	if err := a.gateway.Validate(ctx); err != nil {
		return fmt.Errorf("embedding gateway: %w", err)
	}

	a.blobs, err = blob.New(ctx, blob.Config{
		Backend:   blob.Backend(a.cfg.Blob.Backend),
		Dir:       a.cfg.Blob.Dir,
		Bucket:    a.cfg.Blob.Bucket,
		Region:    a.cfg.Blob.Region,
		AccessKey: a.cfg.Blob.AccessKey,
		SecretKey: a.cfg.Blob.SecretKey,
	})
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	return nil
}

func (a *app) close() {
	if a.cache != nil {
		a.cache.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *app) ingestService() *ingest.Service {
	chunker := ingest.Chunker(ingest.NewFixedWindow(a.cfg.Ingest.ChunkSize, a.cfg.Ingest.Overlap))
	if a.cfg.Ingest.Strategy == "sentence" {
		chunker = ingest.Sentence{}
	}
	return ingest.NewService(a.store, a.gateway,
		ingest.WithChunker(chunker),
		ingest.WithLogger(a.log),
	)
}

func (a *app) ragService() *rag.Service {
	opts := rag.DefaultOptions()
	opts.TopK = a.cfg.Query.TopK
	opts.MinScore = float32(a.cfg.Query.MinScore)
	opts.Temperature = a.cfg.Query.Temperature
	opts.MaxTokens = a.cfg.Query.MaxTokens
	opts.ContextBudget = a.cfg.Query.ContextBudget
	return rag.New(a.gateway, a.chat, a.store, opts, a.log)
}

// ingestFile archives and ingests one local file.
func (a *app) ingestFile(ctx context.Context, path, format string) (ingest.Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ingest.Receipt{}, err
	}
	filename := filepath.Base(path)

	key := blob.NewKey(a.owner, filename)
	if err := a.blobs.Put(ctx, key, data); err != nil {
		a.log.Warn("archive upload failed", "key", key, "error", err)
		key = ""
	}

	return a.ingestService().Ingest(ctx, ingest.Request{
		Owner:          a.owner,
		Filename:       filename,
		DeclaredFormat: format,
		Data:           data,
		BlobKey:        key,
	})
}

func newIngestCmd(newApp func() (*app, error)) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Chunk, embed, and store local files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.init(ctx); err != nil {
				return err
			}
			defer a.close()

			for _, path := range args {
				rec, err := a.ingestFile(ctx, path, format)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				fmt.Printf("%s  document=%s chunks=%d\n", path, rec.DocumentID, rec.ChunkCount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "declared format (csv, xlsx, json); inferred from the extension when empty")
	return cmd
}

func newQueryCmd(newApp func() (*app, error)) *cobra.Command {
	var (
		visualize bool
		forecast  bool
		topK      int
		docIDs    []string
		session   string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask a natural-language question over your ingested data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.init(ctx); err != nil {
				return err
			}
			defer a.close()

			answer, err := a.ragService().Query(ctx, a.owner, args[0], rag.QueryOptions{
				TopK:        topK,
				DocumentIDs: docIDs,
				Visualize:   visualize,
				Forecast:    forecast,
				SessionID:   session,
			})
			if errors.Is(err, domain.ErrNoContext) {
				fmt.Println("No relevant data was found for this question.")
				return nil
			}
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(answer)
			}

			fmt.Println(answer.Text)
			fmt.Println()
			for _, src := range answer.Sources {
				fmt.Printf("  [%d] %s #%d (score %.3f)\n", src.Ref, src.Filename, src.Ordinal, src.Score)
			}
			if answer.Visualization != nil {
				fmt.Println("\nVisualization:")
				printJSON(answer.Visualization)
			}
			if answer.Forecast != nil {
				fmt.Println("\nForecast:")
				printJSON(answer.Forecast)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&visualize, "visualize", false, "derive a chart spec from the retrieved rows")
	cmd.Flags().BoolVar(&forecast, "forecast", false, "project a trend over the retrieved rows")
	cmd.Flags().IntVar(&topK, "top-k", 0, "number of chunks to retrieve (0 uses the configured default)")
	cmd.Flags().StringSliceVar(&docIDs, "document", nil, "restrict retrieval to these document IDs")
	cmd.Flags().StringVar(&session, "session", "", "session key for conversational follow-ups")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full answer as JSON")
	return cmd
}

func newDocumentsCmd(newApp func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Manage the document catalog",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List your documents, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.init(ctx); err != nil {
				return err
			}
			defer a.close()

			docs, err := a.store.ListDocuments(ctx, a.owner)
			if err != nil {
				return err
			}
			if len(docs) == 0 {
				fmt.Println("No documents.")
				return nil
			}
			for _, d := range docs {
				fmt.Printf("%s  %-30s %7d bytes  %4d chunks  %s\n",
					d.ID, d.Filename, d.ByteSize, d.ChunkCount,
					d.UploadedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	rm := &cobra.Command{
		Use:   "rm <document-id>",
		Short: "Delete a document and all its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.init(ctx); err != nil {
				return err
			}
			defer a.close()

			if err := a.store.DeleteDocument(ctx, a.owner, args[0]); err != nil {
				return err
			}
			fmt.Println("Deleted", args[0])
			return nil
		},
	}

	cmd.AddCommand(list, rm)
	return cmd
}

func newReindexCmd(newApp func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Re-ingest archived originals under fresh document IDs",
		Long: `Reindex fetches every archived upload of the owner from the blob store,
ingests it again with the currently configured embedding model, and
deletes the superseded document. Documents without an archived original
are left untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := a.init(ctx); err != nil {
				return err
			}
			defer a.close()

			docs, err := a.store.ListDocuments(ctx, a.owner)
			if err != nil {
				return err
			}

			hasArchive := func(d domain.Document) bool {
				key, _ := d.Metadata["blob_key"].(string)
				return key != ""
			}
			for _, doc := range docs {
				if !hasArchive(doc) {
					a.log.Warn("document has no archived original, skipping",
						"document_id", doc.ID, "filename", doc.Filename)
				}
			}
			archived := fn.Filter(docs, hasArchive)
			skipped := len(docs) - len(archived)

			svc := a.ingestService()
			reindexed := 0
			for _, doc := range archived {
				key, _ := doc.Metadata["blob_key"].(string)
				data, err := a.blobs.Get(ctx, key)
				if err != nil {
					return fmt.Errorf("fetch archive %s for %s: %w", key, doc.ID, err)
				}

				format, _ := doc.Metadata["format"].(string)
				rec, err := svc.Ingest(ctx, ingest.Request{
					Owner:          a.owner,
					Filename:       doc.Filename,
					DeclaredFormat: format,
					Data:           data,
					BlobKey:        key,
				})
				if err != nil {
					return fmt.Errorf("reingest %s: %w", doc.Filename, err)
				}

				if err := a.store.DeleteDocument(ctx, a.owner, doc.ID); err != nil && !errors.Is(err, domain.ErrDocumentNotFound) {
					return fmt.Errorf("delete superseded %s: %w", doc.ID, err)
				}
				fmt.Printf("%s  %s -> %s (%d chunks)\n", doc.Filename, doc.ID, rec.DocumentID, rec.ChunkCount)
				reindexed++
			}

			fmt.Printf("Reindexed %d documents, skipped %d.\n", reindexed, skipped)
			return nil
		},
	}
	return cmd
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
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
