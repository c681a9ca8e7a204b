// Package ingest implements the upload pipeline: uploads are validated,
// parsed into row units, chunked, embedded, and committed to the chunk
// store as one atomic document write. A failure at any stage leaves the
// store untouched.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datasage-io/datasage/engine/domain"
	"github.com/datasage-io/datasage/engine/semantic"
	"github.com/datasage-io/datasage/pkg/fn"
)

// Embedder is the slice of the embedding gateway the pipeline needs.
// Implementations return one vector per text, in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Service runs the ingestion pipeline.
type Service struct {
	store    semantic.Store
	embedder Embedder
	chunker  Chunker
	log      *slog.Logger
	pipeline fn.Stage[Request, Receipt]
}

// Option configures a Service.
type Option func(*Service)

// WithChunker replaces the default fixed-window chunker.
func WithChunker(c Chunker) Option {
	return func(s *Service) { s.chunker = c }
}

// WithLogger sets the pipeline logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) { s.log = log }
}

// NewService wires the pipeline stages.
func NewService(store semantic.Store, embedder Embedder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		embedder: embedder,
		chunker:  NewFixedWindow(DefaultChunkSize, DefaultOverlap),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pipeline = s.build()
	return s
}

// Ingest runs one upload through the pipeline and returns the committed
// document receipt. Nothing is stored when any stage fails.
func (s *Service) Ingest(ctx context.Context, req Request) (Receipt, error) {
	start := time.Now()
	receipt, err := s.pipeline(ctx, req).Unwrap()
	if err != nil {
		s.log.ErrorContext(ctx, "ingest failed",
			"owner", req.Owner,
			"filename", req.Filename,
			"error", err,
		)
		return Receipt{}, err
	}
	s.log.InfoContext(ctx, "ingest complete",
		"owner", req.Owner,
		"filename", req.Filename,
		"document_id", receipt.DocumentID,
		"chunks", receipt.ChunkCount,
		"duration", time.Since(start),
	)
	return receipt, nil
}

// --- Pipeline stages ---

// validate checks the owner/filename/format triple and rejects empty
// payloads before any parsing work.
var validate fn.Stage[Request, validRequest] = func(_ context.Context, req Request) fn.Result[validRequest] {
	format, err := domain.ValidateUpload(req.Owner, req.Filename, req.DeclaredFormat)
	if err != nil {
		return fn.Err[validRequest](err)
	}
	if len(req.Data) == 0 {
		return fn.Err[validRequest](fmt.Errorf("%w: empty upload", domain.ErrEmptyDocument))
	}
	return fn.Ok(validRequest{Request: req, Format: format})
}

// parse turns upload bytes into row units and mints the document.
var parse fn.Stage[validRequest, parsedUpload] = func(_ context.Context, req validRequest) fn.Result[parsedUpload] {
	tbl, err := parseTable(req.Format, req.Data)
	if err != nil {
		return fn.Err[parsedUpload](err)
	}
	units := tbl.units()
	if len(units) == 0 {
		return fn.Err[parsedUpload](fmt.Errorf("%w: %s", domain.ErrEmptyDocument, req.Filename))
	}

	doc := domain.Document{
		ID:         domain.NewDocumentID(),
		Owner:      req.Owner,
		Filename:   req.Filename,
		ByteSize:   int64(len(req.Data)),
		UploadedAt: time.Now().UTC(),
		Metadata: map[string]any{
			"format":  string(req.Format),
			"columns": tbl.columns,
		},
	}
	if req.BlobKey != "" {
		doc.Metadata["blob_key"] = req.BlobKey
	}
	return fn.Ok(parsedUpload{validRequest: req, Doc: doc, Columns: tbl.columns, Units: units})
}

// chunkStage splits each unit through the chunker and assigns contiguous
// 0-based ordinals across the whole document.
func (s *Service) chunkStage() fn.Stage[parsedUpload, chunkedUpload] {
	return func(_ context.Context, p parsedUpload) fn.Result[chunkedUpload] {
		var chunks []domain.Chunk
		for _, u := range p.Units {
			pieces := s.chunker.Split(u.Text)
			for j, piece := range pieces {
				if strings.TrimSpace(piece) == "" {
					continue
				}
				meta := map[string]any{
					"row_index": u.Row,
					"filename":  p.Filename,
					"columns":   p.Columns,
				}
				if len(pieces) > 1 {
					meta["piece"] = j
				}
				ordinal := len(chunks)
				chunks = append(chunks, domain.Chunk{
					ID:         domain.ChunkID(p.Doc.ID, ordinal),
					DocumentID: p.Doc.ID,
					Ordinal:    ordinal,
					Text:       piece,
					Metadata:   meta,
				})
			}
		}
		if len(chunks) == 0 {
			return fn.Err[chunkedUpload](fmt.Errorf("%w: %s", domain.ErrEmptyDocument, p.Filename))
		}
		return fn.Ok(chunkedUpload{parsedUpload: p, Chunks: chunks})
	}
}

// embedStage embeds every chunk text in one gateway call; the gateway owns
// batching and retries.
func (s *Service) embedStage() fn.Stage[chunkedUpload, embeddedUpload] {
	return func(ctx context.Context, c chunkedUpload) fn.Result[embeddedUpload] {
		texts := fn.Map(c.Chunks, func(ch domain.Chunk) string { return ch.Text })
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			if !errors.Is(err, domain.ErrEmbeddingFailure) {
				err = fmt.Errorf("%w: %w", domain.ErrEmbeddingFailure, err)
			}
			return fn.Err[embeddedUpload](err)
		}
		if len(vectors) != len(c.Chunks) {
			return fn.Err[embeddedUpload](fmt.Errorf("%w: got %d vectors for %d chunks",
				domain.ErrEmbeddingFailure, len(vectors), len(c.Chunks)))
		}
		return fn.Ok(embeddedUpload{chunkedUpload: c, Embeddings: vectors})
	}
}

// storeStage zips chunks with their vectors and commits the document in
// one atomic write.
func (s *Service) storeStage() fn.Stage[embeddedUpload, Receipt] {
	return func(ctx context.Context, e embeddedUpload) fn.Result[Receipt] {
		doc := e.Doc
		doc.ChunkCount = len(e.Chunks)

		chunks := make([]domain.Chunk, len(e.Chunks))
		copy(chunks, e.Chunks)
		for i := range chunks {
			chunks[i].Embedding = e.Embeddings[i]
		}

		if err := s.store.PutChunks(ctx, doc, chunks); err != nil {
			return fn.Err[Receipt](fmt.Errorf("store chunks: %w", err))
		}
		return fn.Ok(Receipt{DocumentID: doc.ID, ChunkCount: doc.ChunkCount})
	}
}

// loggedTap logs entry into a pipeline stage.
func loggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.DebugContext(ctx, "ingest stage", "stage", name)
		return fn.Ok(t)
	}
}

// build composes validate, parse, chunk, embed, and store with logging
// taps and tracing spans between stages.
func (s *Service) build() fn.Stage[Request, Receipt] {
	validated := fn.Then(loggedTap[Request]("validate", s.log), fn.Traced("ingest.validate", validate))
	parsed := fn.Then(validated, fn.Then(loggedTap[validRequest]("parse", s.log), fn.Traced("ingest.parse", parse)))
	chunked := fn.Then(parsed, fn.Then(loggedTap[parsedUpload]("chunk", s.log), fn.Traced("ingest.chunk", s.chunkStage())))
	embedded := fn.Then(chunked, fn.Then(loggedTap[chunkedUpload]("embed", s.log), fn.Traced("ingest.embed", s.embedStage())))
	return fn.Then(embedded, fn.Then(loggedTap[embeddedUpload]("store", s.log), fn.Traced("ingest.store", s.storeStage())))
}
