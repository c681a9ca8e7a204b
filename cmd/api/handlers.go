package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/datasage-io/datasage/engine/domain"
	"github.com/datasage-io/datasage/engine/ingest"
	"github.com/datasage-io/datasage/engine/rag"
	"github.com/datasage-io/datasage/engine/semantic"
	"github.com/datasage-io/datasage/pkg/blob"
	"github.com/datasage-io/datasage/pkg/config"
	"github.com/datasage-io/datasage/pkg/fn"
	"github.com/datasage-io/datasage/pkg/mid"
)

// server holds the handler dependencies.
type server struct {
	cfg    *config.Config
	store  semantic.Store
	ingest *ingest.Service
	rag    *rag.Service
	blobs  blob.Store
	nc     *nats.Conn
	log    *slog.Logger
}

func newServer(cfg *config.Config, store semantic.Store, ing *ingest.Service, ragSvc *rag.Service, blobs blob.Store, nc *nats.Conn, log *slog.Logger) *server {
	return &server{cfg: cfg, store: store, ingest: ing, rag: ragSvc, blobs: blobs, nc: nc, log: log}
}

// routes builds the full handler tree. Every dataset route sits behind the
// owner header check; health stays open for probes.
func (s *server) routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/documents", s.handleIngest)
	api.HandleFunc("POST /api/documents/async", s.handleIngestAsync)
	api.HandleFunc("GET /api/documents", s.handleListDocuments)
	api.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)
	api.HandleFunc("POST /api/query", s.handleQuery)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("/api/", mid.Chain(api, mid.RequireOwner(domain.ValidateOwner)))

	return mid.Chain(mux,
		mid.Recover(s.log),
		mid.Logger(s.log),
		mid.CORS(s.cfg.API.CORSOrigin),
		mid.OTel("datasage-api"),
	)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.log.Error("health: store ping failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "store": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readUpload pulls the file and optional format field out of a multipart
// request body.
func (s *server) readUpload(r *http.Request) (data []byte, filename, format string, err error) {
	if err := r.ParseMultipartForm(s.cfg.API.MaxUploadBytes); err != nil {
		return nil, "", "", fmt.Errorf("parse multipart form: %w", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", "", fmt.Errorf("missing file field: %w", err)
	}
	defer file.Close()

	data, err = io.ReadAll(io.LimitReader(file, s.cfg.API.MaxUploadBytes+1))
	if err != nil {
		return nil, "", "", fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.cfg.API.MaxUploadBytes {
		return nil, "", "", fmt.Errorf("upload exceeds %d bytes", s.cfg.API.MaxUploadBytes)
	}
	return data, header.Filename, r.FormValue("format"), nil
}

// archiveUpload stores the original bytes in the blob store so the
// document can be reindexed later. Transient store errors are retried
// with backoff; a cancelled request is not.
func (s *server) archiveUpload(ctx context.Context, owner, filename string, data []byte) (string, error) {
	key := blob.NewKey(owner, filename)
	res := fn.Retry(ctx, fn.RetryOpts{
		MaxAttempts: 3,
		InitialWait: 200 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Jitter:      true,
		RetryIf: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
	}, func(ctx context.Context) fn.Result[string] {
		if err := s.blobs.Put(ctx, key, data); err != nil {
			return fn.Errf[string]("put %s: %w", key, err)
		}
		return fn.Ok(key)
	})
	return res.Unwrap()
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	owner := mid.OwnerFrom(r.Context())

	data, filename, format, err := s.readUpload(r)
	if err != nil {
		mErrorsTotal("bad_request").Inc()
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Reject bad uploads before touching the blob store so a failed
	// request never leaves an orphaned archive behind.
	if _, err := domain.ValidateUpload(owner, filename, format); err != nil {
		s.writeDomainError(w, err)
		return
	}

	// Archive the original before ingesting; a failed archive only costs
	// the reindex capability, never the upload.
	key, err := s.archiveUpload(r.Context(), owner, filename, data)
	if err != nil {
		s.log.Warn("archive upload failed", "owner", owner, "error", err)
		key = ""
	}

	rec, err := s.ingest.Ingest(r.Context(), ingest.Request{
		Owner:          owner,
		Filename:       filename,
		DeclaredFormat: format,
		Data:           data,
		BlobKey:        key,
	})
	if err != nil {
		if key != "" {
			if derr := s.blobs.Delete(r.Context(), key); derr != nil {
				s.log.Warn("orphaned archive not cleaned up", "key", key, "error", derr)
			}
		}
		s.writeDomainError(w, err)
		return
	}

	mDocsIngested.Inc()
	mChunksTotal.Add(int64(rec.ChunkCount))
	mIngestDur.Since(start)
	writeJSON(w, http.StatusCreated, map[string]any{
		"document_id": rec.DocumentID,
		"chunk_count": rec.ChunkCount,
	})
}

func (s *server) handleIngestAsync(w http.ResponseWriter, r *http.Request) {
	owner := mid.OwnerFrom(r.Context())

	if s.nc == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("async ingestion is not available"))
		return
	}

	data, filename, format, err := s.readUpload(r)
	if err != nil {
		mErrorsTotal("bad_request").Inc()
		writeError(w, http.StatusBadRequest, err)
		return
	}

	// Cheap validation up front so obviously bad uploads never queue.
	if _, err := domain.ValidateUpload(owner, filename, format); err != nil {
		s.writeDomainError(w, err)
		return
	}

	key, err := s.archiveUpload(r.Context(), owner, filename, data)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("archive upload: %w", err))
		return
	}

	job := ingest.Job{
		ID:             uuid.NewString(),
		Owner:          owner,
		Filename:       filename,
		DeclaredFormat: format,
		Key:            key,
	}
	if err := ingest.Enqueue(r.Context(), s.nc, job); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("enqueue job: %w", err))
		return
	}

	mJobsQueued.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

func (s *server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	owner := mid.OwnerFrom(r.Context())
	docs, err := s.store.ListDocuments(r.Context(), owner)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (s *server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	owner := mid.OwnerFrom(r.Context())
	if err := s.store.DeleteDocument(r.Context(), owner, r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryRequest is the JSON body for POST /api/query.
type queryRequest struct {
	Question    string   `json:"question"`
	Visualize   bool     `json:"visualize,omitempty"`
	Forecast    bool     `json:"forecast,omitempty"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	TopK        int      `json:"top_k,omitempty"`
	SessionID   string   `json:"session_id,omitempty"`
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	owner := mid.OwnerFrom(r.Context())

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		mErrorsTotal("bad_request").Inc()
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}

	answer, err := s.rag.Query(r.Context(), owner, req.Question, rag.QueryOptions{
		TopK:        req.TopK,
		DocumentIDs: fn.Unique(req.DocumentIDs),
		Visualize:   req.Visualize,
		Forecast:    req.Forecast,
		SessionID:   req.SessionID,
	})
	if errors.Is(err, domain.ErrNoContext) {
		// No data is an outcome, not an error.
		mQueriesEmpty.Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"answer":  "No relevant data was found for this question. Upload a dataset first or rephrase the question.",
			"sources": []rag.Source{},
			"no_data": true,
		})
		return
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	mQueriesTotal.Inc()
	mQueryDur.Since(start)
	writeJSON(w, http.StatusOK, answer)
}

// writeDomainError maps the engine error taxonomy onto HTTP statuses:
// input errors are the caller's fault, upstream exhaustion asks the
// caller to retry later, ownership misses are indistinguishable from
// absence.
func (s *server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnsupportedFormat):
		mErrorsTotal("unsupported_format").Inc()
		writeError(w, http.StatusUnsupportedMediaType, err)
	case errors.Is(err, domain.ErrEmptyDocument):
		mErrorsTotal("empty_document").Inc()
		writeError(w, http.StatusUnprocessableEntity, err)
	case domain.IsInputError(err):
		mErrorsTotal("bad_request").Inc()
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrDocumentNotFound):
		mErrorsTotal("not_found").Inc()
		writeError(w, http.StatusNotFound, err)
	case domain.IsUpstreamError(err):
		mErrorsTotal("upstream").Inc()
		s.log.Error("upstream failure", "error", err)
		writeError(w, http.StatusBadGateway, errors.New("upstream model unavailable, retry later"))
	default:
		mErrorsTotal("internal").Inc()
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
