package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/datasage-io/datasage/engine/domain"
)

// ivfflatMaxDims is the pgvector index ceiling. Larger vectors fall
// back to exact sequential scans, which stay correct but unindexed.
const ivfflatMaxDims = 2000

// Defaults for IndexParams when a field is zero.
const (
	DefaultIndexLists  = 100
	DefaultIndexProbes = 10
)

// IndexParams tunes the IVFFlat approximate index. Lists is the number
// of inverted lists built at index time; Probes is how many of them a
// query scans. Recall is bounded by the ratio: a query only considers
// vectors inside the probed lists, so probes equal to lists is an exact
// scan and probes of 1 is the fastest, lowest-recall setting.
type IndexParams struct {
	Lists  int
	Probes int
}

func (p IndexParams) withDefaults() IndexParams {
	if p.Lists <= 0 {
		p.Lists = DefaultIndexLists
	}
	if p.Probes <= 0 {
		p.Probes = DefaultIndexProbes
	}
	return p
}

// Postgres implements Store on PostgreSQL with the pgvector extension.
// PutChunks runs in a single transaction, so ingestion is atomic at the
// database level. Search is approximate under the IVFFlat index: hits
// missing from the probed lists are not returned, so recall depends on
// IndexParams.Probes, which Search applies per session with SET LOCAL.
type Postgres struct {
	pool *pgxpool.Pool
	dims int
	idx  IndexParams
	log  *slog.Logger
}

// NewPostgres wraps an existing connection pool. Zero IndexParams
// fields fall back to the package defaults.
func NewPostgres(pool *pgxpool.Pool, dims int, idx IndexParams, log *slog.Logger) *Postgres {
	if log == nil {
		log = slog.Default()
	}
	return &Postgres{pool: pool, dims: dims, idx: idx.withDefaults(), log: log}
}

// EnsureSchema creates the extension, tables, and indexes if missing.
// Safe to run on every startup.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("semantic: create extension: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id          UUID PRIMARY KEY,
			owner_id    TEXT NOT NULL,
			filename    TEXT NOT NULL,
			byte_size   BIGINT NOT NULL DEFAULT 0,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
			uploaded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
			id          UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			owner_id    TEXT NOT NULL,
			ordinal     INTEGER NOT NULL,
			content     TEXT NOT NULL,
			metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
			embedding   vector(%d) NOT NULL,
			CONSTRAINT chunks_doc_ordinal UNIQUE (document_id, ordinal)
		)`, p.dims),
		`CREATE INDEX IF NOT EXISTS idx_chunks_owner ON chunks(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`,
	}
	if p.dims <= ivfflatMaxDims {
		statements = append(statements, fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks
				USING ivfflat (embedding vector_cosine_ops)
				WITH (lists = %d)`, p.idx.Lists))
	} else {
		p.log.Info("semantic: skipping ivfflat index, dims over pgvector limit",
			"dims", p.dims, "limit", ivfflatMaxDims)
	}

	for _, stmt := range statements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("semantic: ensure schema: %w", err)
		}
	}
	return nil
}

// PutChunks implements Store.
func (p *Postgres) PutChunks(ctx context.Context, doc domain.Document, chunks []domain.Chunk) error {
	for _, c := range chunks {
		if len(c.Embedding) != p.dims {
			return domain.NewValidationError("embedding", c.ID, domain.ErrDimensionMismatch)
		}
	}

	docMeta, err := json.Marshal(orEmpty(doc.Metadata))
	if err != nil {
		return fmt.Errorf("semantic: marshal document metadata: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("semantic: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, owner_id, filename, byte_size, chunk_count, metadata, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			filename    = EXCLUDED.filename,
			byte_size   = EXCLUDED.byte_size,
			chunk_count = EXCLUDED.chunk_count,
			metadata    = EXCLUDED.metadata,
			uploaded_at = EXCLUDED.uploaded_at`,
		doc.ID, doc.Owner, doc.Filename, doc.ByteSize, len(chunks), string(docMeta), doc.UploadedAt)
	if err != nil {
		return fmt.Errorf("semantic: upsert document %s: %w", doc.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, doc.ID); err != nil {
		return fmt.Errorf("semantic: clear chunks for %s: %w", doc.ID, err)
	}

	for _, c := range chunks {
		chunkMeta, err := json.Marshal(orEmpty(c.Metadata))
		if err != nil {
			return fmt.Errorf("semantic: marshal chunk metadata: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, owner_id, ordinal, content, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7::vector)`,
			c.ID, doc.ID, doc.Owner, c.Ordinal, c.Text, string(chunkMeta), formatVector(c.Embedding))
		if err != nil {
			return fmt.Errorf("semantic: insert chunk %d: %w", c.Ordinal, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("semantic: commit: %w", err)
	}
	return nil
}

// DeleteDocument implements Store.
func (p *Postgres) DeleteDocument(ctx context.Context, owner, documentID string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM documents WHERE id = $1 AND owner_id = $2`, documentID, owner)
	if err != nil {
		return fmt.Errorf("semantic: delete document %s: %w", documentID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDocumentNotFound
	}
	return nil
}

// ListDocuments implements Store.
func (p *Postgres) ListDocuments(ctx context.Context, owner string) ([]domain.Document, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, owner_id, filename, byte_size, chunk_count, metadata, uploaded_at
		FROM documents
		WHERE owner_id = $1
		ORDER BY uploaded_at DESC, id ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("semantic: list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]domain.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("semantic: list documents: %w", err)
	}
	return docs, nil
}

// GetDocument implements Store.
func (p *Postgres) GetDocument(ctx context.Context, owner, documentID string) (domain.Document, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, owner_id, filename, byte_size, chunk_count, metadata, uploaded_at
		FROM documents
		WHERE id = $1 AND owner_id = $2`, documentID, owner)

	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Document{}, domain.ErrDocumentNotFound
	}
	return doc, err
}

// Search implements Store. Score is cosine similarity derived from
// pgvector's cosine distance operator. The probes setting is applied
// with SET LOCAL, so it lasts exactly one transaction and never leaks
// into other pooled connections.
func (p *Postgres) Search(ctx context.Context, owner string, vector []float32, opts SearchOptions) ([]Hit, error) {
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}

	query := `
		SELECT c.id, c.document_id, c.ordinal, c.content, c.metadata, d.filename,
		       1 - (c.embedding <=> $1::vector) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE c.owner_id = $2`
	args := []any{formatVector(vector), owner}
	if len(opts.DocumentIDs) > 0 {
		query += ` AND c.document_id = ANY($3::uuid[])`
		args = append(args, opts.DocumentIDs)
	}
	query += fmt.Sprintf(`
		ORDER BY c.embedding <=> $1::vector ASC, c.ordinal ASC, c.id ASC
		LIMIT $%d`, len(args)+1)
	args = append(args, opts.TopK)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`SET LOCAL ivfflat.probes = %d`, p.idx.Probes)); err != nil {
		return nil, fmt.Errorf("semantic: set probes: %w", err)
	}

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, opts.TopK)
	for rows.Next() {
		var (
			h        Hit
			metaJSON []byte
			score    float64
		)
		if err := rows.Scan(&h.Chunk.ID, &h.Chunk.DocumentID, &h.Chunk.Ordinal,
			&h.Chunk.Text, &metaJSON, &h.Filename, &score); err != nil {
			return nil, fmt.Errorf("semantic: scan hit: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &h.Chunk.Metadata); err != nil {
				return nil, fmt.Errorf("semantic: chunk metadata: %w", err)
			}
		}
		h.Score = float32(score)
		if opts.MinScore > 0 && h.Score < opts.MinScore {
			continue
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("semantic: search: %w", err)
	}
	return hits, nil
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("semantic: ping: %w", err)
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var (
		doc      domain.Document
		metaJSON []byte
	)
	err := row.Scan(&doc.ID, &doc.Owner, &doc.Filename, &doc.ByteSize,
		&doc.ChunkCount, &metaJSON, &doc.UploadedAt)
	if err != nil {
		return domain.Document{}, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &doc.Metadata); err != nil {
			return domain.Document{}, fmt.Errorf("semantic: document metadata: %w", err)
		}
	}
	return doc, nil
}

// formatVector renders an embedding in pgvector's bracketed literal
// form.
func formatVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
