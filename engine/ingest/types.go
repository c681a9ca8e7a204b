package ingest

import "github.com/datasage-io/datasage/engine/domain"

// Request is one upload to ingest. DeclaredFormat is optional; when empty
// the format is inferred from the filename extension.
type Request struct {
	Owner          string `json:"owner"`
	Filename       string `json:"filename"`
	DeclaredFormat string `json:"declared_format,omitempty"`
	Data           []byte `json:"data"`

	// BlobKey points at the archived original in the blob store, when
	// the caller archived one. Recorded on the document so reindexing
	// can fetch the source bytes again.
	BlobKey string `json:"blob_key,omitempty"`
}

// Receipt reports a committed ingestion.
type Receipt struct {
	DocumentID string `json:"document_id"`
	ChunkCount int    `json:"chunk_count"`
}

// unit is one parsed text unit, keyed back to its source row.
type unit struct {
	Row  int
	Text string
}

// validRequest is a request whose owner, filename, and format passed
// validation.
type validRequest struct {
	Request
	Format domain.Format
}

// parsedUpload is a validated request parsed into row units.
type parsedUpload struct {
	validRequest
	Doc     domain.Document
	Columns []string
	Units   []unit
}

// chunkedUpload carries the chunk set before embedding.
type chunkedUpload struct {
	parsedUpload
	Chunks []domain.Chunk
}

// embeddedUpload pairs every chunk with its vector, in chunk order.
type embeddedUpload struct {
	chunkedUpload
	Embeddings [][]float32
}
