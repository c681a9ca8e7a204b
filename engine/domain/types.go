// Package domain defines the core types, error taxonomy, and input validation
// for the DataSage engine. It acts as the validation gate at the entry points
// of ingestion and retrieval.
package domain

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format identifies a supported upload format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// ValidFormats is the set of formats the ingestion pipeline accepts.
var ValidFormats = map[Format]bool{
	FormatCSV:  true,
	FormatXLSX: true,
	FormatJSON: true,
}

// NormalizeFormat parses a user-declared format string. It accepts bare names
// ("csv"), dotted extensions (".csv"), and common aliases ("excel", "xls").
func NormalizeFormat(s string) (Format, bool) {
	f := Format(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), ".")))
	switch f {
	case "excel", "xls":
		f = FormatXLSX
	}
	if ValidFormats[f] {
		return f, true
	}
	return "", false
}

// FormatFromFilename infers the format from a filename extension.
func FormatFromFilename(name string) (Format, bool) {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		return "", false
	}
	return NormalizeFormat(ext)
}

// Document represents one uploaded file.
type Document struct {
	ID         string         `json:"id"`
	Owner      string         `json:"owner"`
	Filename   string         `json:"filename"`
	ByteSize   int64          `json:"byte_size"`
	ChunkCount int            `json:"chunk_count"`
	UploadedAt time.Time      `json:"uploaded_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Chunk is one retrievable fragment of a Document. (DocumentID, Ordinal)
// uniquely identifies a chunk; ordinals are 0-based and contiguous within a
// document. A chunk only exists with non-empty text and a computed embedding.
type Chunk struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Ordinal    int            `json:"ordinal"`
	Text       string         `json:"text"`
	Embedding  []float32      `json:"-"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewDocumentID returns a fresh opaque document identifier.
func NewDocumentID() string {
	return uuid.NewString()
}

// ChunkID derives the deterministic identifier for a chunk from its document
// and ordinal, so re-processing the same document yields the same IDs.
func ChunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, fmt.Appendf(nil, "%s-%d", documentID, ordinal)).String()
}
