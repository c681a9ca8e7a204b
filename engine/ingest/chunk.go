package ingest

import (
	"strings"
	"unicode"
)

const (
	// DefaultChunkSize is the character budget per chunk.
	DefaultChunkSize = 1024
	// DefaultOverlap is the number of characters consecutive chunks of an
	// oversized unit share.
	DefaultOverlap = 200
)

// Chunker turns one text unit into embeddable chunk texts. Most units fit
// the budget and map to a single chunk.
type Chunker interface {
	Split(unit string) []string
}

// FixedWindow splits oversized units into rune windows of at most Size
// characters, stepping by Size-Overlap so consecutive windows share
// Overlap characters of context.
type FixedWindow struct {
	Size    int
	Overlap int
}

// NewFixedWindow clamps out-of-range arguments to usable defaults.
func NewFixedWindow(size, overlap int) FixedWindow {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = DefaultOverlap
	}
	if overlap >= size {
		overlap = size / 5
	}
	return FixedWindow{Size: size, Overlap: overlap}
}

// Split cuts on rune boundaries, never inside a code point.
func (w FixedWindow) Split(unit string) []string {
	runes := []rune(unit)
	if len(runes) <= w.Size {
		return []string{unit}
	}
	step := w.Size - w.Overlap
	if step <= 0 {
		step = w.Size
	}
	var out []string
	for start := 0; ; start += step {
		end := start + w.Size
		if end >= len(runes) {
			out = append(out, string(runes[start:]))
			return out
		}
		out = append(out, string(runes[start:end]))
	}
}

// Sentence splits a unit on sentence boundaries and regroups them under a
// word budget, carrying trailing sentences between chunks as overlap. It
// suits prose cells and long JSON strings better than a hard character
// cut.
type Sentence struct {
	MaxWords     int
	OverlapWords int
}

// Split returns nil for units with no sentence content.
func (s Sentence) Split(unit string) []string {
	maxWords := s.MaxWords
	if maxWords <= 0 {
		maxWords = 200
	}
	overlap := s.OverlapWords
	if overlap < 0 {
		overlap = 0
	}

	sentences := splitSentences(unit)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(sentences) {
		var buf strings.Builder
		words := 0
		end := start

		for end < len(sentences) {
			n := wordCount(sentences[end])
			if words+n > maxWords && words > 0 {
				break
			}
			if buf.Len() > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(sentences[end])
			words += n
			end++
		}
		chunks = append(chunks, buf.String())

		// Move start back over the overlap, guarding forward progress.
		back := 0
		newStart := end
		for newStart > start && back < overlap {
			newStart--
			back += wordCount(sentences[newStart])
		}
		if newStart == start {
			start = end
		} else {
			start = newStart
		}
	}
	return chunks
}

// splitSentences splits text into sentences using punctuation and newlines.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for i, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			// Only cut when the next char is space or end of text.
			if r == '\n' || i == len(text)-1 || (i+1 < len(text) && unicode.IsSpace(rune(text[i+1]))) {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
