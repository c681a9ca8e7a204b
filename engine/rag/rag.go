// Package rag orchestrates the retrieval-augmented query pipeline. It
// accepts a user question, embeds it, searches the owner's chunk corpus,
// builds a bounded prompt context, and calls the chat model for the
// final answer, optionally deriving a chart or forecast from the rows
// recovered out of the retrieved chunks.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/datasage-io/datasage/engine/domain"
	"github.com/datasage-io/datasage/engine/insight"
	"github.com/datasage-io/datasage/engine/semantic"
	"github.com/datasage-io/datasage/pkg/llm"
	"github.com/datasage-io/datasage/pkg/tabular"
)

const (
	// DefaultContextBudget bounds the combined size of rendered context
	// entries, in characters.
	DefaultContextBudget = 12000

	// DefaultHistoryLimit is the number of question/answer exchanges a
	// session replays into the prompt.
	DefaultHistoryLimit = 6
)

const defaultSystemPrompt = `You are DataSage, an expert data analyst.
Answer the user's question using ONLY the provided context. If the context
does not contain enough information, say so. Cite sources using the [n]
markers of the numbered context entries.`

// Embedder turns a query into a vector.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the read side of the chunk store.
type Searcher interface {
	Search(ctx context.Context, owner string, vector []float32, opts semantic.SearchOptions) ([]semantic.Hit, error)
}

// Completer is the chat side of the language model provider.
type Completer interface {
	Complete(ctx context.Context, prompt *llm.Prompt, opts *llm.RequestOptions) (*llm.Response, error)
}

// Service runs the query pipeline.
type Service struct {
	embed    Embedder
	chat     Completer
	store    Searcher
	sessions *Sessions
	opts     Options
	log      *slog.Logger
}

// Options configures the pipeline behaviour.
type Options struct {
	TopK          int
	MinScore      float32
	Temperature   float64
	MaxTokens     int
	ContextBudget int
	SystemPrompt  string
	SearchTimeout time.Duration
	HistoryLimit  int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopK:          semantic.DefaultTopK,
		Temperature:   0.2,
		MaxTokens:     1024,
		ContextBudget: DefaultContextBudget,
		SystemPrompt:  defaultSystemPrompt,
		SearchTimeout: 5 * time.Second,
		HistoryLimit:  DefaultHistoryLimit,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TopK <= 0 {
		o.TopK = def.TopK
	}
	if o.Temperature <= 0 {
		o.Temperature = def.Temperature
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = def.MaxTokens
	}
	if o.ContextBudget <= 0 {
		o.ContextBudget = def.ContextBudget
	}
	if o.SystemPrompt == "" {
		o.SystemPrompt = def.SystemPrompt
	}
	if o.SearchTimeout <= 0 {
		o.SearchTimeout = def.SearchTimeout
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = def.HistoryLimit
	}
	return o
}

// New creates the query service.
func New(embed Embedder, chat Completer, store Searcher, opts Options, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()
	return &Service{
		embed:    embed,
		chat:     chat,
		store:    store,
		sessions: NewSessions(opts.HistoryLimit),
		opts:     opts,
		log:      log,
	}
}

// QueryOptions are the per-request knobs.
type QueryOptions struct {
	// TopK overrides the configured hit count when positive.
	TopK int

	// DocumentIDs restricts retrieval to a document subset.
	DocumentIDs []string

	// MinScore excludes hits scoring below it, even within TopK.
	MinScore float32

	// Visualize asks for a chart derived from the retrieved rows.
	Visualize bool

	// Forecast asks for a trend projection over the retrieved rows.
	Forecast bool

	// SessionID selects the rolling chat history to replay. Empty means
	// a one-shot question.
	SessionID string
}

// Answer is the structured response of the pipeline.
type Answer struct {
	Text          string             `json:"answer"`
	Sources       []Source           `json:"sources"`
	Visualization *insight.ChartSpec `json:"visualization,omitempty"`
	Forecast      *insight.Forecast  `json:"forecast,omitempty"`
	Model         string             `json:"model"`
	TokensUsed    int                `json:"tokens_used"`
}

// Source is one citation backing the answer. Ref matches the [n] marker
// the model was shown for this chunk.
type Source struct {
	Ref        int     `json:"ref"`
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Ordinal    int     `json:"ordinal"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

// Query runs the full pipeline for a user question.
func (s *Service) Query(ctx context.Context, owner, question string, opts QueryOptions) (*Answer, error) {
	start := time.Now()
	s.log.InfoContext(ctx, "rag query start", "owner", owner, "question_len", len(question))

	hits, err := s.Retrieve(ctx, owner, question, opts)
	if err != nil {
		return nil, err
	}
	answer, err := s.Synthesize(ctx, owner, question, hits, opts)
	if err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "rag query done",
		"owner", owner,
		"sources", len(answer.Sources),
		"tokens", answer.TokensUsed,
		"duration", time.Since(start))
	return answer, nil
}

// Retrieve embeds the question and searches the owner's corpus. An owner
// with no matching chunks gets an empty slice, not an error.
func (s *Service) Retrieve(ctx context.Context, owner, question string, opts QueryOptions) ([]semantic.Hit, error) {
	if err := domain.ValidateOwner(owner); err != nil {
		return nil, err
	}
	if err := domain.ValidateQuestion(question); err != nil {
		return nil, err
	}

	// 1. Embed the question.
	vector, err := s.embed.EmbedQuery(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	// 2. Search, bounded by its own timeout.
	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()

	topK := opts.TopK
	if topK <= 0 {
		topK = s.opts.TopK
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = s.opts.MinScore
	}

	hits, err := s.store.Search(searchCtx, owner, vector, semantic.SearchOptions{
		TopK:        topK,
		DocumentIDs: opts.DocumentIDs,
		MinScore:    minScore,
	})
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}
	s.log.DebugContext(ctx, "rag search done", "owner", owner, "hits", len(hits))
	return hits, nil
}

// Synthesize turns retrieved hits into an answer. Empty hits are the
// no-data condition and surface as ErrNoContext so callers can render an
// informational response instead of an answer.
func (s *Service) Synthesize(ctx context.Context, owner, question string, hits []semantic.Hit, opts QueryOptions) (*Answer, error) {
	if len(hits) == 0 {
		return nil, domain.ErrNoContext
	}

	// 1. Fit the ranked hits into the context budget.
	kept := fitBudget(hits, s.opts.ContextBudget)
	if dropped := len(hits) - len(kept); dropped > 0 {
		s.log.DebugContext(ctx, "rag context trimmed", "dropped", dropped, "kept", len(kept))
	}

	// 2. Ask the model, replaying session history first.
	history := s.sessions.History(owner, opts.SessionID)
	prompt := buildPrompt(s.opts.SystemPrompt, question, kept, history)

	maxTokens := s.opts.MaxTokens
	temperature := s.opts.Temperature
	resp, err := s.chat.Complete(ctx, prompt, &llm.RequestOptions{
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrLanguageModel, err)
	}

	// 3. Build the structured response.
	sources := make([]Source, len(kept))
	for i, h := range kept {
		sources[i] = Source{
			Ref:        i + 1,
			ChunkID:    h.Chunk.ID,
			DocumentID: h.Chunk.DocumentID,
			Filename:   h.Filename,
			Ordinal:    h.Chunk.Ordinal,
			Text:       h.Chunk.Text,
			Score:      h.Score,
		}
	}
	answer := &Answer{
		Text:       resp.Content,
		Sources:    sources,
		Model:      resp.Model,
		TokensUsed: resp.InputTokens + resp.OutputTokens,
	}

	// 4. Derive insights from the rows hiding in the kept chunks.
	if opts.Visualize || opts.Forecast {
		rows := recoverRows(kept)
		if opts.Visualize {
			answer.Visualization = insight.BuildChart(rows)
		}
		if opts.Forecast {
			answer.Forecast = insight.ForecastSeries(rows, 0)
		}
	}

	s.sessions.Append(owner, opts.SessionID, question, resp.Content)
	return answer, nil
}

// fitBudget keeps the highest scored hits whose rendered entries fit the
// character budget. Hits arrive ranked, so trimming the tail drops the
// lowest scores first. The top hit always survives, even alone over
// budget.
func fitBudget(hits []semantic.Hit, budget int) []semantic.Hit {
	used := 0
	for i, h := range hits {
		used += len(contextEntry(i+1, h))
		if used > budget && i > 0 {
			return hits[:i]
		}
	}
	return hits
}

func contextEntry(ref int, h semantic.Hit) string {
	return fmt.Sprintf("[%d] (source: %s, score: %.3f)\n%s", ref, h.Filename, h.Score, h.Chunk.Text)
}

func buildPrompt(system, question string, hits []semantic.Hit, history []llm.Message) *llm.Prompt {
	entries := make([]string, len(hits))
	for i, h := range hits {
		entries[i] = contextEntry(i+1, h)
	}
	user := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", strings.Join(entries, "\n\n"), question)

	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: user})
	return &llm.Prompt{SystemPrompt: system, Messages: msgs}
}

// recoverRows parses row-form lines back out of the kept chunk text.
func recoverRows(hits []semantic.Hit) []tabular.Row {
	var rows []tabular.Row
	for _, h := range hits {
		rows = append(rows, tabular.ParseRows(h.Chunk.Text)...)
	}
	return rows
}
