// Package service wires retrieval, reranking and generation into the question
// answering pipeline and runs indexing passes over uploaded PDFs.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knoguchi/pagerag/internal/document"
	"github.com/knoguchi/pagerag/internal/generator"
	"github.com/knoguchi/pagerag/internal/memory"
	"github.com/knoguchi/pagerag/internal/prompt"
	"github.com/knoguchi/pagerag/internal/reranker"
	"github.com/knoguchi/pagerag/internal/retrieval"
)

var (
	// ErrNoResults is returned when no page could be retrieved for a query. It is an
	// expected outcome, not a failure.
	ErrNoResults = errors.New("no relevant pages found")

	// ErrInvalidArgument wraps request validation failures.
	ErrInvalidArgument = errors.New("invalid argument")
)

// NoResultsMessage is the user-facing text for ErrNoResults.
const NoResultsMessage = "Could not retrieve any relevant images for your query. Please try a different question."

// Phase is a coarse pipeline stage reported to progress callbacks.
type Phase string

const (
	PhaseSearching  Phase = "searching"
	PhaseReranking  Phase = "reranking"
	PhaseGenerating Phase = "generating"
)

// Session holds the capabilities acquired once at start-up and shared by every query.
type Session struct {
	Index     retrieval.Index
	Registry  *document.Registry
	Reranker  *reranker.Reranker
	Assembler *prompt.Assembler
	Generator *generator.Generator
}

// PipelineConfig bounds query parameters.
type PipelineConfig struct {
	DefaultTopK         int
	MaxTopK             int
	CandidateMultiplier int
	MaxNewTokens        int
}

// Pipeline answers questions against the currently published snapshot.
type Pipeline struct {
	session *Session
	cfg     PipelineConfig
	logger  *slog.Logger
	history *memory.Store
}

// PipelineOption is a functional option for configuring Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithHistory records every answered question per session.
func WithHistory(history *memory.Store) PipelineOption {
	return func(p *Pipeline) {
		p.history = history
	}
}

// NewPipeline creates a pipeline over session.
func NewPipeline(session *Session, cfg PipelineConfig, opts ...PipelineOption) *Pipeline {
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 3
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 10
	}
	if cfg.CandidateMultiplier <= 0 {
		cfg.CandidateMultiplier = 1
	}
	if cfg.MaxNewTokens <= 0 {
		cfg.MaxNewTokens = 500
	}
	if session.Assembler == nil {
		session.Assembler = prompt.NewAssembler()
	}

	p := &Pipeline{
		session: session,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AnswerOptions are per-query parameters. Zero values select the configured defaults.
type AnswerOptions struct {
	TopK         int
	MaxNewTokens int
	SessionID    string

	// Progress, when set, is called as each stage starts.
	Progress func(Phase)
}

// Timings records how long each stage took.
type Timings struct {
	Retrieval  time.Duration
	Rerank     time.Duration
	Generation time.Duration
	Total      time.Duration
}

// Answer is the generated text and the pages that grounded it, in the order they
// were given to the generator.
type Answer struct {
	Text        string
	Pages       []*document.PageImage
	Store       *document.Store // the store Pages belong to
	DroppedHits int
	Reranked    bool
	IndexName   string
	Timings     Timings
}

// PageRefs returns the grounding pages without pixels.
func (a *Answer) PageRefs() []document.PageRef {
	refs := make([]document.PageRef, len(a.Pages))
	for i, p := range a.Pages {
		refs[i] = p.Ref()
	}
	return refs
}

// MaxTopK returns the largest accepted top-K.
func (p *Pipeline) MaxTopK() int {
	return p.cfg.MaxTopK
}

// Answer retrieves, optionally reranks, and generates an answer for query. When
// nothing resolvable is retrieved it returns (nil, ErrNoResults) without running
// rerank or generation.
func (p *Pipeline) Answer(ctx context.Context, query string, opts AnswerOptions) (*Answer, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidArgument)
	}

	topK := opts.TopK
	if topK == 0 {
		topK = p.cfg.DefaultTopK
	}
	if topK < 1 || topK > p.cfg.MaxTopK {
		return nil, fmt.Errorf("%w: top_k must be between 1 and %d", ErrInvalidArgument, p.cfg.MaxTopK)
	}

	maxNewTokens := opts.MaxNewTokens
	if maxNewTokens <= 0 {
		maxNewTokens = p.cfg.MaxNewTokens
	}

	progress := opts.Progress
	if progress == nil {
		progress = func(Phase) {}
	}

	// Pin the snapshot so a concurrent indexing pass cannot swap the store or
	// drop the index out from under this query.
	snap, release := p.session.Registry.Acquire()
	defer release()
	if snap == nil {
		p.logger.Info("query before any documents were indexed")
		p.record(opts.SessionID, memory.Entry{Question: query, NoResults: true})
		return nil, ErrNoResults
	}

	rerankEnabled := p.session.Reranker.Enabled()
	candidates := topK
	if rerankEnabled {
		candidates = topK * p.cfg.CandidateMultiplier
	}

	// Stage 1: retrieve and map hits onto page images
	progress(PhaseSearching)
	retrievalStart := time.Now()
	hits, err := p.session.Index.Search(ctx, query, candidates, snap.IndexName)
	release()
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	grouped := retrieval.Group(hits, snap.Store)
	if n := len(grouped.Dropped); n > 0 {
		p.logger.Warn("dropped retrieval hits that do not resolve to a page",
			"index", snap.IndexName,
			"dropped", n,
			"hits", len(hits),
		)
	}
	retrievalTime := time.Since(retrievalStart)

	if len(grouped.Pages) == 0 {
		p.record(opts.SessionID, memory.Entry{Question: query, NoResults: true, IndexName: snap.IndexName})
		return nil, ErrNoResults
	}

	// Stage 2: rerank (identity truncation when no scorer is configured)
	if rerankEnabled {
		progress(PhaseReranking)
	}
	rerankStart := time.Now()
	ranked, err := p.session.Reranker.Rerank(ctx, query, grouped.Pages, topK)
	if err != nil {
		return nil, err
	}
	rerankTime := time.Since(rerankStart)

	if len(ranked) == 0 {
		p.record(opts.SessionID, memory.Entry{Question: query, NoResults: true, IndexName: snap.IndexName})
		return nil, ErrNoResults
	}

	// Stage 3: assemble the prompt and generate
	progress(PhaseGenerating)
	generationStart := time.Now()
	pr := p.session.Assembler.Assemble(query, ranked)
	text, err := p.session.Generator.Generate(ctx, pr, maxNewTokens)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}
	generationTime := time.Since(generationStart)

	answer := &Answer{
		Text:        text,
		Pages:       ranked,
		Store:       snap.Store,
		DroppedHits: len(grouped.Dropped),
		Reranked:    rerankEnabled,
		IndexName:   snap.IndexName,
		Timings: Timings{
			Retrieval:  retrievalTime,
			Rerank:     rerankTime,
			Generation: generationTime,
			Total:      time.Since(start),
		},
	}

	p.record(opts.SessionID, memory.Entry{
		Question:  query,
		Answer:    text,
		Pages:     answer.PageRefs(),
		IndexName: snap.IndexName,
	})

	p.logger.Info("answered query",
		"index", snap.IndexName,
		"pages", len(ranked),
		"candidates", len(grouped.Pages),
		"reranked", rerankEnabled,
		"total_ms", answer.Timings.Total.Milliseconds(),
	)

	return answer, nil
}

// History returns the last n recorded entries of a session, or all of them when
// n <= 0.
func (p *Pipeline) History(sessionID string, n int) []memory.Entry {
	if p.history == nil {
		return nil
	}
	return p.history.Recent(sessionID, n)
}

// ClearHistory forgets a session's entries.
func (p *Pipeline) ClearHistory(sessionID string) {
	if p.history != nil {
		p.history.ClearSession(sessionID)
	}
}

func (p *Pipeline) record(sessionID string, e memory.Entry) {
	if p.history != nil {
		p.history.Add(sessionID, e)
	}
}
