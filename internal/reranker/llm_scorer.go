package reranker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/knoguchi/pagerag/internal/llm"
)

// defaultScore is used when the model's answer cannot be parsed.
const defaultScore = 0.5

// LLMScorer uses a vision LLM to score each page image against the query. The
// model sees the query and one page at a time, the way a cross-encoder would.
type LLMScorer struct {
	llmClient llm.LLM
	model     string
}

// LLMScorerOption is a functional option for configuring LLMScorer.
type LLMScorerOption func(*LLMScorer)

// WithModel sets the model to use for scoring.
func WithModel(model string) LLMScorerOption {
	return func(s *LLMScorer) {
		s.model = model
	}
}

// NewLLMScorer creates a new LLM-based scorer.
func NewLLMScorer(llmClient llm.LLM, opts ...LLMScorerOption) *LLMScorer {
	s := &LLMScorer{
		llmClient: llmClient,
		model:     llm.DefaultModel,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ScoredList is the accessor-shaped result of LLMScorer.
type ScoredList struct {
	results []Result
}

// TopK returns the best k results. Ties keep candidate order.
func (l *ScoredList) TopK(k int) []Result {
	if k > len(l.results) {
		k = len(l.results)
	}
	return l.results[:k]
}

type relevanceScore struct {
	Score  float32 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// Rank scores every image and returns a *ScoredList.
func (s *LLMScorer) Rank(ctx context.Context, query string, images []EncodedImage) (any, error) {
	results := make([]Result, len(images))
	prompt := buildScorePrompt(query)

	for i, img := range images {
		response, err := s.llmClient.Generate(ctx, prompt, llm.GenerateOptions{
			Model:       s.model,
			Images:      [][]byte{img.Data},
			Format:      "json",
			Temperature: 0.0, // Deterministic scoring
			MaxTokens:   128,
		})
		if err != nil {
			return nil, fmt.Errorf("LLM scoring failed for candidate %d: %w", img.Ordinal, err)
		}

		results[i] = Result{DocID: img.Ordinal, Score: parseScore(response)}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	return &ScoredList{results: results}, nil
}

func buildScorePrompt(query string) string {
	var sb strings.Builder

	sb.WriteString("You are a relevance scoring system. Look at the attached document page and score how well it answers the query.\n\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")
	sb.WriteString(`Score the page from 0.0 to 1.0.
Output ONLY valid JSON in this exact format:
{"score": 0.8}

Be strict: irrelevant pages should score below 0.3, somewhat relevant 0.3-0.7, highly relevant above 0.7.
Output only JSON, no explanation:`)

	return sb.String()
}

// parseScore extracts the score from the model's answer, clamped to [0, 1].
func parseScore(response string) float32 {
	response = strings.TrimSpace(response)

	// Try to extract JSON from markdown code blocks if present
	if idx := strings.Index(response, "```json"); idx != -1 {
		start := idx + 7
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	} else if idx := strings.Index(response, "```"); idx != -1 {
		start := idx + 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			response = response[start : start+end]
		}
	}

	var parsed relevanceScore
	if err := json.Unmarshal([]byte(strings.TrimSpace(response)), &parsed); err != nil {
		return defaultScore
	}

	switch {
	case parsed.Score < 0:
		return 0
	case parsed.Score > 1:
		return 1
	default:
		return parsed.Score
	}
}

// Ensure LLMScorer implements Scorer and ScoredList implements TopKAccessor.
var (
	_ Scorer       = (*LLMScorer)(nil)
	_ TopKAccessor = (*ScoredList)(nil)
)
