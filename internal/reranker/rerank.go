package reranker

import (
	"context"
	"fmt"

	"github.com/knoguchi/pagerag/internal/document"
)

// Reranker selects and orders candidate pages for generation.
type Reranker struct {
	scorer Scorer
}

// New returns a Reranker backed by scorer. A nil scorer keeps retrieval order.
func New(scorer Scorer) *Reranker {
	return &Reranker{scorer: scorer}
}

// Enabled reports whether a scorer is configured.
func (r *Reranker) Enabled() bool {
	return r != nil && r.scorer != nil
}

// Rerank returns at most min(topK, len(candidates)) of the candidates, best first.
// Every returned element is one of the candidate pointers; nothing is copied.
// Without a scorer the candidates are truncated in their existing order.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []*document.PageImage, topK int) ([]*document.PageImage, error) {
	limit := min(max(topK, 0), len(candidates))
	if !r.Enabled() {
		return candidates[:limit:limit], nil
	}
	if limit == 0 {
		return []*document.PageImage{}, nil
	}

	encoded := make([]EncodedImage, len(candidates))
	for i, page := range candidates {
		data, err := page.PNG()
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", page.Ref(), err)
		}
		encoded[i] = EncodedImage{Ordinal: i, Data: data}
	}

	raw, err := r.scorer.Rank(ctx, query, encoded)
	if err != nil {
		return nil, fmt.Errorf("rerank failed: %w", err)
	}

	ranking, err := Normalize(raw)
	if err != nil {
		return nil, err
	}

	return Select(ranking, candidates, limit)
}

// Select maps the best k results of a ranking back onto candidates. Repeated
// ordinals are skipped, so fewer than k pages may come back; the result is never padded.
func Select(ranking Ranking, candidates []*document.PageImage, k int) ([]*document.PageImage, error) {
	top := ranking.Top(k)
	out := make([]*document.PageImage, 0, len(top))
	seen := make(map[int]bool, len(top))
	for _, res := range top {
		if res.DocID < 0 || res.DocID >= len(candidates) {
			return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrOrdinalOutOfRange, res.DocID, len(candidates))
		}
		if seen[res.DocID] {
			continue
		}
		seen[res.DocID] = true
		out = append(out, candidates[res.DocID])
	}
	return out, nil
}
