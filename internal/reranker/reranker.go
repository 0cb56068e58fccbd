// Package reranker re-orders retrieved page images with a second, finer-grained scorer.
//
// Retrieval embeds the query and every page independently, which is fast but coarse.
// A scorer sees the query and each candidate image together and produces a sharper
// ordering over a small candidate set.
//
// # Result shapes
//
// Scorers report their ranking in one of two shapes: a plain slice of Result, best
// first, or a value implementing TopKAccessor. Normalize adapts either one into the
// Ranking interface once, at the integration boundary, so nothing downstream
// depends on which scorer produced the ranking.
//
// # Trade-offs
//
//   - Latency: one scoring pass over topK x multiplier images per query
//   - Quality: noticeably better grounding when several pages have similar retrieval scores
//
// Run without a scorer for latency-sensitive deployments.
package reranker

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnrecognizedRanking is returned when a scorer produces a result in neither
	// supported shape.
	ErrUnrecognizedRanking = errors.New("unrecognized ranking result")

	// ErrOrdinalOutOfRange is returned when a ranked result points outside the
	// candidate sequence it was computed for.
	ErrOrdinalOutOfRange = errors.New("ranking ordinal out of range")
)

// Result is one scored candidate. DocID is the ordinal of the candidate in the
// sequence passed to the scorer, not a document identifier.
type Result struct {
	DocID int     `json:"doc_id"`
	Score float32 `json:"score"`
}

// EncodedImage is a candidate serialized for a scorer.
type EncodedImage struct {
	Ordinal int
	Data    []byte
}

// Scorer ranks encoded candidate images against a query. The returned value must be
// either []Result (best first) or a TopKAccessor.
type Scorer interface {
	Rank(ctx context.Context, query string, images []EncodedImage) (any, error)
}

// TopKAccessor is the accessor-style result shape: it yields the best k results.
type TopKAccessor interface {
	TopK(k int) []Result
}

// Ranking is the canonical view over a scorer's result.
type Ranking interface {
	// Top returns at most k results, best first. It never pads.
	Top(k int) []Result
}

// sliceRanking adapts the plain-sequence shape.
type sliceRanking []Result

func (s sliceRanking) Top(k int) []Result {
	if k < 0 {
		k = 0
	}
	if k > len(s) {
		k = len(s)
	}
	return s[:k]
}

// accessorRanking adapts the accessor shape.
type accessorRanking struct {
	acc TopKAccessor
}

func (a accessorRanking) Top(k int) []Result {
	if k <= 0 {
		return nil
	}
	out := a.acc.TopK(k)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Normalize turns a raw scorer result into a Ranking.
func Normalize(raw any) (Ranking, error) {
	switch v := raw.(type) {
	case Ranking:
		return v, nil
	case TopKAccessor:
		return accessorRanking{acc: v}, nil
	case []Result:
		return sliceRanking(v), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnrecognizedRanking, raw)
	}
}
