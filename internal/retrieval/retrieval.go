// Package retrieval defines the page retrieval capability and maps its hits back
// onto rendered page images.
package retrieval

import (
	"context"
)

// Hit is one retrieved page. PageNumber is 1-based. Hits from Search are ordered by
// descending relevance; the rank is the position in the slice.
type Hit struct {
	DocumentID int
	PageNumber int
	Score      float32
}

// Index is a page-level multimodal retrieval index.
type Index interface {
	// Index builds indexName from every PDF in sourcePath. Document IDs are assigned
	// by the sort order of the file names. With overwrite, an existing index of the
	// same name is replaced; without it, an existing index is an error.
	Index(ctx context.Context, sourcePath, indexName string, overwrite bool) error

	// Search returns up to k hits for query, best first.
	Search(ctx context.Context, query string, k int, indexName string) ([]Hit, error)
}

// Dropper is implemented by indexes that can delete an index generation.
type Dropper interface {
	Drop(ctx context.Context, indexName string) error
}
