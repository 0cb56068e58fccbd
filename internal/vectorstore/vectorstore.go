// Package vectorstore provides interfaces and implementations for multi-vector page search.
package vectorstore

import (
	"context"
)

// PagePoint is one indexed page with its late-interaction embedding.
type PagePoint struct {
	DocumentID   int
	PageNumber   int
	DocumentName string
	Vectors      [][]float32 // One vector per image patch
}

// PageHit is a search result. Hits are returned in descending Score order.
type PageHit struct {
	DocumentID   int
	PageNumber   int
	DocumentName string
	Score        float32
}

// PageStore defines the interface for page vector storage operations
type PageStore interface {
	// CreateCollection creates a multi-vector collection compared with MaxSim
	CreateCollection(ctx context.Context, name string, dimension int) error

	// DeleteCollection deletes a collection
	DeleteCollection(ctx context.Context, name string) error

	// CollectionExists checks if a collection exists
	CollectionExists(ctx context.Context, name string) (bool, error)

	// Upsert inserts or updates pages and waits until they are searchable
	Upsert(ctx context.Context, name string, points []PagePoint) error

	// Search returns the limit best pages for a multi-vector query
	Search(ctx context.Context, name string, query [][]float32, limit int) ([]PageHit, error)
}
