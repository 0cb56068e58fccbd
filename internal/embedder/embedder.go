// Package embedder provides late-interaction embeddings for page images and queries.
//
// Each page and each query is represented by a bag of vectors (one per image patch or
// query token), as produced by ColPali-family models. Relevance is the MaxSim score
// between the two bags, which the vector store computes.
package embedder

import "context"

// MultiVector is one embedding per patch or token.
type MultiVector [][]float32

// PageEmbedder defines the interface for multi-vector page retrieval models.
type PageEmbedder interface {
	// EmbedImages embeds encoded page images (PNG bytes). Returns one MultiVector per
	// image in the same order as the input.
	EmbedImages(ctx context.Context, images [][]byte) ([]MultiVector, error)

	// EmbedQuery embeds a query string.
	EmbedQuery(ctx context.Context, query string) (MultiVector, error)

	// Dimension returns the size of each individual vector.
	Dimension() int

	// ModelName returns the name of the retrieval model being used.
	ModelName() string
}

// ModelConfig holds configuration for a specific retrieval model.
type ModelConfig struct {
	Dimension    int // Size of each patch/token vector
	MaxBatchSize int // Images per request the model server accepts comfortably
}

// KnownModels maps retrieval model names to their configurations.
var KnownModels = map[string]ModelConfig{
	"vidore/colqwen2-v1.0-merged": {Dimension: 128, MaxBatchSize: 4},
	"vidore/colqwen2-v1.0":        {Dimension: 128, MaxBatchSize: 4},
	"vidore/colpali-v1.3":         {Dimension: 128, MaxBatchSize: 8},
	"vidore/colqwen2.5-v0.2":      {Dimension: 128, MaxBatchSize: 4},
}

// GetModelConfig returns the configuration for a model, or defaults if unknown.
func GetModelConfig(modelName string) ModelConfig {
	if cfg, ok := KnownModels[modelName]; ok {
		return cfg
	}
	return ModelConfig{Dimension: 128, MaxBatchSize: 2}
}
