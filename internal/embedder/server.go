package embedder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultServerURL is the default retrieval model server.
	DefaultServerURL = "http://localhost:8001"

	// DefaultModel is the default retrieval model.
	DefaultModel = "vidore/colqwen2-v1.0-merged"

	// DefaultConcurrency is the default number of in-flight image batches.
	DefaultConcurrency = 2
)

// ServerConfig holds configuration for the model server embedder.
type ServerConfig struct {
	// BaseURL is the model server base URL (default: http://localhost:8001).
	BaseURL string

	// Model is the retrieval model to request (default: vidore/colqwen2-v1.0-merged).
	Model string

	// BatchSize is the number of images per request (default: from KnownModels).
	BatchSize int

	// Concurrency is the number of batches sent at once.
	Concurrency int

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// ServerEmbedder implements PageEmbedder against a model server exposing
// /v1/embed/images and /v1/embed/query.
type ServerEmbedder struct {
	baseURL     string
	model       string
	dimension   int
	batchSize   int
	concurrency int
	client      *http.Client
}

type imagesRequest struct {
	Model  string   `json:"model"`
	Images []string `json:"images"`
}

type queryRequest struct {
	Model string `json:"model"`
	Query string `json:"query"`
}

type embedResponse struct {
	Embeddings [][][]float32 `json:"embeddings"`
}

// NewServerEmbedder creates a model server embedder with the given configuration.
func NewServerEmbedder(cfg ServerConfig) *ServerEmbedder {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultServerURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	modelCfg := GetModelConfig(model)

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = modelCfg.MaxBatchSize
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}

	return &ServerEmbedder{
		baseURL:     baseURL,
		model:       model,
		dimension:   modelCfg.Dimension,
		batchSize:   batchSize,
		concurrency: concurrency,
		client:      client,
	}
}

// EmbedImages embeds page images in batches. Batches run concurrently; results keep input order.
func (e *ServerEmbedder) EmbedImages(ctx context.Context, images [][]byte) ([]MultiVector, error) {
	if len(images) == 0 {
		return []MultiVector{}, nil
	}

	results := make([]MultiVector, len(images))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)

	for start := 0; start < len(images); start += e.batchSize {
		end := min(start+e.batchSize, len(images))
		g.Go(func() error {
			encoded := make([]string, 0, end-start)
			for _, img := range images[start:end] {
				encoded = append(encoded, base64.StdEncoding.EncodeToString(img))
			}

			var resp embedResponse
			if err := e.post(gctx, "/v1/embed/images", imagesRequest{Model: e.model, Images: encoded}, &resp); err != nil {
				return fmt.Errorf("failed to embed images %d-%d: %w", start, end-1, err)
			}
			if len(resp.Embeddings) != end-start {
				return fmt.Errorf("embedding server returned %d embeddings for %d images", len(resp.Embeddings), end-start)
			}
			for i, emb := range resp.Embeddings {
				results[start+i] = emb
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// EmbedQuery embeds a query string.
func (e *ServerEmbedder) EmbedQuery(ctx context.Context, query string) (MultiVector, error) {
	var resp embedResponse
	if err := e.post(ctx, "/v1/embed/query", queryRequest{Model: e.model, Query: query}, &resp); err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("empty query embedding returned from model server")
	}
	return resp.Embeddings[0], nil
}

func (e *ServerEmbedder) post(ctx context.Context, path string, body any, out any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("embedding server error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Dimension returns the size of each patch/token vector.
func (e *ServerEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the name of the retrieval model being used.
func (e *ServerEmbedder) ModelName() string {
	return e.model
}

// Ensure ServerEmbedder implements PageEmbedder interface.
var _ PageEmbedder = (*ServerEmbedder)(nil)
