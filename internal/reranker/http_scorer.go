package reranker

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
)

const (
	// DefaultScorerURL is the default MonoVLM rank server.
	DefaultScorerURL = "http://localhost:8002"

	// DefaultScorerModel is the default rank model.
	DefaultScorerModel = "monovlm"
)

// HTTPScorer calls a rank server exposing POST /v1/rank. The server scores every
// image against the query and returns them best first.
type HTTPScorer struct {
	baseURL string
	model   string
	client  *http.Client
}

// HTTPScorerOption is a functional option for configuring HTTPScorer.
type HTTPScorerOption func(*HTTPScorer)

// WithScorerModel sets the rank model name sent with each request.
func WithScorerModel(model string) HTTPScorerOption {
	return func(s *HTTPScorer) {
		s.model = model
	}
}

// WithScorerHTTPClient sets a custom HTTP client.
func WithScorerHTTPClient(client *http.Client) HTTPScorerOption {
	return func(s *HTTPScorer) {
		s.client = client
	}
}

// NewHTTPScorer creates a rank server client.
func NewHTTPScorer(baseURL string, opts ...HTTPScorerOption) *HTTPScorer {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultScorerURL
	}
	s := &HTTPScorer{
		baseURL: baseURL,
		model:   DefaultScorerModel,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type rankRequest struct {
	Model  string   `json:"model"`
	Query  string   `json:"query"`
	Images []string `json:"images"`
}

type rankResponse struct {
	Results []Result `json:"results"`
}

// Rank returns []Result ordered best first. DocID is the position of the image in
// the request, which the server echoes back.
func (s *HTTPScorer) Rank(ctx context.Context, query string, images []EncodedImage) (any, error) {
	req := rankRequest{
		Model:  s.model,
		Query:  query,
		Images: make([]string, len(images)),
	}
	for i, img := range images {
		req.Images[i] = base64.StdEncoding.EncodeToString(img.Data)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/rank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rank server error (status %d): %s", resp.StatusCode, string(b))
	}

	var out rankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	// Map request positions back to the caller's ordinals.
	results := make([]Result, len(out.Results))
	for i, r := range out.Results {
		if r.DocID >= 0 && r.DocID < len(images) {
			r.DocID = images[r.DocID].Ordinal
		}
		results[i] = r
	}
	return results, nil
}

// Ensure HTTPScorer implements Scorer.
var _ Scorer = (*HTTPScorer)(nil)
