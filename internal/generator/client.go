package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/knoguchi/pagerag/internal/document"
	"github.com/knoguchi/pagerag/internal/prompt"
)

const (
	// DefaultServerURL is the default generator model server.
	DefaultServerURL = "http://localhost:8003"

	// DefaultModel is the default vision-language model.
	DefaultModel = "Qwen/Qwen2.5-VL-7B-Instruct"
)

// ErrUnavailable is returned while the circuit breaker is open.
var ErrUnavailable = errors.New("generator unavailable")

// Config holds configuration for the model server client.
type Config struct {
	// BaseURL is the model server base URL (default: http://localhost:8003).
	BaseURL string

	// Model is the model to request (default: Qwen/Qwen2.5-VL-7B-Instruct).
	Model string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// Logger receives circuit breaker state changes.
	Logger *slog.Logger
}

// Info describes the model server.
type Info struct {
	Model       string `json:"model"`
	Device      string `json:"device"`
	Accelerator bool   `json:"accelerator"`
}

// Client implements Model against a model server exposing /v1/info, /v1/encode,
// /v1/generate and /v1/decode. Every call goes through a circuit breaker so a dead
// server fails fast instead of holding requests for minutes.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a model server client with the given configuration.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultServerURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generator",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		baseURL: baseURL,
		model:   model,
		client:  client,
		breaker: breaker,
	}
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentItem `json:"content"`
}

type encodeRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Images              []string      `json:"images,omitempty"`
	Videos              []string      `json:"videos,omitempty"`
	AddGenerationPrompt bool          `json:"add_generation_prompt"`
}

type encodeResponse struct {
	Handle   string  `json:"handle"`
	InputIDs [][]int `json:"input_ids"`
}

type generateRequest struct {
	Handle       string `json:"handle"`
	MaxNewTokens int    `json:"max_new_tokens"`
}

type generateResponse struct {
	Sequences [][]int `json:"sequences"`
}

type decodeRequest struct {
	Sequences                 [][]int `json:"sequences"`
	SkipSpecialTokens         bool    `json:"skip_special_tokens"`
	CleanUpTokenizationSpaces bool    `json:"clean_up_tokenization_spaces"`
}

type decodeResponse struct {
	Texts []string `json:"texts"`
}

// Info reports the model and device the server runs on.
func (c *Client) Info(ctx context.Context) (*Info, error) {
	var info Info
	if err := c.call(ctx, http.MethodGet, "/v1/info", nil, &info); err != nil {
		return nil, fmt.Errorf("failed to get generator info: %w", err)
	}
	return &info, nil
}

// Encode sends the chat template with image placeholders and the images
// themselves, in prompt order.
func (c *Client) Encode(ctx context.Context, p *prompt.Prompt) (*InputBundle, error) {
	vision := ExtractVisionInputs(p)

	req := encodeRequest{
		Model:               c.model,
		AddGenerationPrompt: true,
	}
	for _, m := range p.Messages {
		msg := chatMessage{Role: m.Role}
		for _, item := range m.Content {
			msg.Content = append(msg.Content, contentItem{Type: string(item.Type), Text: item.Text})
		}
		req.Messages = append(req.Messages, msg)
	}

	var err error
	if req.Images, err = encodeImages(vision.Images); err != nil {
		return nil, err
	}
	if len(vision.Videos) > 0 {
		if req.Videos, err = encodeImages(vision.Videos); err != nil {
			return nil, err
		}
	}

	var resp encodeResponse
	if err := c.call(ctx, http.MethodPost, "/v1/encode", req, &resp); err != nil {
		return nil, err
	}

	return &InputBundle{
		Handle:   resp.Handle,
		InputIDs: resp.InputIDs,
		Vision:   vision,
	}, nil
}

// Generate runs generation on a previously encoded bundle.
func (c *Client) Generate(ctx context.Context, in *InputBundle, maxNewTokens int) ([][]int, error) {
	var resp generateResponse
	if err := c.call(ctx, http.MethodPost, "/v1/generate", generateRequest{Handle: in.Handle, MaxNewTokens: maxNewTokens}, &resp); err != nil {
		return nil, err
	}
	return resp.Sequences, nil
}

// Decode detokenizes sequences.
func (c *Client) Decode(ctx context.Context, sequences [][]int, opts DecodeOptions) ([]string, error) {
	var resp decodeResponse
	req := decodeRequest{
		Sequences:                 sequences,
		SkipSpecialTokens:         opts.SkipSpecialTokens,
		CleanUpTokenizationSpaces: opts.CleanUpTokenizationSpaces,
	}
	if err := c.call(ctx, http.MethodPost, "/v1/decode", req, &resp); err != nil {
		return nil, err
	}
	return resp.Texts, nil
}

func encodeImages(pages []*document.PageImage) ([]string, error) {
	out := make([]string, len(pages))
	for i, p := range pages {
		data, err := p.PNG()
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", p.Ref(), err)
		}
		out[i] = base64.StdEncoding.EncodeToString(data)
	}
	return out, nil
}

func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("generator server error (status %d): %s", resp.StatusCode, string(b))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// InfoProvider reports what a generator runs on.
type InfoProvider interface {
	Info(ctx context.Context) (*Info, error)
}

// Acquire checks the generator once before any query is accepted. When
// requireAccelerator is set, a server without an accelerator is an error rather
// than a slow fallback.
func Acquire(ctx context.Context, p InfoProvider, requireAccelerator bool) (*Info, error) {
	info, err := p.Info(ctx)
	if err != nil {
		return nil, err
	}
	if requireAccelerator && !info.Accelerator {
		return nil, fmt.Errorf("%w: model %s is on device %q", ErrAcceleratorRequired, info.Model, info.Device)
	}
	return info, nil
}

// Ensure Client implements Model and InfoProvider.
var (
	_ Model        = (*Client)(nil)
	_ InfoProvider = (*Client)(nil)
)
