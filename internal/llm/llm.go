// Package llm provides interfaces and implementations for vision-capable Large Language Model clients.
package llm

import (
	"context"
)

// GenerateOptions configures the LLM generation request.
type GenerateOptions struct {
	// Model specifies the LLM model to use (e.g., "qwen2.5vl", "llava").
	Model string

	// SystemPrompt sets the system-level instructions for the model.
	SystemPrompt string

	// Images are raw encoded images (PNG or JPEG) attached to the prompt.
	Images [][]byte

	// Format constrains the response, e.g. "json". Empty means free text.
	Format string

	// Temperature controls randomness in generation (0.0 = deterministic, 1.0 = creative).
	Temperature float32

	// MaxTokens limits the maximum number of tokens in the response.
	MaxTokens int
}

// LLM defines the interface for Large Language Model clients.
type LLM interface {
	// Generate sends a prompt, with any attached images, to the LLM and returns
	// the complete response. It blocks until the full response is received or an
	// error occurs.
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}
