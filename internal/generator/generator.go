// Package generator drives a vision-language model: it encodes a prompt, runs
// generation and decodes only the tokens the model produced.
package generator

import (
	"context"
	"errors"
	"fmt"

	"github.com/knoguchi/pagerag/internal/document"
	"github.com/knoguchi/pagerag/internal/prompt"
)

// FallbackAnswer is returned when decoding yields no text at all.
const FallbackAnswer = "No answer could be generated."

// VisionInputsVersion is the current layout of VisionInputs.
const VisionInputsVersion = 1

var (
	// ErrAcceleratorRequired is returned by Acquire when the model server runs
	// without an accelerator and one is required.
	ErrAcceleratorRequired = errors.New("generator requires an accelerator but none is available")

	// ErrShortSequence is returned when a generated sequence is shorter than its input.
	ErrShortSequence = errors.New("generated sequence shorter than its input")
)

// VisionInputs is the media extracted from a prompt for the encode step. Videos is
// empty for every prompt this service assembles; encoders branch on the field,
// not on how many values they got back.
type VisionInputs struct {
	Version int
	Images  []*document.PageImage
	Videos  []*document.PageImage
}

// ExtractVisionInputs collects the prompt's images in order.
func ExtractVisionInputs(p *prompt.Prompt) VisionInputs {
	return VisionInputs{
		Version: VisionInputsVersion,
		Images:  p.Images(),
	}
}

// InputBundle is the model-native encoding of one prompt batch.
type InputBundle struct {
	// Handle references the encoded tensors held by the model server.
	Handle string

	// InputIDs holds the prompt tokens of each batch element.
	InputIDs [][]int

	// Vision is the media that was encoded alongside the text.
	Vision VisionInputs
}

// DecodeOptions controls detokenization.
type DecodeOptions struct {
	SkipSpecialTokens         bool
	CleanUpTokenizationSpaces bool
}

// Model is the generator capability.
type Model interface {
	// Encode turns a prompt into model inputs.
	Encode(ctx context.Context, p *prompt.Prompt) (*InputBundle, error)

	// Generate returns one sequence per batch element: the input tokens followed
	// by the newly generated tokens.
	Generate(ctx context.Context, in *InputBundle, maxNewTokens int) ([][]int, error)

	// Decode turns token sequences into text.
	Decode(ctx context.Context, sequences [][]int, opts DecodeOptions) ([]string, error)
}

// Generator answers prompts with a Model.
type Generator struct {
	model Model
}

// New returns a Generator over model.
func New(model Model) *Generator {
	return &Generator{model: model}
}

// Generate produces the answer text for p. Only newly generated tokens are
// decoded, special tokens are skipped and tokenizer space clean-up is disabled so
// the text matches what the model emitted.
func (g *Generator) Generate(ctx context.Context, p *prompt.Prompt, maxNewTokens int) (string, error) {
	in, err := g.model.Encode(ctx, p)
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}

	out, err := g.model.Generate(ctx, in, maxNewTokens)
	if err != nil {
		return "", fmt.Errorf("generate: %w", err)
	}

	trimmed, err := TrimPrompt(in.InputIDs, out)
	if err != nil {
		return "", err
	}

	texts, err := g.model.Decode(ctx, trimmed, DecodeOptions{
		SkipSpecialTokens:         true,
		CleanUpTokenizationSpaces: false,
	})
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	if len(texts) == 0 {
		return FallbackAnswer, nil
	}
	return texts[0], nil
}

// TrimPrompt removes the echoed input prefix from each output sequence, pairing
// inputs and outputs by batch position. Extra elements on either side are ignored.
func TrimPrompt(inputs, outputs [][]int) ([][]int, error) {
	n := min(len(inputs), len(outputs))
	trimmed := make([][]int, n)
	for i := range n {
		in, out := inputs[i], outputs[i]
		if len(out) < len(in) {
			return nil, fmt.Errorf("%w: element %d has %d tokens for %d input tokens", ErrShortSequence, i, len(out), len(in))
		}
		trimmed[i] = out[len(in):]
	}
	return trimmed, nil
}
