// Package prompt assembles the multimodal chat prompt handed to the generator.
package prompt

import "github.com/knoguchi/pagerag/internal/document"

// DefaultInstruction prefixes the query when wrapping is enabled.
const DefaultInstruction = "Based on the provided images, answer the following question: "

// RoleUser is the only role the assembler emits.
const RoleUser = "user"

// ContentType discriminates content items.
type ContentType string

const (
	ContentImage ContentType = "image"
	ContentText  ContentType = "text"
)

// ContentItem is either an image (Page set) or a text item (Text set).
type ContentItem struct {
	Type ContentType
	Page *document.PageImage
	Text string
}

// Message is one chat turn.
type Message struct {
	Role    string
	Content []ContentItem
}

// Prompt is the full conversation sent to the generator. It always holds exactly
// one user message; earlier answers are never replayed.
type Prompt struct {
	Messages []Message
}

// Images returns the pages referenced by the prompt, in order.
func (p *Prompt) Images() []*document.PageImage {
	var out []*document.PageImage
	for _, m := range p.Messages {
		for _, c := range m.Content {
			if c.Type == ContentImage {
				out = append(out, c.Page)
			}
		}
	}
	return out
}

// Assembler builds prompts. The zero value sends the raw query.
type Assembler struct {
	instruction string
	wrap        bool
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithInstruction wraps the query in the given instruction prefix.
func WithInstruction(instruction string) Option {
	return func(a *Assembler) {
		a.instruction = instruction
		a.wrap = true
	}
}

// WithRawQuery sends the query unchanged.
func WithRawQuery() Option {
	return func(a *Assembler) {
		a.wrap = false
	}
}

// NewAssembler returns an assembler that wraps queries in DefaultInstruction
// unless configured otherwise.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{instruction: DefaultInstruction, wrap: true}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assemble emits one user turn: an image item per page, in order, then one text item.
// Zero pages produce a text-only prompt.
func (a *Assembler) Assemble(query string, pages []*document.PageImage) *Prompt {
	content := make([]ContentItem, 0, len(pages)+1)
	for _, p := range pages {
		content = append(content, ContentItem{Type: ContentImage, Page: p})
	}

	text := query
	if a.wrap {
		text = a.instruction + query
	}
	content = append(content, ContentItem{Type: ContentText, Text: text})

	return &Prompt{Messages: []Message{{Role: RoleUser, Content: content}}}
}
