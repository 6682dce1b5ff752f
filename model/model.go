package model

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/promptmesh/core"
)

// Request captures the normalized model input produced by coders.
type Request struct {
	Instructions string         `json:"instructions"` // System instructions for the model
	Messages     []core.Message `json:"messages"`     // Chat history, last entry is the prompt
	Stream       bool           `json:"stream,omitempty"`
	MaxTokens    int            `json:"max_tokens,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates other into u.
func (u *TokenUsage) Add(other *TokenUsage) {
	if other == nil {
		return
	}

	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Response is a (partial or final) chunk emitted by a streaming model.
// Partial responses carry the text delta; the final response carries the
// complete text.
type Response struct {
	ID           string      `json:"id"`
	Partial      bool        `json:"partial"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", etc.
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Pricing is the cost per million tokens.
type Pricing struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}

// Cost returns the cost of usage under p.
func (p Pricing) Cost(usage TokenUsage) float64 {
	return float64(usage.PromptTokens)*p.InputPerMillion/1e6 +
		float64(usage.CompletionTokens)*p.OutputPerMillion/1e6
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string  `json:"name"`
	Provider string  `json:"provider"` // "openai", "anthropic", "mock", etc.
	Pricing  Pricing `json:"pricing"`
}

// Model is the minimal interface required by coders to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight in‑memory Model useful for tests & examples.
type MockModel struct {
	info      Info
	responses map[string]string
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:     name,
			Provider: provider,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) { m.responses[prompt] = response }

// SetPricing sets the pricing reported by Info.
func (m *MockModel) SetPricing(p Pricing) { m.info.Pricing = p }

// Generate implements Model; emits streaming word chunks then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if len(req.Messages) == 0 {
			errCh <- fmt.Errorf("no messages provided")
			return
		}

		inputText := req.Messages[len(req.Messages)-1].Content

		full := m.responses[inputText]
		if full == "" {
			full = fmt.Sprintf("Mock response to: %s", inputText)
		}

		if req.Stream {
			for _, word := range strings.SplitAfter(full, " ") {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: word}:
				}
			}
		}

		usage := &TokenUsage{
			PromptTokens:     len(strings.Fields(inputText)),
			CompletionTokens: len(strings.Fields(full)),
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Text: full, FinishReason: "stop", Usage: usage}:
		}
	}()

	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }
