package testutil

import "github.com/hupe1980/promptmesh/core"

// PromptBuilder provides a fluent helper for constructing prompt commands.
// Example:
//
//	cmd := NewPromptBuilder("p1").Content("fix it").Architect("big").Build()
//
// Chain only the parts you need; mode defaults to "code".
type PromptBuilder struct {
	cmd core.SubmitPrompt
}

// NewPromptBuilder creates a builder for prompt id.
func NewPromptBuilder(id string) *PromptBuilder {
	return &PromptBuilder{cmd: core.SubmitPrompt{ID: id, Mode: core.ModeCode}}
}

// Content sets the prompt text (chainable).
func (b *PromptBuilder) Content(s string) *PromptBuilder { b.cmd.Content = s; return b }

// Mode sets the prompt mode (chainable).
func (b *PromptBuilder) Mode(m string) *PromptBuilder { b.cmd.Mode = m; return b }

// Architect switches to architect mode with the given architect model (chainable).
func (b *PromptBuilder) Architect(model string) *PromptBuilder {
	b.cmd.Mode = core.ModeArchitect
	b.cmd.ArchitectModel = model
	return b
}

// Group attaches the prompt to a group (chainable).
func (b *PromptBuilder) Group(id string) *PromptBuilder {
	b.cmd.Group = &core.PromptGroup{ID: id}
	return b
}

// Message appends a history message (chainable).
func (b *PromptBuilder) Message(role, content string) *PromptBuilder {
	b.cmd.Messages = append(b.cmd.Messages, core.Message{Role: role, Content: content})
	return b
}

// File appends a context file (chainable).
func (b *PromptBuilder) File(path string, readOnly bool) *PromptBuilder {
	b.cmd.Files = append(b.cmd.Files, core.ContextFile{Path: path, ReadOnly: readOnly})
	return b
}

// Build returns the command.
func (b *PromptBuilder) Build() core.SubmitPrompt { return b.cmd }
