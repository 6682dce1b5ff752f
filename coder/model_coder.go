package coder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os/exec"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/model"
)

// EditFormatArchitect makes a ModelCoder ask core.QuestionEditFiles once
// its plan is complete.
const EditFormatArchitect = "architect"

// Options configures a ModelCoder.
type Options struct {
	Settings     core.ModelSettings
	Instructions string
	Messages     []core.Message
	Files        []core.ContextFile
	IO           core.IO
	// WorkDir is the directory shell commands run in. Empty means the
	// process working directory.
	WorkDir string
}

// ModelCoder is a core.Coder backed by a model.Model. It has no repository:
// it never commits and Diff reports core.ErrNoCommit.
type ModelCoder struct {
	model model.Model

	mu           sync.Mutex
	settings     core.ModelSettings
	instructions string
	workDir      string
	io           core.IO
	history      []core.Message
	files        []core.ContextFile
	partial      string
	usage        model.TokenUsage
	lastCost     float64
	totalCost    float64
	edited       []string
	commits      []string
}

// NewModelCoder creates a ModelCoder talking to m.
func NewModelCoder(m model.Model, optFns ...func(o *Options)) *ModelCoder {
	opts := Options{
		Settings: core.ModelSettings{
			Name:       m.Info().Name,
			EditFormat: core.DefaultEditFormat,
		},
		IO: DiscardIO{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &ModelCoder{
		model:        m,
		settings:     opts.Settings,
		instructions: opts.Instructions,
		workDir:      opts.WorkDir,
		io:           opts.IO,
		history:      slices.Clone(opts.Messages),
		files:        slices.Clone(opts.Files),
	}
}

// Model returns the backing model.
func (c *ModelCoder) Model() model.Model { return c.model }

// RunStream implements core.Coder. The prompt and the completed reply are
// appended to the chat history.
func (c *ModelCoder) RunStream(ctx context.Context, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		c.mu.Lock()
		c.partial = ""
		c.edited = nil
		req := model.Request{
			Instructions: c.buildInstructions(),
			Messages:     append(slices.Clone(c.history), core.Message{Role: "user", Content: prompt}),
			Stream:       true,
		}
		c.mu.Unlock()

		respCh, errCh := c.model.Generate(ctx, req)

		var (
			sb       strings.Builder
			final    *model.Response
			stopped  bool
			streamed bool
		)

		for resp := range respCh {
			if stopped {
				continue // drain so the producer can exit
			}

			if resp.Partial {
				streamed = true
				sb.WriteString(resp.Text)

				c.mu.Lock()
				c.partial = sb.String()
				c.mu.Unlock()

				if !yield(resp.Text, nil) {
					stopped = true
				}

				continue
			}

			r := resp
			final = &r
		}

		if err := <-errCh; err != nil {
			if !stopped {
				yield("", err)
			}

			return
		}

		if stopped || final == nil {
			return
		}

		text := final.Text
		if text == "" && streamed {
			text = sb.String()
		}

		c.mu.Lock()
		c.partial = text
		c.history = append(c.history,
			core.Message{Role: "user", Content: prompt},
			core.Message{Role: "assistant", Content: text},
		)
		c.usage = model.TokenUsage{}
		c.usage.Add(final.Usage)
		c.lastCost = c.model.Info().Pricing.Cost(c.usage)
		c.totalCost += c.lastCost
		architect := c.settings.EditFormat == EditFormatArchitect
		io := c.io
		c.mu.Unlock()

		if architect && text != "" {
			if _, err := io.Confirm(ctx, core.Question{Text: core.QuestionEditFiles, Default: "y"}); err != nil && !errors.Is(err, context.Canceled) {
				io.Error(fmt.Sprintf("confirm edit: %v", err))
			}
		}
	}
}

func (c *ModelCoder) buildInstructions() string {
	if len(c.files) == 0 {
		return c.instructions
	}

	var sb strings.Builder

	sb.WriteString(c.instructions)

	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}

	sb.WriteString("Files in the chat:\n")

	for _, f := range c.files {
		if f.ReadOnly {
			fmt.Fprintf(&sb, "- %s (read-only)\n", f.Path)
		} else {
			fmt.Fprintf(&sb, "- %s\n", f.Path)
		}
	}

	return sb.String()
}

// PartialContent implements core.Coder.
func (c *ModelCoder) PartialContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.partial
}

// UsageReport implements core.Coder.
func (c *ModelCoder) UsageReport() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.usage.TotalTokens == 0 && c.usage.PromptTokens == 0 && c.usage.CompletionTokens == 0 {
		return ""
	}

	return fmt.Sprintf("Tokens: %d sent, %d received. Cost: $%.4f message.",
		c.usage.PromptTokens, c.usage.CompletionTokens, c.lastCost)
}

// TotalCost implements core.Coder.
func (c *ModelCoder) TotalCost() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.totalCost
}

// EditedFiles implements core.Coder.
func (c *ModelCoder) EditedFiles() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.edited)
}

// CommitHashes implements core.Coder.
func (c *ModelCoder) CommitHashes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.commits)
}

// LastCommit implements core.Coder. A ModelCoder never commits.
func (c *ModelCoder) LastCommit() (core.Commit, bool) { return core.Commit{}, false }

// Diff implements core.Coder.
func (c *ModelCoder) Diff(context.Context, string, string) (string, error) {
	return "", core.ErrNoCommit
}

// ReflectedMessage implements core.Coder. A ModelCoder never reflects.
func (c *ModelCoder) ReflectedMessage() string { return "" }

// ContextFiles implements core.Coder.
func (c *ModelCoder) ContextFiles() []core.ContextFile {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.files)
}

// History returns a copy of the chat history.
func (c *ModelCoder) History() []core.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.history)
}

// Settings implements core.Coder.
func (c *ModelCoder) Settings() core.ModelSettings {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.settings
}

// SetIO implements core.Coder.
func (c *ModelCoder) SetIO(io core.IO) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.io = io
}

// Result implements core.Coder.
func (c *ModelCoder) Result() core.Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	return core.Result{
		EditedFiles:  slices.Clone(c.edited),
		TotalCost:    c.totalCost,
		CommitHashes: slices.Clone(c.commits),
	}
}

// Absorb implements core.Coder.
func (c *ModelCoder) Absorb(r core.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalCost = r.TotalCost

	if r.CommitHashes != nil {
		c.commits = slices.Clone(r.CommitHashes)
	}

	if r.EditedFiles != nil {
		c.edited = slices.Clone(r.EditedFiles)
	}
}

// ApplyEdits implements core.Coder. Paths are used as given; callers
// resolve them against the project root.
func (c *ModelCoder) ApplyEdits(_ context.Context, edits []core.Edit) error {
	for _, e := range edits {
		if err := applyEdit(e); err != nil {
			return err
		}

		c.mu.Lock()
		if !slices.Contains(c.edited, e.Path) {
			c.edited = append(c.edited, e.Path)
		}
		c.mu.Unlock()
	}

	return nil
}

// RunCommand implements core.Coder. It understands /clear, /tokens, /run
// and /test; a failing shell command is reported through its output.
func (c *ModelCoder) RunCommand(ctx context.Context, command string) error {
	name, arg := shellCommand(command)

	c.mu.Lock()
	io, dir := c.io, c.workDir
	c.mu.Unlock()

	switch name {
	case "/clear":
		c.mu.Lock()
		c.history = nil
		c.mu.Unlock()

		return nil
	case "/tokens":
		report := c.UsageReport()
		if report == "" {
			report = "No tokens used yet."
		}

		io.CommandOutput(name, report)

		return nil
	case "/run", "/test":
		if arg == "" {
			return fmt.Errorf("%s: missing shell command", name)
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", arg)
		cmd.Dir = dir

		out, err := cmd.CombinedOutput()

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return fmt.Errorf("%s %s: %w", name, arg, err)
		}

		io.CommandOutput(arg, string(out))

		return nil
	default:
		return fmt.Errorf("%s: %w", name, core.ErrUnsupportedCommand)
	}
}

var _ core.Coder = (*ModelCoder)(nil)
