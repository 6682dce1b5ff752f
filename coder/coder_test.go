package coder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/model"
)

type recordingIO struct {
	DiscardIO
	mu        sync.Mutex
	questions []core.Question
	outputs   []string
	commands  []MockCommand
	answer    bool
}

func (r *recordingIO) CommandOutput(command, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, MockCommand{Command: command, Output: output})
}

func (r *recordingIO) Output(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, text)
}

func (r *recordingIO) Confirm(_ context.Context, q core.Question) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.questions = append(r.questions, q)
	return r.answer, nil
}

func collect(t *testing.T, seq func(yield func(string, error) bool)) (string, error) {
	t.Helper()

	var sb strings.Builder
	for chunk, err := range seq {
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk)
	}
	return sb.String(), nil
}

func TestModelCoder_RunStream(t *testing.T) {
	m := model.NewMockModel("gpt-test", "mock")
	m.AddResponse("hello there", "general kenobi")
	m.SetPricing(model.Pricing{InputPerMillion: 1e6, OutputPerMillion: 2e6})

	c := NewModelCoder(m)

	text, err := collect(t, c.RunStream(context.Background(), "hello there"))
	require.NoError(t, err)
	assert.Equal(t, "general kenobi", text)
	assert.Equal(t, "general kenobi", c.PartialContent())

	// 2 prompt tokens at 1.0, 2 completion tokens at 2.0
	assert.InDelta(t, 6.0, c.TotalCost(), 1e-9)
	assert.Contains(t, c.UsageReport(), "Tokens: 2 sent, 2 received")
	assert.Equal(t, []core.Message{
		{Role: "user", Content: "hello there"},
		{Role: "assistant", Content: "general kenobi"},
	}, c.History())

	_, ok := c.LastCommit()
	assert.False(t, ok)
	_, err = c.Diff(context.Background(), "a", "b")
	assert.ErrorIs(t, err, core.ErrNoCommit)
}

func TestModelCoder_ArchitectAsksToEdit(t *testing.T) {
	m := model.NewMockModel("planner", "mock")
	io := &recordingIO{}

	c := NewModelCoder(m, func(o *Options) {
		o.Settings = core.ModelSettings{Name: "planner", EditFormat: EditFormatArchitect}
		o.IO = io
	})

	_, err := collect(t, c.RunStream(context.Background(), "plan it"))
	require.NoError(t, err)
	require.Len(t, io.questions, 1)
	assert.Equal(t, core.QuestionEditFiles, io.questions[0].Text)
}

func TestModelForker_Inherits(t *testing.T) {
	base := NewModelCoder(model.NewMockModel("main", "mock"), func(o *Options) {
		o.Files = []core.ContextFile{{Path: "/repo/a.go"}}
		o.Messages = []core.Message{{Role: "user", Content: "earlier"}}
	})
	base.Absorb(core.Result{TotalCost: 1.5, CommitHashes: []string{"abc"}})

	resolved := map[string]int{}
	f := NewModelForker(func(name string) (model.Model, error) {
		resolved[name]++
		if name == "missing" {
			return nil, errors.New("unknown model")
		}
		return model.NewMockModel(name, "mock"), nil
	})

	child, err := f.Fork(context.Background(), base, core.ForkOptions{})
	require.NoError(t, err)
	assert.Equal(t, base.ContextFiles(), child.ContextFiles())
	assert.Equal(t, 1.5, child.TotalCost())
	assert.Equal(t, []string{"abc"}, child.CommitHashes())
	assert.Equal(t, base.History(), child.(*ModelCoder).History())
	assert.Empty(t, resolved, "same model is reused")

	editor, err := f.Fork(context.Background(), base, core.ForkOptions{
		Settings:   &core.ModelSettings{Name: "editor"},
		EditFormat: "whole",
		Messages:   []core.Message{},
		Files:      []core.ContextFile{},
	})
	require.NoError(t, err)
	assert.Equal(t, "editor", editor.Settings().Name)
	assert.Equal(t, "whole", editor.Settings().EditFormat)
	assert.Empty(t, editor.ContextFiles())
	assert.Empty(t, editor.(*ModelCoder).History())

	_, err = f.Fork(context.Background(), base, core.ForkOptions{Settings: &core.ModelSettings{Name: "editor"}})
	require.NoError(t, err)
	assert.Equal(t, 1, resolved["editor"], "resolved models are cached")

	_, err = f.Fork(context.Background(), base, core.ForkOptions{Settings: &core.ModelSettings{Name: "missing"}})
	assert.Error(t, err)
}

func TestMockCoder_Script(t *testing.T) {
	io := &recordingIO{answer: true}
	c := NewMockCoder(
		MockRun{
			Chunks:      []string{"He", "llo"},
			Reflect:     "fix lint",
			Cost:        0.25,
			UsageReport: "Tokens: 1 sent",
			Ask:         &core.Question{Text: "Apply?"},
			Commit: &MockCommit{
				Message: "feat: greet",
				Files:   map[string]string{"main.go": "package main\n\nfunc main() {}\n"},
			},
		},
		MockRun{Partial: "non streamed", Err: errors.New("rate limited")},
	)
	c.SetIO(io)

	text, err := collect(t, c.RunStream(context.Background(), "first"))
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, "Hello", c.PartialContent())
	assert.Equal(t, "fix lint", c.ReflectedMessage())
	assert.Empty(t, c.ReflectedMessage(), "reflected message is consumed")
	assert.Equal(t, []bool{true}, c.Answers())
	assert.Equal(t, []string{"main.go"}, c.EditedFiles())
	assert.Equal(t, 0.25, c.TotalCost())

	commit, ok := c.LastCommit()
	require.True(t, ok)
	assert.Equal(t, "feat: greet", commit.Message)
	assert.Contains(t, io.outputs, "Commit "+commit.Hash+" feat: greet")

	diff, err := c.Diff(context.Background(), commit.Hash+"~1", commit.Hash)
	require.NoError(t, err)
	assert.Contains(t, diff, "+++ b/main.go")
	assert.Contains(t, diff, "func main()")

	text, err = collect(t, c.RunStream(context.Background(), "second"))
	assert.EqualError(t, err, "rate limited")
	assert.Empty(t, text)
	assert.Equal(t, "non streamed", c.PartialContent())

	assert.Equal(t, []string{"first", "second"}, c.Prompts())
}

func TestMockCoder_DiffUnknownRevision(t *testing.T) {
	_, err := NewMockCoder().Diff(context.Background(), "nope~1", "nope")
	assert.ErrorIs(t, err, core.ErrNoCommit)
}

func TestMockCoder_Absorb(t *testing.T) {
	c := NewMockCoder()
	c.Absorb(core.Result{TotalCost: 2, EditedFiles: []string{"x.go"}, CommitHashes: []string{"h1"}})
	assert.Equal(t, 2.0, c.TotalCost())
	assert.Equal(t, []string{"x.go"}, c.EditedFiles())
	assert.Equal(t, []string{"h1"}, c.CommitHashes())

	c.Absorb(core.Result{TotalCost: 3})
	assert.Equal(t, []string{"x.go"}, c.EditedFiles(), "nil edited files keep the current value")
}

func TestMockForker(t *testing.T) {
	base := NewMockCoder().WithFiles(core.ContextFile{Path: "a.go"})
	base.Absorb(core.Result{TotalCost: 1})

	prepared := NewMockCoder(MockRun{Chunks: []string{"x"}})
	f := NewMockForker(prepared)

	child, err := f.Fork(context.Background(), base, core.ForkOptions{
		Settings: &core.ModelSettings{Name: "architect"},
		Messages: []core.Message{{Role: "user", Content: "m"}},
	})
	require.NoError(t, err)
	assert.Same(t, prepared, child)
	assert.Equal(t, "architect", child.Settings().Name)
	assert.Equal(t, []core.ContextFile{{Path: "a.go"}}, child.ContextFiles())
	assert.Equal(t, 1.0, child.TotalCost())
	assert.Len(t, prepared.Messages(), 1)

	f.FailWith(errors.New("nope"))
	_, err = f.Fork(context.Background(), base, core.ForkOptions{})
	assert.Error(t, err)
	assert.Len(t, f.Calls(), 2)
}

func TestModelCoder_ApplyEdits(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(existing, []byte("package a\n\nvar x = 1\n"), 0o600))
	created := filepath.Join(dir, "sub", "b.go")

	c := NewModelCoder(model.NewMockModel("main", "mock"))

	err := c.ApplyEdits(context.Background(), []core.Edit{
		{Path: existing, Original: "x = 1", Updated: "x = 2"},
		{Path: created, Updated: "package sub\n"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "package a\n\nvar x = 2\n", string(data))

	info, err := os.Stat(existing)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err = os.ReadFile(created)
	require.NoError(t, err)
	assert.Equal(t, "package sub\n", string(data))
	assert.Equal(t, []string{existing, created}, c.EditedFiles())

	err = c.ApplyEdits(context.Background(), []core.Edit{{Path: existing, Original: "x = 1", Updated: "x = 3"}})
	require.ErrorIs(t, err, core.ErrEditMismatch)

	err = c.ApplyEdits(context.Background(), []core.Edit{{Path: filepath.Join(dir, "missing.go"), Original: "x", Updated: "y"}})
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestModelCoder_RunCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("here"), 0o600))

	io := &recordingIO{}
	c := NewModelCoder(model.NewMockModel("main", "mock"), func(o *Options) {
		o.Messages = []core.Message{{Role: "user", Content: "earlier"}}
		o.IO = io
		o.WorkDir = dir
	})
	ctx := context.Background()

	require.NoError(t, c.RunCommand(ctx, "/run cat marker.txt"))
	require.NoError(t, c.RunCommand(ctx, "/test exit 3"))
	require.NoError(t, c.RunCommand(ctx, "/tokens"))
	assert.Equal(t, []MockCommand{
		{Command: "cat marker.txt", Output: "here"},
		{Command: "exit 3", Output: ""},
		{Command: "/tokens", Output: "No tokens used yet."},
	}, io.commands)

	require.NoError(t, c.RunCommand(ctx, "/clear"))
	assert.Empty(t, c.History())

	assert.Error(t, c.RunCommand(ctx, "/run"))
	assert.ErrorIs(t, c.RunCommand(ctx, "/architect plan"), core.ErrUnsupportedCommand)
}

func TestModelForker_RefreshResolvesAgain(t *testing.T) {
	base := NewModelCoder(model.NewMockModel("main", "mock"), func(o *Options) {
		o.WorkDir = "/repo"
	})

	resolved := 0
	f := NewModelForker(func(name string) (model.Model, error) {
		resolved++
		return model.NewMockModel(name, "mock"), nil
	})

	child, err := f.Fork(context.Background(), base, core.ForkOptions{})
	require.NoError(t, err)
	assert.Zero(t, resolved)
	assert.Equal(t, "/repo", child.(*ModelCoder).workDir)

	refreshed, err := f.Fork(context.Background(), base, core.ForkOptions{Refresh: true})
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.NotSame(t, base.Model(), refreshed.(*ModelCoder).Model())
	assert.Equal(t, "main", refreshed.Settings().Name)
}

func TestMockCoder_EditsAndCommands(t *testing.T) {
	io := &recordingIO{}
	m := NewMockCoder().WithCommand("/run make", MockCommand{Command: "make", Output: "ok"})
	m.SetIO(io)
	ctx := context.Background()

	edits := []core.Edit{{Path: "/repo/a.go", Original: "x", Updated: "y"}}
	require.NoError(t, m.ApplyEdits(ctx, edits))
	assert.Equal(t, edits, m.AppliedEdits())
	assert.Equal(t, []string{"/repo/a.go"}, m.EditedFiles())

	boom := errors.New("boom")
	m.FailEditsWith(boom)
	assert.ErrorIs(t, m.ApplyEdits(ctx, edits), boom)

	require.NoError(t, m.RunCommand(ctx, "/run make"))
	require.NoError(t, m.RunCommand(ctx, "/clear"))
	assert.Equal(t, []string{"/run make", "/clear"}, m.Commands())
	assert.Equal(t, []MockCommand{{Command: "make", Output: "ok"}}, io.commands)
}
