package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/promptmesh/coder"
	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/internal/testutil"
)

func (f *fixture) command(t *testing.T, cmd core.RunCommand) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testutil.DefaultWait)
	defer cancel()

	task, err := f.engine.RunCommand(ctx, cmd)
	require.NoError(t, err)

	return task.Wait(ctx)
}

func TestRunCommand_ShellOutputIsAnnouncedAndReplayed(t *testing.T) {
	child := coder.NewMockCoder().WithCommand("/run go test ./...", coder.MockCommand{
		Command: "go test ./...",
		Output:  "ok  example 0.1s",
	})
	f := newFixture(t, []*coder.MockCoder{child})

	require.NoError(t, f.command(t, core.RunCommand{
		Command:  "/run go test ./...",
		Messages: []core.Message{{Role: "user", Content: "hi"}},
		Files:    []core.ContextFile{{Path: "a.go"}},
	}))

	assert.Equal(t, []string{"/run go test ./..."}, child.Commands())

	calls := f.forker.Calls()
	require.Len(t, calls, 1)
	assert.Same(t, f.base, calls[0].Base)
	assert.Equal(t, []core.Message{{Role: "user", Content: "hi"}}, calls[0].Opts.Messages)
	assert.Equal(t, []core.ContextFile{{Path: filepath.Join(f.engine.Session().BaseDir(), "a.go")}}, calls[0].Opts.Files)

	var (
		used     []core.UseCommandOutputEvent
		messages []core.AddContextMessageEvent
	)

	for _, ev := range f.rec.Events() {
		switch e := ev.(type) {
		case core.UseCommandOutputEvent:
			used = append(used, e)
		case core.AddContextMessageEvent:
			messages = append(messages, e)
		}
	}

	assert.Equal(t, []core.UseCommandOutputEvent{
		{Command: "go test ./..."},
		{Command: "go test ./...", Finished: true},
	}, used)
	assert.Equal(t, []core.AddContextMessageEvent{
		{Role: "user", Content: "ok  example 0.1s"},
		{Role: "assistant", Content: "Ok."},
	}, messages)
}

func TestRunCommand_ResetSendsContextFiles(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.command(t, core.RunCommand{Command: "/reset"}))

	events := f.rec.Events()
	require.Len(t, events, 1)
	assert.IsType(t, core.UpdateContextFilesEvent{}, events[0])
	assert.Empty(t, f.forker.Calls())
}

func TestRunCommand_ForkFailureIsReported(t *testing.T) {
	f := newFixture(t, nil)
	f.forker.FailWith(errors.New("no model"))

	err := f.command(t, core.RunCommand{Command: "/tokens"})
	require.Error(t, err)

	logs := f.rec.Logs(core.LogError)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "Command /tokens failed")
	assert.Contains(t, logs[0].Message, "no model")
}

func TestHandle_ApplyEdits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	baseDir := f.engine.Session().BaseDir()

	require.NoError(t, f.engine.Handle(ctx, core.ApplyEdits{Edits: []core.Edit{
		{Path: "a.go", Original: "x", Updated: "y"},
		{Path: "/abs/b.go", Updated: "package b"},
	}}))
	require.NoError(t, f.engine.Handle(ctx, core.ApplyEdits{Edits: []core.Edit{
		{Path: "c.go", Updated: "package c"},
	}}))

	assert.Equal(t, []core.Edit{
		{Path: filepath.Join(baseDir, "a.go"), Original: "x", Updated: "y"},
		{Path: "/abs/b.go", Updated: "package b"},
		{Path: filepath.Join(baseDir, "c.go"), Updated: "package c"},
	}, f.base.AppliedEdits())

	infos := f.rec.Logs(core.LogInfo)
	require.Len(t, infos, 2)
	assert.Equal(t, "Files have been updated.", infos[0].Message)
	assert.Equal(t, "File has been updated.", infos[1].Message)

	f.base.FailEditsWith(core.ErrEditMismatch)

	err := f.engine.Handle(ctx, core.ApplyEdits{Edits: []core.Edit{{Path: "a.go", Original: "x"}}})
	require.ErrorIs(t, err, core.ErrEditMismatch)

	errs := f.rec.Logs(core.LogError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "Failed to apply edits")
}

func TestHandle_UpdateEnvVarsRefreshesModels(t *testing.T) {
	t.Setenv("PROMPTMESH_TEST_API_KEY", "old")

	f := newFixture(t, nil)

	require.NoError(t, f.engine.Handle(context.Background(), core.UpdateEnvVars{
		Vars: map[string]string{"PROMPTMESH_TEST_API_KEY": "new"},
	}))

	assert.Equal(t, "new", os.Getenv("PROMPTMESH_TEST_API_KEY"))

	calls := f.forker.Calls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Opts.Refresh)
	require.NotNil(t, calls[0].Opts.Settings)
	assert.Equal(t, "main", calls[0].Opts.Settings.Name)
	assert.Equal(t, "weak", calls[0].Opts.Settings.WeakModel)

	next := f.engine.Session().Coder()
	assert.NotSame(t, f.base, next)
	assert.Equal(t, "main", next.Settings().Name)
}

func TestHandle_IgnoresEmptyRequests(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, cmd := range []core.Command{
		core.SubmitPrompt{ID: "p1", Mode: core.ModeCode},
		core.SetModels{EditFormat: core.DefaultEditFormat},
		core.RunCommand{},
		core.ApplyEdits{},
		core.UpdateEnvVars{Vars: map[string]string{}},
	} {
		require.NoError(t, f.engine.Handle(ctx, cmd), cmd.Action())
	}

	assert.Empty(t, f.engine.Registry().IDs(ctx))
	assert.Empty(t, f.forker.Calls())
	assert.Empty(t, f.rec.Events())
	assert.Same(t, f.base, f.engine.Session().Coder())
	assert.Empty(t, f.base.AppliedEdits())
}
