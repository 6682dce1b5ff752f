package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/registry"
)

// RunCommand submits cmd as a task and returns as soon as it runs. The
// command runs against a coder derived from the session coder with the
// command's messages and files.
func (e *Engine) RunCommand(ctx context.Context, cmd core.RunCommand) (*registry.Task, error) {
	return e.registry.SubmitTask(ctx, "", nil, func(ctx context.Context, t *registry.Task) error {
		err := e.runCommand(ctx, t, cmd)
		if err != nil && !t.Cancelled() && !errors.Is(err, context.Canceled) {
			e.logger.Error("command %s: %v", cmd.Command, err)

			msg := fmt.Sprintf("Command %s failed: %v", cmd.Command, err)
			if emitErr := e.Emit(context.WithoutCancel(ctx), core.NewLogEvent(core.LogError, msg, false, nil)); emitErr != nil {
				e.logger.Debug("command %s: dropped error report: %v", cmd.Command, emitErr)
			}
		}

		return err
	})
}

func (e *Engine) runCommand(ctx context.Context, t *registry.Task, cmd core.RunCommand) error {
	name, arg, _ := strings.Cut(strings.TrimSpace(cmd.Command), " ")

	switch name {
	case "/reset", "/drop":
		return e.Emit(ctx, core.UpdateContextFilesEvent{Files: e.session.ContextFiles()})
	}

	io := newTaskIO(ctx, e, t, core.PromptContext{ID: t.ID()})
	t.SetSilencer(io)

	c, err := e.forker.Fork(ctx, e.session.Coder(), core.ForkOptions{
		Messages: cmd.Messages,
		Files:    e.session.ResolveFiles(cmd.Files),
		IO:       io,
	})
	if err != nil {
		return fmt.Errorf("fork coder for command %s: %w", name, err)
	}

	t.SetCoder(c)

	switch name {
	case "/run", "/test":
		io.announceCommand(strings.TrimSpace(arg))
	case "/tokens":
		io.announceCommand(name)
	}

	err = c.RunCommand(ctx, cmd.Command)

	io.resetShell()

	if err != nil {
		return err
	}

	if err := t.Transition(core.TaskFinishing); err != nil {
		return err
	}

	return e.replayCommandOutputs(ctx, io)
}

// ApplyEdits applies client edits through the session coder and reports
// the outcome to the client. Relative paths are resolved against the base
// directory.
func (e *Engine) ApplyEdits(ctx context.Context, cmd core.ApplyEdits) error {
	edits := make([]core.Edit, 0, len(cmd.Edits))
	for _, ed := range cmd.Edits {
		ed.Path = e.session.Resolve(ed.Path)
		edits = append(edits, ed)
	}

	if err := e.session.Coder().ApplyEdits(ctx, edits); err != nil {
		e.logger.Warn("apply edits: %v", err)

		msg := fmt.Sprintf("Failed to apply edits: %v", err)
		_ = e.Emit(ctx, core.NewLogEvent(core.LogError, msg, false, nil))

		return fmt.Errorf("apply edits: %w", err)
	}

	msg := "File has been updated."
	if len(edits) > 1 {
		msg = "Files have been updated."
	}

	return e.Emit(ctx, core.NewLogEvent(core.LogInfo, msg, false, nil))
}

// UpdateEnvVars sets the given process environment variables and replaces
// the session coder with a fork whose models are resolved again.
func (e *Engine) UpdateEnvVars(ctx context.Context, cmd core.UpdateEnvVars) error {
	keys := slices.Sorted(maps.Keys(cmd.Vars))

	for _, k := range keys {
		if err := os.Setenv(k, cmd.Vars[k]); err != nil {
			msg := fmt.Sprintf("Failed to update environment variables: %v", err)
			_ = e.Emit(ctx, core.NewLogEvent(core.LogError, msg, false, nil))

			return fmt.Errorf("update env vars: %w", err)
		}
	}

	e.logger.Info("updated environment variables %s", strings.Join(keys, ", "))

	base := e.session.Coder()
	settings := base.Settings()

	next, err := e.forker.Fork(ctx, base, core.ForkOptions{
		Refresh:  true,
		Settings: &settings,
	})
	if err != nil {
		e.logger.Warn("refresh models: %v", err)
		return fmt.Errorf("refresh models: %w", err)
	}

	e.session.SetCoder(next)

	return nil
}
