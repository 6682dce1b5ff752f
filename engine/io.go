package engine

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/interaction"
	"github.com/hupe1980/promptmesh/registry"
)

// DefaultIgnoredWarnings are coder warnings never forwarded to the client.
var DefaultIgnoredWarnings = []string{
	"Warning: it's best to only add files that need changes to the chat.",
	"https://aider.chat/docs/troubleshooting/edit-errors.html",
}

// DefaultIgnoredErrorSuffixes mark coder errors never forwarded to the client.
var DefaultIgnoredErrorSuffixes = []string{
	"is already in the chat as a read-only file",
	"is already in the chat as an editable file",
}

const (
	runningPrefix       = "Running "
	commitPrefix        = "Commit "
	runShellPrefix      = "Run shell command"
	commandOutputSuffix = "command output to the chat?"
)

// taskIO is the core.IO handed to a prompt's coder. Every emission goes
// through the engine's loop under the task's context, and stops once the
// task is silenced.
type taskIO struct {
	engine *Engine
	ctx    context.Context
	task   *registry.Task
	pc     core.PromptContext

	silenced atomic.Bool

	mu                sync.Mutex
	runningShell      bool
	currentCommand    string
	processingLoading bool
	outputs           []string
}

func newTaskIO(ctx context.Context, e *Engine, t *registry.Task, pc core.PromptContext) *taskIO {
	return &taskIO{
		engine: e,
		ctx:    ctx,
		task:   t,
		pc:     pc,
	}
}

// Silence implements registry.Silencer.
func (io *taskIO) Silence() { io.silenced.Store(true) }

func (io *taskIO) emit(ev core.Event) {
	if io.silenced.Load() {
		return
	}

	if err := io.engine.Emit(io.ctx, ev); err != nil {
		io.engine.logger.Debug("prompt %s: dropped %s event: %v", io.pc.ID, ev.Action(), err)
	}
}

func (io *taskIO) log(level, message string, finished bool) {
	pc := io.pc
	io.emit(core.NewLogEvent(level, message, finished, &pc))
}

// Output implements core.IO. While a shell command runs, "Running ..." lines
// announce the command; otherwise commit notices become info logs.
func (io *taskIO) Output(text string) {
	if io.silenced.Load() {
		return
	}

	io.mu.Lock()
	if io.runningShell {
		if strings.HasPrefix(text, runningPrefix) && io.currentCommand == "" {
			io.currentCommand = strings.TrimPrefix(text, runningPrefix)
			command := io.currentCommand
			io.mu.Unlock()

			io.emit(core.UseCommandOutputEvent{Command: command})

			return
		}
		io.mu.Unlock()

		return
	}
	io.mu.Unlock()

	if strings.HasPrefix(text, commitPrefix) {
		io.log(core.LogInfo, text, true)
	}
}

// Warning implements core.IO.
func (io *taskIO) Warning(text string) {
	if io.silenced.Load() || slices.Contains(io.engine.opts.IgnoredWarnings, text) {
		return
	}

	io.mu.Lock()
	finished := io.processingLoading
	io.mu.Unlock()

	io.log(core.LogWarning, text, finished)
}

// Error implements core.IO.
func (io *taskIO) Error(text string) {
	if io.silenced.Load() {
		return
	}

	for _, suffix := range io.engine.opts.IgnoredErrorSuffixes {
		if strings.HasSuffix(text, suffix) {
			return
		}
	}

	io.engine.logger.Error("prompt %s: %s", io.pc.ID, text)
	io.log(core.LogError, text, false)
}

// Loading implements core.IO.
func (io *taskIO) Loading(message string, finished bool) {
	if io.silenced.Load() {
		return
	}

	io.mu.Lock()
	io.processingLoading = !finished
	io.mu.Unlock()

	io.log(core.LogLoading, message, finished)
}

// CommandOutput implements core.IO. The output is kept for replay after the
// prompt finishes, so the command is reported as not added to the context.
func (io *taskIO) CommandOutput(command, output string) {
	if io.silenced.Load() {
		return
	}

	io.mu.Lock()
	announced := io.currentCommand == command
	if output != "" {
		io.outputs = append(io.outputs, output)
	}
	io.mu.Unlock()

	if !announced {
		io.emit(core.UseCommandOutputEvent{Command: command})
	}

	io.emit(core.UseCommandOutputEvent{Command: command, Finished: true})
	io.resetShell()
}

// Confirm implements core.IO.
func (io *taskIO) Confirm(ctx context.Context, q core.Question) (bool, error) {
	if io.silenced.Load() {
		return false, nil
	}

	ans, err := io.engine.rendezvous.AskAnswer(ctx, q)
	if err != nil {
		return false, err
	}

	if ans == interaction.AnswerYes && q.Text == core.QuestionEditFiles {
		if err := io.engine.runEditor(ctx, io.task.Coder(), io.pc); err != nil {
			return false, err
		}

		return false, nil
	}

	if ans == interaction.AnswerYes && strings.HasPrefix(q.Text, runShellPrefix) {
		io.mu.Lock()
		io.runningShell = true
		io.currentCommand = ""
		io.mu.Unlock()
	}

	if strings.HasSuffix(q.Text, commandOutputSuffix) {
		io.mu.Lock()
		command := io.currentCommand
		io.mu.Unlock()

		if command != "" {
			io.emit(core.UseCommandOutputEvent{Command: command, Finished: true})
		}

		io.resetShell()
	}

	return ans.Accepted(), nil
}

// announceCommand marks command as a running shell command and reports it
// to the client.
func (io *taskIO) announceCommand(command string) {
	io.mu.Lock()
	io.runningShell = true
	io.currentCommand = ""
	io.mu.Unlock()

	io.Output(runningPrefix + command)
}

func (io *taskIO) resetShell() {
	io.mu.Lock()
	defer io.mu.Unlock()

	io.runningShell = false
	io.processingLoading = false
	io.currentCommand = ""
}

// commandOutputs returns the captured shell command outputs.
func (io *taskIO) commandOutputs() []string {
	io.mu.Lock()
	defer io.mu.Unlock()

	return slices.Clone(io.outputs)
}

var _ core.IO = (*taskIO)(nil)
