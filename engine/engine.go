package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/interaction"
	"github.com/hupe1980/promptmesh/logging"
	"github.com/hupe1980/promptmesh/loop"
	"github.com/hupe1980/promptmesh/registry"
	"github.com/hupe1980/promptmesh/session"
	"github.com/hupe1980/promptmesh/stream"
)

// DefaultMaxReflections bounds the reflection loop of a single prompt.
const DefaultMaxReflections = 3

// Options configures an Engine instance using the functional options pattern.
//
// Every collaborator has a default, so a zero Options yields a working
// engine with its own loop, a worker pool of stream.DefaultPoolSize and
// silent logging.
//
// Example:
//
//	eng := engine.New(sess, forker, sink, func(o *engine.Options) {
//	    o.MaxReflections = 1
//	    o.PoolSize = 10
//	})
type Options struct {
	// Loop is the serial event loop shared with other components. When nil
	// the engine creates one and closes it on Shutdown.
	Loop *loop.Loop

	// MaxReflections bounds the reflection rounds per prompt. Defaults to
	// DefaultMaxReflections; zero disables reflection.
	MaxReflections int

	// PoolSize is the number of concurrent generation workers. The editor
	// phase of an architect prompt holds one worker while a second runs the
	// editor, so values below 2 disable architect editing in practice.
	PoolSize int

	// QueueSize is the per-stream chunk buffer.
	QueueSize int

	// PollInterval is the confirmation slot polling period.
	PollInterval time.Duration

	// AutoYes answers every confirmation that does not require an explicit
	// yes without asking the client.
	AutoYes bool

	// Metrics instruments the task registry. Nil disables instrumentation.
	Metrics *registry.Metrics

	// Callbacks observes prompt lifecycle points. Optional.
	Callbacks *CallbackManager

	// IgnoredWarnings are coder warnings never forwarded to the client.
	IgnoredWarnings []string

	// IgnoredErrorSuffixes mark coder errors never forwarded to the client.
	IgnoredErrorSuffixes []string

	// Logger provides diagnostics. Defaults to a NoOp logger.
	Logger logging.Logger
}

// Engine orchestrates prompts against a shared session.
//
// Concurrency Model:
//   - Each prompt is a registry task running on its own goroutine
//   - Generation runs on the bridge's bounded worker pool
//   - The task table, the confirmation slot and every outbound event are
//     serialised on the loop
//
// An Engine is safe for concurrent use.
type Engine struct {
	session *session.Session
	forker  core.Forker
	sink    core.Sink

	loop       *loop.Loop
	ownsLoop   bool
	registry   *registry.Registry
	bridge     *stream.Bridge
	rendezvous *interaction.Rendezvous
	callbacks  *CallbackManager
	logger     logging.Logger

	opts Options
}

// New creates an Engine for sess. Prompts derive their coders from the
// session coder through forker; every outbound event is delivered to sink.
func New(sess *session.Session, forker core.Forker, sink core.Sink, optFns ...func(o *Options)) *Engine {
	opts := Options{
		MaxReflections:       DefaultMaxReflections,
		PoolSize:             stream.DefaultPoolSize,
		IgnoredWarnings:      DefaultIgnoredWarnings,
		IgnoredErrorSuffixes: DefaultIgnoredErrorSuffixes,
		Logger:               logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e := &Engine{
		session:   sess,
		forker:    forker,
		sink:      sink,
		loop:      opts.Loop,
		callbacks: opts.Callbacks,
		logger:    opts.Logger,
		opts:      opts,
	}

	if e.loop == nil {
		e.loop = loop.New(func(o *loop.Options) {
			o.Logger = opts.Logger
		})
		e.ownsLoop = true
	}

	e.registry = registry.New(e.loop, func(o *registry.Options) {
		o.Logger = opts.Logger
		o.Metrics = opts.Metrics
	})

	e.bridge = stream.NewBridge(stream.NewPool(opts.PoolSize), func(o *stream.Options) {
		o.Logger = opts.Logger
		if opts.QueueSize > 0 {
			o.QueueSize = opts.QueueSize
		}
	})

	e.rendezvous = interaction.New(e.loop, sink, func(o *interaction.Options) {
		o.Logger = opts.Logger
		o.AutoYes = opts.AutoYes
		if opts.PollInterval > 0 {
			o.PollInterval = opts.PollInterval
		}
	})

	return e
}

// Session returns the shared session.
func (e *Engine) Session() *session.Session { return e.session }

// Loop returns the event loop.
func (e *Engine) Loop() *loop.Loop { return e.loop }

// Registry returns the task registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Rendezvous returns the confirmation rendezvous.
func (e *Engine) Rendezvous() *interaction.Rendezvous { return e.rendezvous }

// Emit sends ev to the sink from the loop.
func (e *Engine) Emit(ctx context.Context, ev core.Event) error {
	return e.loop.Do(ctx, func(ctx context.Context) error {
		return e.sink.Send(ctx, ev)
	})
}

// Handle dispatches one inbound command. Prompts are started, not awaited.
func (e *Engine) Handle(ctx context.Context, cmd core.Command) error {
	switch c := cmd.(type) {
	case core.SubmitPrompt:
		if c.Content == "" {
			e.logger.Debug("ignoring empty prompt %s", c.ID)
			return nil
		}
		_, err := e.RunPrompt(ctx, c)
		return err
	case core.AnswerQuestion:
		return e.rendezvous.Answer(ctx, c.Answer)
	case core.InterruptAll:
		return e.InterruptAll(ctx)
	case core.CancelPrompt:
		e.Cancel(ctx, c.ID)
		return nil
	case core.SetModels:
		return e.SetModels(ctx, c)
	case core.RequestContextInfo:
		return e.SendContextInfo(ctx)
	case core.RunCommand:
		if c.Command == "" {
			return nil
		}
		_, err := e.RunCommand(ctx, c)
		return err
	case core.ApplyEdits:
		if len(c.Edits) == 0 {
			return nil
		}
		return e.ApplyEdits(ctx, c)
	case core.UpdateEnvVars:
		if len(c.Vars) == 0 {
			return nil
		}
		return e.UpdateEnvVars(ctx, c)
	default:
		return fmt.Errorf("action %q: %w", cmd.Action(), core.ErrUnknownCommand)
	}
}

// RunPrompt submits cmd as a task and returns as soon as it runs. A running
// prompt with the same id is cancelled and awaited first.
func (e *Engine) RunPrompt(ctx context.Context, cmd core.SubmitPrompt) (*registry.Task, error) {
	return e.submit(ctx, cmd, nil)
}

// Cancel cancels the prompt id and waits for its teardown. It reports
// whether the prompt was active.
func (e *Engine) Cancel(ctx context.Context, id string) bool {
	e.logger.Info("cancelling prompt %s", id)

	return e.registry.Cancel(ctx, id)
}

// InterruptAll cancels every active prompt.
func (e *Engine) InterruptAll(ctx context.Context) error {
	e.logger.Info("interrupting all active prompts")

	return e.registry.CancelAll(ctx)
}

// SetModels replaces the session coder with a fork using the requested
// models and reports the resulting models to the client. A request without
// a main model is ignored.
func (e *Engine) SetModels(ctx context.Context, cmd core.SetModels) error {
	if cmd.MainModel == "" {
		e.logger.Debug("ignoring set-models without a main model")
		return nil
	}

	base := e.session.Coder()
	current := base.Settings()

	settings := current
	settings.Name = cmd.MainModel
	settings.EditFormat = cmp.Or(cmd.EditFormat, core.DefaultEditFormat)

	if cmd.WeakModel != "" {
		settings.WeakModel = cmd.WeakModel
	}

	next, err := e.forker.Fork(ctx, base, core.ForkOptions{
		Settings:   &settings,
		EditFormat: settings.EditFormat,
	})
	if err != nil {
		e.logger.Warn("set models %s: %v", cmd.MainModel, err)

		_ = e.Emit(ctx, core.CurrentModelsEvent{
			MainModel:  current.Name,
			WeakModel:  current.WeakModel,
			EditFormat: current.EditFormat,
			Error:      err.Error(),
		})

		return fmt.Errorf("set models: %w", err)
	}

	e.session.SetCoder(next)

	return e.sendModels(ctx)
}

// SendContextInfo reports the session's context files and models.
func (e *Engine) SendContextInfo(ctx context.Context) error {
	if err := e.Emit(ctx, core.UpdateContextFilesEvent{Files: e.session.ContextFiles()}); err != nil {
		return err
	}

	return e.sendModels(ctx)
}

// SendContextFiles emits an add-file event for every context file of c.
func (e *Engine) SendContextFiles(ctx context.Context, c core.Coder) error {
	for _, f := range c.ContextFiles() {
		ev := core.AddContextFileEvent{
			Path:     e.session.Relative(f.Path),
			ReadOnly: f.ReadOnly,
		}
		if err := e.Emit(ctx, ev); err != nil {
			return fmt.Errorf("send context file %s: %w", f.Path, err)
		}
	}

	return nil
}

// InitEvent describes this engine to a freshly connected client.
func (e *Engine) InitEvent(source string) core.InitEvent {
	return core.InitEvent{
		Source:       source,
		BaseDir:      e.session.BaseDir(),
		ListenTo:     core.HandledActions,
		ContextFiles: e.session.ContextFiles(),
	}
}

// Shutdown cancels every prompt, waits for their teardown and closes the
// loop when the engine created it.
func (e *Engine) Shutdown(ctx context.Context) error {
	err := e.registry.Close(ctx)

	if e.ownsLoop {
		e.loop.Close()
	}

	return err
}

func (e *Engine) sendModels(ctx context.Context) error {
	s := e.session.Coder().Settings()

	return e.Emit(ctx, core.CurrentModelsEvent{
		MainModel:  s.Name,
		WeakModel:  s.WeakModel,
		EditFormat: s.EditFormat,
	})
}

func (e *Engine) submit(ctx context.Context, cmd core.SubmitPrompt, provided core.Coder) (*registry.Task, error) {
	if cmd.ID == "" {
		cmd.ID = core.NewID()
	}

	if cmd.Mode == "" {
		cmd.Mode = core.ModeCode
	}

	return e.registry.SubmitTask(ctx, cmd.ID, provided, func(ctx context.Context, t *registry.Task) error {
		err := e.runPrompt(ctx, t, cmd, provided)
		if err != nil && !t.Cancelled() && !errors.Is(err, context.Canceled) {
			e.reportError(ctx, cmd, t, err)
		}

		return err
	})
}

func (e *Engine) reportError(ctx context.Context, cmd core.SubmitPrompt, t *registry.Task, err error) {
	// The task context may already be done; the report must still go out.
	ctx = context.WithoutCancel(ctx)
	pc := cmd.PromptContext()

	if emitErr := e.Emit(ctx, core.NewLogEvent(core.LogError, fmt.Sprintf("Error in prompt logic %s: %v", cmd.ID, err), false, &pc)); emitErr != nil {
		e.logger.Warn("report error for prompt %s: %v", cmd.ID, emitErr)
	}

	cbErr := e.callbacks.ExecuteCallbacks(ctx, CallbackOnError, &CallbackContext{
		PromptContext: pc,
		Mode:          cmd.Mode,
		Sequence:      t.Sequence(),
		Err:           err,
	})
	if cbErr != nil {
		e.logger.Warn("prompt %s: %v", cmd.ID, cbErr)
	}
}

func (e *Engine) runPrompt(ctx context.Context, t *registry.Task, cmd core.SubmitPrompt, provided core.Coder) error {
	pc := cmd.PromptContext()
	cbCtx := &CallbackContext{PromptContext: pc, Mode: cmd.Mode}

	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforePrompt, cbCtx); err != nil {
		return err
	}

	io := newTaskIO(ctx, e, t, pc)
	t.SetSilencer(io)

	c := provided
	if c == nil {
		var (
			seq int
			err error
		)

		c, seq, err = e.forkCoder(ctx, cmd, io)
		if err != nil {
			return err
		}

		t.SetSequence(seq)
	} else {
		c.SetIO(io)
	}

	t.SetCoder(c)

	interrupted := func() bool {
		return t.Cancelled() || ctx.Err() != nil
	}

	if err := t.Transition(core.TaskStreaming); err != nil {
		return err
	}

	content, respID, err := e.streamResponses(ctx, t, c, pc, cmd.Content, pc.ID, "")
	if err != nil {
		return err
	}

	if content == "" && !interrupted() {
		// Non-streaming backends only fill the partial content.
		content = c.PartialContent()
	}

	if err := e.sendFinished(ctx, t, c, pc, cbCtx, respID, content, "", interrupted()); err != nil {
		return err
	}

	if err := e.reflect(ctx, t, c, pc, cbCtx, io, interrupted); err != nil {
		return err
	}

	if err := t.Transition(core.TaskFinishing); err != nil {
		return err
	}

	if provided == nil {
		e.session.Absorb(c.Result())
	}

	if err := e.Emit(ctx, core.PromptFinishedEvent{PromptID: pc.ID}); err != nil {
		return fmt.Errorf("send prompt finished: %w", err)
	}

	if err := e.replayCommandOutputs(ctx, io); err != nil {
		return err
	}

	cbCtx.Sequence = t.Sequence()
	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackAfterPrompt, cbCtx); err != nil {
		e.logger.Warn("prompt %s: %v", pc.ID, err)
	}

	return nil
}

// replayCommandOutputs adds every captured shell output to the client's
// chat as a user message acknowledged by the assistant.
func (e *Engine) replayCommandOutputs(ctx context.Context, io *taskIO) error {
	for _, output := range io.commandOutputs() {
		if err := e.Emit(ctx, core.AddContextMessageEvent{Role: "user", Content: output}); err != nil {
			return fmt.Errorf("replay command output: %w", err)
		}

		if err := e.Emit(ctx, core.AddContextMessageEvent{Role: "assistant", Content: "Ok."}); err != nil {
			return fmt.Errorf("replay command output: %w", err)
		}
	}

	return nil
}

// forkCoder derives the task-local coder from the session coder and returns
// the initial sequence number.
func (e *Engine) forkCoder(ctx context.Context, cmd core.SubmitPrompt, io core.IO) (core.Coder, int, error) {
	base := e.session.Coder()

	opts := core.ForkOptions{
		Messages: cmd.Messages,
		Files:    e.session.ResolveFiles(cmd.Files),
		IO:       io,
	}

	if cmd.Mode != core.ModeCode {
		opts.EditFormat = cmd.Mode
	}

	seq := 0

	if cmd.Mode == core.ModeArchitect && cmd.ArchitectModel != "" {
		settings := base.Settings()
		opts.Settings = &core.ModelSettings{
			Name:             cmd.ArchitectModel,
			WeakModel:        settings.WeakModel,
			EditorModel:      settings.Name,
			EditorEditFormat: cmp.Or(settings.EditorEditFormat, settings.EditFormat),
		}

		// The editor's response follows as sequence 0.
		seq = -1
	}

	c, err := e.forker.Fork(ctx, base, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("fork coder for prompt %s: %w", cmd.ID, err)
	}

	return c, seq, nil
}

func (e *Engine) reflect(
	ctx context.Context,
	t *registry.Task,
	c core.Coder,
	pc core.PromptContext,
	cbCtx *CallbackContext,
	io core.IO,
	interrupted func() bool,
) error {
	reflected := c.ReflectedMessage()
	if reflected == "" {
		return nil
	}

	if err := e.SendContextFiles(ctx, c); err != nil {
		return err
	}

	limiter := core.NewReflectionLimiter(e.opts.MaxReflections)

	for reflected != "" && !interrupted() {
		if err := limiter.Increment(); err != nil {
			io.Warning(fmt.Sprintf("Only %d reflections allowed, stopping.", limiter.Max()))
			break
		}

		cbCtx.Sequence = t.Sequence()
		if err := e.callbacks.ExecuteCallbacks(ctx, CallbackBeforeReflection, cbCtx); err != nil {
			e.logger.Info("prompt %s: reflection stopped: %v", pc.ID, err)
			break
		}

		if err := t.Transition(core.TaskReflectionPending); err != nil {
			return err
		}

		if err := e.Emit(ctx, core.NewLogEvent(core.LogLoading, "Reflecting message...", false, &pc)); err != nil {
			return fmt.Errorf("send reflection notice: %w", err)
		}

		if err := t.Transition(core.TaskStreaming); err != nil {
			return err
		}

		content, respID, err := e.streamResponses(ctx, t, c, pc, reflected, "reflection in "+pc.ID, reflected)
		if err != nil {
			return err
		}

		t.NextSequence()

		if err := e.sendFinished(ctx, t, c, pc, cbCtx, respID, content, reflected, interrupted()); err != nil {
			return err
		}

		reflected = c.ReflectedMessage()
	}

	return nil
}

// streamResponses forwards one generation as chunk events sharing a fresh
// response id and returns the accumulated content.
func (e *Engine) streamResponses(
	ctx context.Context,
	t *registry.Task,
	c core.Coder,
	pc core.PromptContext,
	prompt, logContext, reflected string,
) (string, string, error) {
	respID := core.NewID()

	st, h := e.bridge.Stream(ctx, stream.Request{
		TaskID: t.ID(),
		Signal: t,
		Produce: func(ctx context.Context) iter.Seq2[string, error] {
			return c.RunStream(ctx, prompt)
		},
		OnError: func(err error) {
			msg := fmt.Sprintf("Error in stream for %s: %v", logContext, err)
			if emitErr := e.Emit(ctx, core.NewLogEvent(core.LogError, msg, false, &pc)); emitErr != nil {
				e.logger.Debug("prompt %s: %v", pc.ID, emitErr)
			}
		},
	})
	defer h.Cancel()

	t.SetWorker(h)

	var content strings.Builder

	for {
		chunk, ok, err := st.Next(ctx)
		if err != nil {
			return content.String(), respID, err
		}

		if !ok {
			break
		}

		content.WriteString(chunk)

		ev := core.NewResponseChunk(respID, chunk, pc)
		ev.ReflectedMessage = reflected

		if err := e.Emit(ctx, ev); err != nil {
			return content.String(), respID, fmt.Errorf("send chunk: %w", err)
		}
	}

	// The coder's run state (usage, commits, reflection) is final once the
	// worker is done.
	if err := h.Wait(ctx); err != nil {
		return content.String(), respID, err
	}

	return content.String(), respID, nil
}

func (e *Engine) sendFinished(
	ctx context.Context,
	t *registry.Task,
	c core.Coder,
	pc core.PromptContext,
	cbCtx *CallbackContext,
	respID, content, reflected string,
	interrupted bool,
) error {
	if content == "" && interrupted {
		return nil
	}

	ev := core.ResponseEvent{
		ID:               respID,
		Finished:         true,
		Content:          content,
		SequenceNumber:   core.IntPtr(t.Sequence()),
		EditedFiles:      c.EditedFiles(),
		UsageReport:      usageReport(c),
		ReflectedMessage: reflected,
		PromptContext:    pc,
	}

	if commit, ok := c.LastCommit(); ok {
		ev.CommitHash = commit.Hash
		ev.CommitMessage = commit.Message

		diff, err := c.Diff(ctx, commit.Hash+"~1", commit.Hash)
		if err != nil {
			e.logger.Warn("prompt %s: diff for commit %s: %v", pc.ID, commit.Hash, err)
		} else {
			ev.Diff = diff
		}
	}

	if err := e.Emit(ctx, ev); err != nil {
		return fmt.Errorf("send response: %w", err)
	}

	cbCtx.Sequence = t.Sequence()
	cbCtx.Event = &ev

	if err := e.callbacks.ExecuteCallbacks(ctx, CallbackOnResponse, cbCtx); err != nil {
		e.logger.Warn("prompt %s: %v", pc.ID, err)
	}

	cbCtx.Event = nil

	return nil
}

func usageReport(c core.Coder) string {
	report := c.UsageReport()
	if report == "" {
		return ""
	}

	return fmt.Sprintf("%s Total cost: $%.10f session", report, c.TotalCost())
}

// runEditor runs the editor phase of an architect prompt: a nested code
// prompt in the same group, fed with the architect's answer and awaited.
// The editor's results flow back into the architect coder.
func (e *Engine) runEditor(ctx context.Context, architect core.Coder, pc core.PromptContext) error {
	if architect == nil {
		return nil
	}

	if err := e.Emit(ctx, core.NewLogEvent(core.LogLoading, "Editing files...", false, &pc)); err != nil {
		return fmt.Errorf("send editor notice: %w", err)
	}

	settings := architect.Settings()
	editorSettings := core.ModelSettings{
		Name:       cmp.Or(settings.EditorModel, settings.Name),
		WeakModel:  settings.WeakModel,
		EditFormat: settings.EditorEditFormat,
	}

	editor, err := e.forker.Fork(ctx, architect, core.ForkOptions{
		Settings:   &editorSettings,
		EditFormat: settings.EditorEditFormat,
		Messages:   []core.Message{},
	})
	if err != nil {
		return fmt.Errorf("fork editor for prompt %s: %w", pc.ID, err)
	}

	task, err := e.submit(ctx, core.SubmitPrompt{
		ID:      core.NewID(),
		Group:   pc.Group,
		Content: architect.PartialContent(),
		Mode:    core.ModeCode,
	}, editor)
	if err != nil {
		return fmt.Errorf("start editor for prompt %s: %w", pc.ID, err)
	}

	select {
	case <-task.Done():
	case <-ctx.Done():
		e.registry.Cancel(context.WithoutCancel(ctx), task.ID())
		return ctx.Err()
	}

	if task.State() == core.TaskCompleted {
		architect.Absorb(editor.Result())
	}

	return nil
}
