package core

import (
	"context"
	"iter"
)

// DefaultEditFormat is the edit format used when none is requested.
const DefaultEditFormat = "diff"

// QuestionEditFiles is the confirmation an architect-mode coder raises once
// its plan is ready. Accepting it starts the editor phase.
const QuestionEditFiles = "Edit the files?"

// Message is one chat history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ContextFile is a file made available to a coder.
type ContextFile struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// Edit replaces Original with Updated in the file at Path. An empty
// Original writes Updated as the whole file.
type Edit struct {
	Path     string `json:"path"`
	Original string `json:"original"`
	Updated  string `json:"updated"`
}

// Commit describes a repository commit produced by a coder.
type Commit struct {
	Hash    string
	Message string
}

// ModelSettings selects the models a coder talks to.
type ModelSettings struct {
	Name             string
	WeakModel        string
	EditorModel      string
	EditFormat       string
	EditorEditFormat string
}

// Result is the portable outcome of a coder run. It is used to carry the
// editor phase's effects back into the architect's context and the forked
// context's effects back into the session.
type Result struct {
	EditedFiles  []string
	TotalCost    float64
	CommitHashes []string
}

// Question is a confirmation request raised by a coder.
type Question struct {
	Text                string
	Subject             string
	Default             string
	GroupID             string
	ExplicitYesRequired bool
	AllowNever          bool
}

// IO is the output surface a coder writes to. Implementations decide where
// the output goes; the orchestrator installs one per task.
type IO interface {
	Output(text string)
	Warning(text string)
	Error(text string)
	Loading(message string, finished bool)
	CommandOutput(command, output string)
	Confirm(ctx context.Context, q Question) (bool, error)
}

// Coder is the task-local execution context. RunStream is a blocking
// producer: it must be consumed off the event loop.
type Coder interface {
	// RunStream yields generated chunks for prompt in order.
	RunStream(ctx context.Context, prompt string) iter.Seq2[string, error]
	// PartialContent returns everything generated by the last run.
	PartialContent() string
	// UsageReport returns a human readable token and cost summary.
	UsageReport() string
	// TotalCost returns the cumulative cost of this context.
	TotalCost() float64
	// EditedFiles returns files modified by the last run.
	EditedFiles() []string
	// CommitHashes returns every commit created by this context.
	CommitHashes() []string
	// LastCommit returns the most recent commit, if any.
	LastCommit() (Commit, bool)
	// Diff returns the diff between two revisions.
	Diff(ctx context.Context, from, to string) (string, error)
	// ReflectedMessage returns a follow-up prompt requested by the last run.
	// It is consumed: a second call returns "".
	ReflectedMessage() string
	ContextFiles() []ContextFile
	Settings() ModelSettings
	SetIO(io IO)
	Result() Result
	// Absorb merges a result produced by a derived context. Cost and commit
	// hashes are adopted; edited files are replaced only when non-nil.
	Absorb(r Result)
	// ApplyEdits applies client-supplied edits in order and stops at the
	// first failure.
	ApplyEdits(ctx context.Context, edits []Edit) error
	// RunCommand executes a slash command such as "/run go test ./...".
	// Shell output is reported through IO.CommandOutput.
	RunCommand(ctx context.Context, command string) error
}

// ForkOptions configures a derived Coder. Nil slices inherit the base's
// values, empty non-nil slices clear them.
type ForkOptions struct {
	// Refresh re-resolves the models instead of reusing the base's, e.g.
	// after credentials in the environment changed.
	Refresh    bool
	Settings   *ModelSettings
	EditFormat string
	Messages   []Message
	Files      []ContextFile
	IO         IO
}

// Forker derives a new Coder from a base Coder.
type Forker interface {
	Fork(ctx context.Context, base Coder, opts ForkOptions) (Coder, error)
}

// ForkFunc adapts a function to the Forker interface.
type ForkFunc func(ctx context.Context, base Coder, opts ForkOptions) (Coder, error)

// Fork implements Forker.
func (f ForkFunc) Fork(ctx context.Context, base Coder, opts ForkOptions) (Coder, error) {
	return f(ctx, base, opts)
}

// Sink receives outbound events. Implementations are invoked from the event
// loop only.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }
