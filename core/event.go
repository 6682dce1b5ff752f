package core

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Outbound action names.
const (
	ActionResponse           = "response"
	ActionPromptFinished     = "prompt-finished"
	ActionAskQuestion        = "ask-question"
	ActionLog                = "log"
	ActionAddContextFile     = "add-file"
	ActionAddContextMessage  = "add-message"
	ActionUpdateContextFiles = "update-context-files"
	ActionUseCommandOutput   = "use-command-output"
	ActionCurrentModels      = "set-models"
	ActionInit               = "init"
)

// Log levels carried by LogEvent.
const (
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
	LogLoading = "loading"
)

// Event is an outbound record produced by the core and delivered through a
// Sink. After emission it should be treated as immutable. The concrete type
// determines the wire "action" discriminator.
type Event interface {
	Action() string
}

// PromptGroup correlates several prompts (e.g. all prompts triggered by one
// file-watcher request) for display purposes.
type PromptGroup struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Color    string `json:"color,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}

// PromptContext identifies the prompt (and optional group) an event belongs to.
type PromptContext struct {
	ID    string       `json:"id"`
	Group *PromptGroup `json:"group,omitempty"`
}

// ResponseEvent carries either an incremental chunk (Finished=false) or the
// finalisation of one stream (Finished=true). All events of one stream share ID.
// Result metadata is attached to the finished event only.
type ResponseEvent struct {
	ID               string        `json:"id"`
	Finished         bool          `json:"finished"`
	Content          string        `json:"content"`
	SequenceNumber   *int          `json:"sequenceNumber,omitempty"`
	EditedFiles      []string      `json:"editedFiles,omitempty"`
	UsageReport      string        `json:"usageReport,omitempty"`
	CommitHash       string        `json:"commitHash,omitempty"`
	CommitMessage    string        `json:"commitMessage,omitempty"`
	Diff             string        `json:"diff,omitempty"`
	ReflectedMessage string        `json:"reflectedMessage,omitempty"`
	PromptContext    PromptContext `json:"promptContext"`
}

// Action implements Event.
func (ResponseEvent) Action() string { return ActionResponse }

// Sequence returns the sequence number or 0 when absent.
func (e ResponseEvent) Sequence() int {
	if e.SequenceNumber == nil {
		return 0
	}
	return *e.SequenceNumber
}

// PromptFinishedEvent signals that a prompt's orchestration has completed.
type PromptFinishedEvent struct {
	PromptID string `json:"promptId"`
}

// Action implements Event.
func (PromptFinishedEvent) Action() string { return ActionPromptFinished }

// AskQuestionEvent asks the user for a decision; the answer arrives as an
// AnswerQuestion command.
type AskQuestionEvent struct {
	Question        string `json:"question"`
	Subject         string `json:"subject,omitempty"`
	IsGroupQuestion bool   `json:"isGroupQuestion"`
	DefaultAnswer   string `json:"defaultAnswer"`
}

// Action implements Event.
func (AskQuestionEvent) Action() string { return ActionAskQuestion }

// LogEvent is the user-visible diagnostic channel. Level "loading" with
// Finished=false starts a progress indicator which a later Finished=true
// event with the same message closes.
type LogEvent struct {
	Level         string         `json:"level"`
	Message       string         `json:"message"`
	Finished      bool           `json:"finished"`
	PromptContext *PromptContext `json:"promptContext,omitempty"`
}

// Action implements Event.
func (LogEvent) Action() string { return ActionLog }

// AddContextFileEvent announces a file that joined the chat context.
type AddContextFileEvent struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"readOnly"`
}

// Action implements Event.
func (AddContextFileEvent) Action() string { return ActionAddContextFile }

// AddContextMessageEvent appends a synthetic message to the chat history.
type AddContextMessageEvent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Action implements Event.
func (AddContextMessageEvent) Action() string { return ActionAddContextMessage }

// UpdateContextFilesEvent replaces the client's view of the context files.
type UpdateContextFilesEvent struct {
	Files []ContextFile `json:"files"`
}

// Action implements Event.
func (UpdateContextFilesEvent) Action() string { return ActionUpdateContextFiles }

// UseCommandOutputEvent reports the lifecycle of a shell command run by a coder.
type UseCommandOutputEvent struct {
	Command      string `json:"command"`
	AddToContext bool   `json:"addToContext,omitempty"`
	Finished     bool   `json:"finished,omitempty"`
}

// Action implements Event.
func (UseCommandOutputEvent) Action() string { return ActionUseCommandOutput }

// CurrentModelsEvent reports the session's active model settings.
type CurrentModelsEvent struct {
	MainModel  string `json:"mainModel"`
	WeakModel  string `json:"weakModel,omitempty"`
	EditFormat string `json:"editFormat,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Action implements Event.
func (CurrentModelsEvent) Action() string { return ActionCurrentModels }

// InitEvent is the transport handshake announcing which actions are handled.
type InitEvent struct {
	Source       string        `json:"source"`
	BaseDir      string        `json:"baseDir"`
	ListenTo     []string      `json:"listenTo"`
	ContextFiles []ContextFile `json:"contextFiles"`
}

// Action implements Event.
func (InitEvent) Action() string { return ActionInit }

// NewResponseChunk builds a non-finished response event.
func NewResponseChunk(responseID, chunk string, pc PromptContext) ResponseEvent {
	return ResponseEvent{ID: responseID, Content: chunk, PromptContext: pc}
}

// NewLogEvent builds a log event, optionally bound to a prompt.
func NewLogEvent(level, message string, finished bool, pc *PromptContext) LogEvent {
	return LogEvent{Level: level, Message: message, Finished: finished, PromptContext: pc}
}

// NewID generates a new unique identifier for prompts, responses and groups.
func NewID() string { return uuid.NewString() }

// IntPtr returns a pointer to v. Used for optional sequence numbers.
func IntPtr(v int) *int { return &v }

// MarshalEvent encodes ev as a JSON object with its action discriminator as
// the first member.
func MarshalEvent(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", ev.Action(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("marshal %s event: not a JSON object", ev.Action())
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(ev.Action()) + 16)
	buf.WriteString(`{"action":`)
	action, _ := json.Marshal(ev.Action())
	buf.Write(action)
	if len(body) > 2 {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}
