package core

import (
	"encoding/json"
	"fmt"
)

// Inbound action names.
const (
	ActionPrompt             = "prompt"
	ActionAnswerQuestion     = "answer-question"
	ActionInterruptResponse  = "interrupt-response"
	ActionCancelPrompt       = "cancel-prompt"
	ActionSetModels          = "set-models"
	ActionRequestContextInfo = "request-context-info"
	ActionRunCommand         = "run-command"
	ActionApplyEdits         = "apply-edits"
	ActionUpdateEnvVars      = "update-env-vars"
)

// Prompt modes.
const (
	ModeCode      = "code"
	ModeAsk       = "ask"
	ModeArchitect = "architect"
)

// HandledActions lists every inbound action understood by DecodeCommand.
var HandledActions = []string{
	ActionPrompt,
	ActionAnswerQuestion,
	ActionInterruptResponse,
	ActionCancelPrompt,
	ActionSetModels,
	ActionRequestContextInfo,
	ActionRunCommand,
	ActionApplyEdits,
	ActionUpdateEnvVars,
}

// Command is an inbound request from the client.
type Command interface {
	Action() string
}

// SubmitPrompt starts (or supersedes) the task identified by ID.
type SubmitPrompt struct {
	ID             string
	Group          *PromptGroup
	Content        string
	Mode           string
	ArchitectModel string
	Messages       []Message
	Files          []ContextFile
}

// Action implements Command.
func (SubmitPrompt) Action() string { return ActionPrompt }

// PromptContext returns the context attached to events of this prompt.
func (c SubmitPrompt) PromptContext() PromptContext {
	return PromptContext{ID: c.ID, Group: c.Group}
}

// AnswerQuestion fills the single outstanding confirmation slot.
type AnswerQuestion struct {
	Answer string
}

// Action implements Command.
func (AnswerQuestion) Action() string { return ActionAnswerQuestion }

// InterruptAll cancels every active task.
type InterruptAll struct{}

// Action implements Command.
func (InterruptAll) Action() string { return ActionInterruptResponse }

// CancelPrompt cancels a single task.
type CancelPrompt struct {
	ID string
}

// Action implements Command.
func (CancelPrompt) Action() string { return ActionCancelPrompt }

// SetModels replaces the session's model settings.
type SetModels struct {
	MainModel  string
	WeakModel  string
	EditFormat string
}

// Action implements Command.
func (SetModels) Action() string { return ActionSetModels }

// RequestContextInfo asks for the session's context files and models.
type RequestContextInfo struct{}

// Action implements Command.
func (RequestContextInfo) Action() string { return ActionRequestContextInfo }

// RunCommand executes a slash command against a context derived from the
// session, like a prompt without a model turn.
type RunCommand struct {
	Command  string
	Messages []Message
	Files    []ContextFile
}

// Action implements Command.
func (RunCommand) Action() string { return ActionRunCommand }

// ApplyEdits applies edits prepared by the client to the session's files.
type ApplyEdits struct {
	Edits []Edit
}

// Action implements Command.
func (ApplyEdits) Action() string { return ActionApplyEdits }

// UpdateEnvVars sets process environment variables and refreshes the
// session's models so that new credentials take effect.
type UpdateEnvVars struct {
	Vars map[string]string
}

// Action implements Command.
func (UpdateEnvVars) Action() string { return ActionUpdateEnvVars }

type wireCommand struct {
	Action         string             `json:"action"`
	Prompt         string             `json:"prompt"`
	Mode           string             `json:"mode"`
	ArchitectModel string             `json:"architectModel"`
	PromptContext  *PromptContext     `json:"promptContext"`
	Messages       []Message          `json:"messages"`
	Files          []ContextFile      `json:"files"`
	Answer         string             `json:"answer"`
	PromptID       string             `json:"promptId"`
	MainModel      string             `json:"mainModel"`
	WeakModel      string             `json:"weakModel"`
	EditFormat     string             `json:"editFormat"`
	Command        string             `json:"command"`
	Edits          []Edit             `json:"edits"`
	EnvVars        map[string]*string `json:"environmentVariables"`
}

// DecodeCommand parses one inbound JSON message. Unknown actions yield an
// error wrapping ErrUnknownCommand.
func DecodeCommand(data []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode command: %w", err)
	}

	switch w.Action {
	case ActionPrompt:
		cmd := SubmitPrompt{
			Content:        w.Prompt,
			Mode:           w.Mode,
			ArchitectModel: w.ArchitectModel,
			Messages:       w.Messages,
			Files:          w.Files,
		}
		if w.PromptContext != nil {
			cmd.ID = w.PromptContext.ID
			cmd.Group = w.PromptContext.Group
		}
		if cmd.ID == "" {
			cmd.ID = NewID()
		}
		if cmd.Mode == "" {
			cmd.Mode = ModeCode
		}
		return cmd, nil
	case ActionAnswerQuestion:
		return AnswerQuestion{Answer: w.Answer}, nil
	case ActionInterruptResponse:
		return InterruptAll{}, nil
	case ActionCancelPrompt:
		return CancelPrompt{ID: w.PromptID}, nil
	case ActionSetModels:
		editFormat := w.EditFormat
		if editFormat == "" {
			editFormat = DefaultEditFormat
		}
		return SetModels{MainModel: w.MainModel, WeakModel: w.WeakModel, EditFormat: editFormat}, nil
	case ActionRequestContextInfo:
		return RequestContextInfo{}, nil
	case ActionRunCommand:
		return RunCommand{Command: w.Command, Messages: w.Messages, Files: w.Files}, nil
	case ActionApplyEdits:
		return ApplyEdits{Edits: w.Edits}, nil
	case ActionUpdateEnvVars:
		vars := make(map[string]string, len(w.EnvVars))
		for k, v := range w.EnvVars {
			if v != nil {
				vars[k] = *v
			}
		}
		return UpdateEnvVars{Vars: vars}, nil
	default:
		return nil, fmt.Errorf("action %q: %w", w.Action, ErrUnknownCommand)
	}
}
