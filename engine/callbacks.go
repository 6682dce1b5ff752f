package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/promptmesh/core"
)

// CallbackType defines the specific lifecycle points where callbacks can be executed.
//
// Callbacks provide a flexible mechanism for hooking into the prompt
// pipeline without modifying the orchestration logic. Each type represents a
// specific point in a prompt's lifecycle where custom logic can be injected.
//
// Callbacks are executed synchronously on the prompt's goroutine. Only
// CallbackBeforePrompt and CallbackBeforeReflection can influence execution
// flow by returning errors.
type CallbackType string

const (
	// CallbackBeforePrompt is triggered before a prompt's coder is prepared.
	// Returning an error fails the prompt before anything is streamed.
	CallbackBeforePrompt CallbackType = "before_prompt"

	// CallbackAfterPrompt is triggered after prompt-finished was emitted.
	CallbackAfterPrompt CallbackType = "after_prompt"

	// CallbackBeforeReflection is triggered before each reflection round.
	// Returning an error stops the reflection loop.
	CallbackBeforeReflection CallbackType = "before_reflection"

	// CallbackOnResponse is triggered for every finished response event.
	CallbackOnResponse CallbackType = "on_response"

	// CallbackOnError is triggered when a prompt fails with an error other
	// than cancellation.
	CallbackOnError CallbackType = "on_error"
)

// CallbackContext provides context information for callback execution.
//
// The context is populated by the engine and passed to each callback,
// allowing callbacks to inspect the prompt being processed.
type CallbackContext struct {
	// PromptContext identifies the prompt and its group.
	PromptContext core.PromptContext

	// Mode is the prompt's mode (code, ask, architect).
	Mode string

	// Sequence is the current response sequence number.
	Sequence int

	// Event is the finished response for CallbackOnResponse. Nil otherwise.
	Event *core.ResponseEvent

	// Err is the failure for CallbackOnError.
	Err error

	// CallbackType indicates which callback type triggered this execution.
	CallbackType CallbackType

	// Metadata provides extensible storage for custom callback data.
	Metadata map[string]any
}

// Callback defines the interface for prompt lifecycle hooks.
//
// Implementations should be fast, since they run on the prompt's
// goroutine, and safe for concurrent use, since prompts run in parallel.
type Callback interface {
	// Type returns the callback type this implementation handles.
	Type() CallbackType

	// Execute performs the callback logic with the provided context.
	Execute(ctx context.Context, callbackCtx *CallbackContext) error
}

// FunctionCallback wraps a function as a callback implementation.
//
// Example:
//
//	cb := NewFunctionCallback(
//	    CallbackBeforePrompt,
//	    func(ctx context.Context, callbackCtx *CallbackContext) error {
//	        log.Printf("starting prompt %s", callbackCtx.PromptContext.ID)
//	        return nil
//	    },
//	)
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, callbackCtx *CallbackContext) error
}

// NewFunctionCallback creates a new function-based callback.
func NewFunctionCallback(
	callbackType CallbackType,
	fn func(ctx context.Context, callbackCtx *CallbackContext) error,
) *FunctionCallback {
	return &FunctionCallback{
		callbackType: callbackType,
		fn:           fn,
	}
}

// Type returns the callback type this function handles.
func (c *FunctionCallback) Type() CallbackType {
	return c.callbackType
}

// Execute calls the wrapped function with the provided context.
func (c *FunctionCallback) Execute(ctx context.Context, callbackCtx *CallbackContext) error {
	return c.fn(ctx, callbackCtx)
}

// CallbackManager holds callbacks per lifecycle point.
//
// Callbacks are executed in registration order, and any callback returning
// an error stops execution of the remaining callbacks of that type.
// Registration and execution are safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{
		callbacks: make(map[CallbackType][]Callback),
	}
}

// RegisterCallback adds a callback for its type.
//
// Example:
//
//	manager := NewCallbackManager()
//	manager.RegisterCallback(loggingCallback)
func (cm *CallbackManager) RegisterCallback(callback Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	callbackType := callback.Type()
	cm.callbacks[callbackType] = append(cm.callbacks[callbackType], callback)
}

// ExecuteCallbacks executes all registered callbacks for the specified type.
// It returns the first error, wrapped with the callback type. A nil manager
// executes nothing.
func (cm *CallbackManager) ExecuteCallbacks(
	ctx context.Context,
	callbackType CallbackType,
	callbackCtx *CallbackContext,
) error {
	if cm == nil {
		return nil
	}

	cm.mu.RLock()
	callbacks := cm.callbacks[callbackType]
	cm.mu.RUnlock()

	callbackCtx.CallbackType = callbackType

	for _, callback := range callbacks {
		if err := callback.Execute(ctx, callbackCtx); err != nil {
			return fmt.Errorf("%s callback: %w", callbackType, err)
		}
	}

	return nil
}

// LoggingCallback forwards lifecycle points to a logging function.
//
// Example:
//
//	callback := NewLoggingCallback(CallbackAfterPrompt, func(message string) {
//	    log.Printf("[ENGINE] %s", message)
//	})
type LoggingCallback struct {
	callbackType CallbackType
	logger       func(message string)
}

// NewLoggingCallback creates a new logging callback.
func NewLoggingCallback(callbackType CallbackType, logger func(message string)) *LoggingCallback {
	return &LoggingCallback{
		callbackType: callbackType,
		logger:       logger,
	}
}

// Type returns the callback type this logger handles.
func (c *LoggingCallback) Type() CallbackType {
	return c.callbackType
}

// Execute logs the lifecycle point with the prompt id and sequence.
func (c *LoggingCallback) Execute(_ context.Context, callbackCtx *CallbackContext) error {
	if c.logger == nil {
		return nil
	}

	message := fmt.Sprintf("[%s] Prompt: %s, Sequence: %d",
		c.callbackType, callbackCtx.PromptContext.ID, callbackCtx.Sequence)
	if callbackCtx.Err != nil {
		message += fmt.Sprintf(", Error: %v", callbackCtx.Err)
	}

	c.logger(message)

	return nil
}
