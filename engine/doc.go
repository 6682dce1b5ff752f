// Package engine implements the prompt orchestration layer for PromptMesh.
//
// The Engine drives one prompt from submission to its final events. It ties
// together the serial event loop, the task registry, the streaming bridge and
// the confirmation rendezvous, and talks to the outside world only through a
// core.Sink.
//
// # Prompt Protocol
//
// For every submitted prompt the engine:
//
//  1. Forks a coder from the session coder (unless one is provided), using
//     the prompt's mode as edit format and, in architect mode with an
//     architect model, a dedicated model whose editor is the session model.
//  2. Streams the primary response as chunk events sharing one response id.
//  3. Emits the finished response with usage, edited files and commit data.
//  4. Runs the reflection loop, bounded by MaxReflections.
//  5. Propagates cost and commit hashes back to the session coder.
//  6. Emits prompt-finished and replays captured command output.
//
// Architect mode adds an editor phase: accepting "Edit the files?" runs a
// nested, awaited editor prompt in the same group, whose results flow back
// into the architect's coder.
//
// # Concurrency
//
// Each prompt runs as a registry task on its own goroutine. Generation runs on
// the bridge's worker pool. Every outbound event is sent from the loop, so the
// sink never sees concurrent calls.
//
// # Usage
//
//	eng := engine.New(sess, forker, sink, func(o *engine.Options) {
//	    o.MaxReflections = 3
//	    o.Logger = logger
//	})
//	defer eng.Shutdown(ctx)
//
//	task, err := eng.RunPrompt(ctx, core.SubmitPrompt{ID: "p1", Content: "Fix the bug"})
//	if err != nil {
//	    return err
//	}
//	_ = task.Wait(ctx)
//
// # Callbacks
//
// A CallbackManager can observe (and veto) prompt lifecycle points:
// CallbackBeforePrompt, CallbackAfterPrompt, CallbackBeforeReflection,
// CallbackOnResponse and CallbackOnError.
package engine
