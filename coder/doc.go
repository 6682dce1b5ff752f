// Package coder provides implementations of core.Coder, the task-local
// execution context a prompt runs in.
//
//   - ModelCoder streams completions from a model.Model and keeps the chat
//     history, token usage and cost.
//   - ModelForker derives ModelCoders for forked prompts, architect and
//     editor phases, and model switches.
//   - MockCoder and MockForker replay scripted runs (chunks, reflections,
//     commits, confirmations, shell output) for tests and examples.
package coder
