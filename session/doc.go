// Package session holds the shared execution context of a PromptMesh
// process: the session-wide coder every prompt forks from, the base
// directory context files are resolved against, and the cumulative cost
// and commit totals that forked prompts propagate back.
//
// The session coder can be replaced at runtime (set-models); readers always
// observe either the old or the new coder, never a partially updated one.
package session
