// Package registry tracks the active prompt tasks.
//
// The task table is owned by the event loop: every insert, lookup and
// removal runs as a loop job. Each task runs its body on its own goroutine
// with a context derived from the registry, and its deferred teardown
// always removes it from the table, whether it completed, failed, or was
// cancelled.
//
// Submitting under an identifier that is already active first cancels the
// old task and waits for its teardown, so at most one task per identifier
// exists at any time.
package registry
