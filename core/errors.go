package core

import "errors"

var (
	// ErrInvalidTransition is returned when a task lifecycle transition is
	// not permitted by the state machine.
	ErrInvalidTransition = errors.New("invalid task state transition")

	// ErrReflectionLimit is returned by ReflectionLimiter once the configured
	// number of reflection rounds is exhausted.
	ErrReflectionLimit = errors.New("reflection limit reached")

	// ErrUnknownCommand is returned when an inbound message carries an
	// action this module does not handle.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrNoCommit is returned by coders that cannot produce a diff because
	// no commit is known.
	ErrNoCommit = errors.New("no commit")

	// ErrUnsupportedCommand is returned by coders asked to run a slash
	// command they do not implement.
	ErrUnsupportedCommand = errors.New("unsupported command")

	// ErrEditMismatch is returned when the original text of an edit is not
	// found in its file.
	ErrEditMismatch = errors.New("original text not found")
)
