package interaction

import "strings"

// Answer is a normalised user reply.
type Answer string

const (
	// AnswerYes accepts the question.
	AnswerYes Answer = "y"
	// AnswerNo declines the question.
	AnswerNo Answer = "n"
	// AnswerAlways accepts and answers every later question of the group with yes.
	AnswerAlways Answer = "a"
	// AnswerSkip declines and answers every later question of the group with no.
	AnswerSkip Answer = "s"
	// AnswerDontAsk declines and suppresses the same question in future.
	AnswerDontAsk Answer = "d"
)

// ParseAnswer normalises raw user input. Unknown input maps to AnswerNo.
func ParseAnswer(raw string) Answer {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return AnswerNo
	}

	switch Answer(raw[:1]) {
	case AnswerYes:
		return AnswerYes
	case AnswerAlways:
		return AnswerAlways
	case AnswerSkip:
		return AnswerSkip
	case AnswerDontAsk:
		return AnswerDontAsk
	default:
		return AnswerNo
	}
}

// Accepted reports whether the answer counts as a yes.
func (a Answer) Accepted() bool {
	return a == AnswerYes || a == AnswerAlways
}
