package coder

import (
	"context"

	"github.com/hupe1980/promptmesh/core"
)

// DiscardIO is a core.IO that drops all output and declines every question.
type DiscardIO struct{}

// Output implements core.IO.
func (DiscardIO) Output(string) {}

// Warning implements core.IO.
func (DiscardIO) Warning(string) {}

// Error implements core.IO.
func (DiscardIO) Error(string) {}

// Loading implements core.IO.
func (DiscardIO) Loading(string, bool) {}

// CommandOutput implements core.IO.
func (DiscardIO) CommandOutput(string, string) {}

// Confirm implements core.IO.
func (DiscardIO) Confirm(context.Context, core.Question) (bool, error) { return false, nil }

var _ core.IO = DiscardIO{}
