package coder

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/model"
)

// ModelResolver returns the model registered under name.
type ModelResolver func(name string) (model.Model, error)

// ModelForker derives ModelCoders. Resolved models are cached by name.
type ModelForker struct {
	resolve ModelResolver

	mu     sync.Mutex
	models map[string]model.Model
}

// NewModelForker creates a forker resolving model names with resolve.
func NewModelForker(resolve ModelResolver) *ModelForker {
	return &ModelForker{
		resolve: resolve,
		models:  make(map[string]model.Model),
	}
}

// Fork implements core.Forker. The derived coder inherits the base's
// history, files, cost and commits unless opts override them. With
// opts.Refresh the model is resolved again and replaces the cached one.
func (f *ModelForker) Fork(_ context.Context, base core.Coder, opts core.ForkOptions) (core.Coder, error) {
	settings := base.Settings()
	if opts.Settings != nil {
		settings = *opts.Settings
	}

	if opts.EditFormat != "" {
		settings.EditFormat = opts.EditFormat
	}

	m, err := f.modelFor(base, settings.Name, opts.Refresh)
	if err != nil {
		return nil, fmt.Errorf("fork coder: %w", err)
	}

	var (
		history      []core.Message
		instructions string
		workDir      string
	)

	if mc, ok := base.(*ModelCoder); ok {
		history = mc.History()
		instructions = mc.instructions
		workDir = mc.workDir
	}

	if opts.Messages != nil {
		history = opts.Messages
	}

	files := base.ContextFiles()
	if opts.Files != nil {
		files = opts.Files
	}

	io := opts.IO
	if io == nil {
		io = DiscardIO{}
	}

	child := NewModelCoder(m, func(o *Options) {
		o.Settings = settings
		o.Instructions = instructions
		o.Messages = history
		o.Files = files
		o.IO = io
		o.WorkDir = workDir
	})

	prev := base.Result()
	child.Absorb(core.Result{TotalCost: prev.TotalCost, CommitHashes: slices.Clone(prev.CommitHashes)})

	return child, nil
}

func (f *ModelForker) modelFor(base core.Coder, name string, refresh bool) (model.Model, error) {
	mc, isModelCoder := base.(*ModelCoder)
	if isModelCoder && name == "" {
		name = mc.model.Info().Name
	}

	if !refresh && isModelCoder && mc.model.Info().Name == name {
		return mc.model, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if m, ok := f.models[name]; ok && !refresh {
		return m, nil
	}

	if f.resolve == nil {
		return nil, fmt.Errorf("no resolver for model %q", name)
	}

	m, err := f.resolve(name)
	if err != nil {
		return nil, err
	}

	f.models[name] = m

	return m, nil
}

var _ core.Forker = (*ModelForker)(nil)
