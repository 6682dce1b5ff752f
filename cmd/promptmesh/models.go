package main

import (
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/promptmesh/coder"
	"github.com/hupe1980/promptmesh/config"
	"github.com/hupe1980/promptmesh/core"
	"github.com/hupe1980/promptmesh/model"
	"github.com/hupe1980/promptmesh/model/anthropic"
	"github.com/hupe1980/promptmesh/model/openai"
)

// newResolver maps model names to adapters of the configured provider.
func newResolver(cfg config.ModelConfig) coder.ModelResolver {
	return func(name string) (model.Model, error) {
		if name == "" {
			return nil, fmt.Errorf("%s: empty model name", cfg.Provider)
		}

		switch cfg.Provider {
		case config.ProviderOpenAI:
			return openai.NewModel(func(o *openai.Options) {
				o.Model = name
				o.APIKey = cfg.APIKey
			}), nil
		case config.ProviderAnthropic:
			return anthropic.NewModel(func(o *anthropic.Options) {
				o.Model = anthropicsdk.Model(name)
				o.APIKey = cfg.APIKey
			}), nil
		case config.ProviderMock:
			return model.NewMockModel(name, config.ProviderMock), nil
		default:
			return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
		}
	}
}

// newSessionCoder builds the session coder every prompt forks from. Shell
// commands run in workDir.
func newSessionCoder(cfg config.ModelConfig, workDir string, resolve coder.ModelResolver) (*coder.ModelCoder, error) {
	m, err := resolve(cfg.Name)
	if err != nil {
		return nil, err
	}

	return coder.NewModelCoder(m, func(o *coder.Options) {
		o.Settings = core.ModelSettings{
			Name:        cfg.Name,
			WeakModel:   cfg.WeakModel,
			EditorModel: cfg.EditorModel,
			EditFormat:  cfg.EditFormat,
		}
		o.WorkDir = workDir
	}), nil
}
