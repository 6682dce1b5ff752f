package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PROMPTMESH"

// Providers understood by the CLI.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderMock      = "mock"
)

// ModelConfig selects the generation backend.
type ModelConfig struct {
	Provider    string `mapstructure:"provider"`
	Name        string `mapstructure:"name"`
	WeakModel   string `mapstructure:"weak_model"`
	EditorModel string `mapstructure:"editor_model"`
	EditFormat  string `mapstructure:"edit_format"`
	APIKey      string `mapstructure:"api_key"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete process configuration.
type Config struct {
	ServerURL      string        `mapstructure:"server_url"`
	BaseDir        string        `mapstructure:"base_dir"`
	WatchFiles     bool          `mapstructure:"watch_files"`
	MaxReflections int           `mapstructure:"max_reflections"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	AutoYes        bool          `mapstructure:"auto_yes"`
	StatusAddr     string        `mapstructure:"status_addr"`
	Log            LogConfig     `mapstructure:"log"`
	Model          ModelConfig   `mapstructure:"model"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerURL:      "ws://localhost:24337/connector",
		BaseDir:        ".",
		MaxReflections: 3,
		WorkerPoolSize: 100,
		PollInterval:   250 * time.Millisecond,
		StatusAddr:     "127.0.0.1:24338",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Model: ModelConfig{
			Provider:   ProviderOpenAI,
			Name:       "gpt-4o",
			WeakModel:  "gpt-4o-mini",
			EditFormat: "diff",
		},
	}
}

// New returns a viper instance primed with the defaults and environment
// binding.
func New() *viper.Viper {
	v := viper.New()

	d := Default()
	v.SetDefault("server_url", d.ServerURL)
	v.SetDefault("base_dir", d.BaseDir)
	v.SetDefault("watch_files", d.WatchFiles)
	v.SetDefault("max_reflections", d.MaxReflections)
	v.SetDefault("worker_pool_size", d.WorkerPoolSize)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("auto_yes", d.AutoYes)
	v.SetDefault("status_addr", d.StatusAddr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("model.provider", d.Model.Provider)
	v.SetDefault("model.name", d.Model.Name)
	v.SetDefault("model.weak_model", d.Model.WeakModel)
	v.SetDefault("model.editor_model", d.Model.EditorModel)
	v.SetDefault("model.edit_format", d.Model.EditFormat)
	v.SetDefault("model.api_key", d.Model.APIKey)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads the config file (path, or promptmesh.yaml in the working
// directory or $HOME/.promptmesh when empty) into v and decodes it. A
// missing default config file is not an error.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("promptmesh")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.promptmesh")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.ServerURL == "":
		return errors.New("config: server_url is required")
	case c.MaxReflections < 0:
		return fmt.Errorf("config: max_reflections must be >= 0, got %d", c.MaxReflections)
	case c.WorkerPoolSize < 2:
		return fmt.Errorf("config: worker_pool_size must be >= 2, got %d", c.WorkerPoolSize)
	case c.PollInterval <= 0:
		return fmt.Errorf("config: poll_interval must be positive, got %s", c.PollInterval)
	}

	switch c.Model.Provider {
	case ProviderOpenAI, ProviderAnthropic, ProviderMock:
	default:
		return fmt.Errorf("config: unknown model provider %q", c.Model.Provider)
	}

	return nil
}
