// Command promptmesh connects a coding assistant to an editor client.
//
// Usage:
//
//	promptmesh run --server-url ws://localhost:24337/connector --base-dir .
//	promptmesh config --provider anthropic --model claude-sonnet-4-5
//
// Settings are read from flags, PROMPTMESH_* environment variables and an
// optional promptmesh.yaml, in that order of precedence.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hupe1980/promptmesh"
	"github.com/hupe1980/promptmesh/coder"
	"github.com/hupe1980/promptmesh/config"
	"github.com/hupe1980/promptmesh/logging"
	"github.com/hupe1980/promptmesh/registry"
)

const (
	reconnectDelay  = 2 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	d := config.Default()

	var cfgFile string

	root := &cobra.Command{
		Use:          "promptmesh",
		Short:        "Connect a coding assistant to an editor client",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default ./promptmesh.yaml)")
	flags.String("server-url", d.ServerURL, "websocket endpoint of the client")
	flags.String("base-dir", d.BaseDir, "project root")
	flags.Bool("watch-files", d.WatchFiles, "turn \"AI!\" comments in changed files into prompts")
	flags.Bool("auto-yes", d.AutoYes, "answer confirmations without asking")
	flags.Int("max-reflections", d.MaxReflections, "reflection rounds per prompt")
	flags.String("status-addr", d.StatusAddr, "status server address, empty to disable")
	flags.String("log-level", d.Log.Level, "debug, info, warn or error")
	flags.String("log-format", d.Log.Format, "text or json")
	flags.String("provider", d.Model.Provider, "model provider: openai, anthropic or mock")
	flags.String("model", d.Model.Name, "main model")
	flags.String("weak-model", d.Model.WeakModel, "weak model")
	flags.String("editor-model", d.Model.EditorModel, "editor model for architect prompts")

	for key, name := range map[string]string{
		"server_url":         "server-url",
		"base_dir":           "base-dir",
		"watch_files":        "watch-files",
		"auto_yes":           "auto-yes",
		"max_reflections":    "max-reflections",
		"status_addr":        "status-addr",
		"log.level":          "log-level",
		"log.format":         "log-format",
		"model.provider":     "provider",
		"model.name":         "model",
		"model.weak_model":   "weak-model",
		"model.editor_model": "editor-model",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	load := func() (config.Config, error) { return config.Load(v, cfgFile) }

	root.AddCommand(newRunCmd(load), newConfigCmd(load))

	return root
}

func newConfigCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			cfg.Model.APIKey = redact(cfg.Model.APIKey)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			return enc.Encode(cfg)
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}

	return "***"
}

func newRunCmd(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the client and serve prompts until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}

			logger := logging.NewSlogLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, false).
				WithComponent("promptmesh")

			return run(cmd.Context(), cfg, logger)
		},
	}
}

func run(ctx context.Context, cfg config.Config, logger logging.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	resolve := newResolver(cfg.Model)

	base, err := newSessionCoder(cfg.Model, cfg.BaseDir, resolve)
	if err != nil {
		return err
	}

	mesh := promptmesh.New(base, coder.NewModelForker(resolve), func(o *promptmesh.Options) {
		o.BaseDir = cfg.BaseDir
		o.WatchFiles = cfg.WatchFiles
		o.MaxReflections = cfg.MaxReflections
		o.PoolSize = cfg.WorkerPoolSize
		o.PollInterval = cfg.PollInterval
		o.AutoYes = cfg.AutoYes
		o.Metrics = registry.MustNewMetrics(promReg)
		o.Logger = logger
	})

	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := mesh.Shutdown(sctx); err != nil {
			logger.Warn("shutdown: %v", err)
		}
	}()

	if cfg.StatusAddr != "" {
		if cfg.Log.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}

		srv := &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           newStatusRouter(mesh, promReg),
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server: %v", err)
			}
		}()

		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()

			_ = srv.Shutdown(sctx)
		}()

		logger.Info("status server listening on %s", cfg.StatusAddr)
	}

	for {
		err := mesh.Connect(ctx, cfg.ServerURL)
		if ctx.Err() != nil {
			return nil
		}

		logger.Warn("connection to %s lost: %v", cfg.ServerURL, err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}
