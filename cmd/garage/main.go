// Package main provides the garage binary entry point.
// Garage sends one prompt to several LLM providers side by side, or runs a
// sequential workflow in which each assigned provider builds on the
// previous stage's output.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/garage/llm/providers"

	"github.com/c360studio/garage/config"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "garage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions holds the flags shared by every subcommand.
type globalOptions struct {
	configPath  string
	logLevel    string
	metricsAddr string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Compare LLM providers and chain them into workflows",
		Long: `Garage talks to several LLM providers (OpenAI, Anthropic, Google, Groq)
with your own API keys.

It provides:
- Compare mode: one prompt, every connected provider, answers side by side
- Workflow mode: a template of roles, each assigned to a provider, where
  every stage receives the previous stage's output

Connections and response history are stored locally, or in NATS JetStream
when configured.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g., :9090)")

	cmd.AddCommand(
		compareCmd(opts),
		workflowCmd(opts),
		connectCmd(opts),
		disconnectCmd(opts),
		statusCmd(opts),
		resetAllCmd(opts),
		templatesCmd(),
		historyCmd(opts),
	)

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// loadConfig layers the config files and applies flag overrides.
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(slog.Default()).Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Addr = o.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// newLogger configures logging at the config's level.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// startApp loads configuration and starts the application. Logs go to w.
// The caller must call Shutdown on the returned App.
func (o *globalOptions) startApp(ctx context.Context, w io.Writer) (*App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	app := NewApp(cfg, newLogger(cfg, w))
	if err := app.Start(ctx); err != nil {
		app.Shutdown(shutdownTimeout)
		return nil, err
	}
	return app, nil
}
