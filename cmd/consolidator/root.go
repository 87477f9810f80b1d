package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/backlog"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/buildinfo"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/config"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/metrics"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/telemetry"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/pkg/consolidator"
)

var (
	configPath string
	logFormat  string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "consolidator",
	Short: "Consolidate interview entities and replicate changes to shadow stores",
	Long: `consolidator merges entities extracted from stakeholder interviews into one
deduplicated knowledge base on libSQL, records every change in an event log and
replicates that log to SQL and graph shadow stores.`,
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("consolidator {{.Version}} (%s, %s)\n", buildinfo.Revision, buildinfo.BuildDate))
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

// newLogger writes to stderr so stdout stays free for results and stdio MCP.
func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(logFormat) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q (expected text or json)", logFormat)
	}
}

// app bundles what every subcommand needs.
type app struct {
	cfg           *config.Config
	svc           *consolidator.Service
	logger        *slog.Logger
	traceShutdown func(context.Context) error
}

// setup loads the configuration and wires the service. mutate applies flag
// overrides before wiring.
func setup(ctx context.Context, mutate func(*config.Config)) (*app, error) {
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if err := metrics.Init(cfg.Metrics.Prometheus, cfg.Metrics.Addr); err != nil {
		logger.Warn("prometheus disabled", "error", err)
	}
	exporter := "none"
	if cfg.Metrics.Trace {
		exporter = "stdout"
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "consolidator",
		ServiceVersion: buildinfo.Version,
		Exporter:       exporter,
	})
	if err != nil {
		return nil, err
	}

	svc, err := consolidator.New(ctx, cfg, consolidator.WithLogger(logger))
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}
	return &app{cfg: cfg, svc: svc, logger: logger, traceShutdown: shutdown}, nil
}

func (a *app) Close() {
	if err := errors.Join(a.svc.Close(), a.traceShutdown(context.Background())); err != nil {
		a.logger.Warn("shutdown", "error", err)
	}
}

// printJSON writes v to stdout, or to path when set.
func printJSON(path string, v any) error {
	if path != "" {
		return backlog.WriteJSON(path, v)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
