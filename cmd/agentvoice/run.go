package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/MrWong99/agentvoice/internal/app"
	"github.com/MrWong99/agentvoice/internal/config"
	"github.com/MrWong99/agentvoice/internal/observe"
)

var (
	watchConfig   bool
	watchInterval time.Duration
)

func init() {
	runCmd.Flags().BoolVar(&watchConfig, "watch", true, "reload log level, recording and voice settings when the config file changes")
	runCmd.Flags().DurationVar(&watchInterval, "watch-interval", 5*time.Second, "config file polling interval")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a voice session",
	Long: `Run a voice session with the pipeline selected by pipeline.mode.

The control server on server.listen_addr exposes the session state, the
recording controls, push-to-talk key events and a websocket event stream.

Examples:
  # Run with the default config.yaml
  agentvoice run

  # Run with another config and no hot reload
  agentvoice run -c agent.yaml --watch=false`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

func runSession(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("agentvoice starting",
		"version", version,
		"config", configPath,
		"pipeline", cfg.Pipeline.Mode,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Observability ────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "agentvoice",
		ServiceVersion: version,
		PipelineMode:   cfg.Pipeline.Mode,
		AgentID:        cfg.Pipeline.AgentID,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// ── Providers ────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	closeBuiltins := registerBuiltinProviders(reg)
	defer closeBuiltins()

	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		return fmt.Errorf("build providers: %w", describeProviderError(err))
	}

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics, promhttp.Handler()),
		app.WithLevelVar(logLevel),
	)
	if err != nil {
		return err
	}

	// ── Hot reload ───────────────────────────────────────────────────────
	if watchConfig {
		w, err := config.NewWatcher(configPath, application.ApplyDiff, config.WithInterval(watchInterval))
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx)
		}
	}

	runErr := application.Run(ctx)

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}
