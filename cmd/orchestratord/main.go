// Command orchestratord is the orchestrator's process entrypoint: it loads
// configuration, opens the embedded store and event bus, wires the
// supervisor and executor registry, and runs the orchestrator's background
// sweepers until interrupted. Grounded on the teacher's cmd/main/main.go +
// cli.go cobra root command, narrowed to this module's own components.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/orchestrate-dev/orchestrator/internal/approval"
	"github.com/orchestrate-dev/orchestrator/internal/config"
	"github.com/orchestrate-dev/orchestrator/internal/eventbus"
	"github.com/orchestrate-dev/orchestrator/internal/executor/httpsse"
	"github.com/orchestrate-dev/orchestrator/internal/executor/jsonrpc"
	"github.com/orchestrate-dev/orchestrator/internal/executor/linejson"
	"github.com/orchestrate-dev/orchestrator/internal/gitservice"
	"github.com/orchestrate-dev/orchestrator/internal/logging"
	"github.com/orchestrate-dev/orchestrator/internal/orchestrator"
	"github.com/orchestrate-dev/orchestrator/internal/provider"
	"github.com/orchestrate-dev/orchestrator/internal/store"
	"github.com/orchestrate-dev/orchestrator/internal/supervisor"
	"github.com/orchestrate-dev/orchestrator/internal/sweeper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "orchestratord",
	Short: "Multi-agent coding workflow orchestrator daemon",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator's store, event bus, and background sweeps until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $XDG_CONFIG_HOME/orchestrator/config.yaml)")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	log := logging.New("orchestratord", cfg.Debug)

	tp, err := newTracerProvider()
	if err != nil {
		return fmt.Errorf("set up tracer provider: %w", err)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Warn("tracer provider shutdown failed", "err", err)
		}
	}()
	otel.SetTracerProvider(tp)

	s, err := store.Open(cfg.DBPath, logging.New("store", cfg.Debug))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	bus, err := eventbus.Open(eventbus.EmbeddedConfig{
		Port:     cfg.Lattice.Port,
		HTTPPort: cfg.Lattice.HTTPPort,
		StoreDir: cfg.Lattice.StoreDir,
	}, cfg.Lattice.ReplayLimit, logging.New("eventbus", cfg.Debug))
	if err != nil {
		return fmt.Errorf("open event bus: %w", err)
	}
	defer bus.Close()
	if err := bus.EnsureStreams(); err != nil {
		return fmt.Errorf("ensure event bus streams: %w", err)
	}

	git := gitservice.New(cfg.GitBin, logging.New("gitservice", cfg.Debug))
	sv := supervisor.New(s, git, bus, logging.New("supervisor", cfg.Debug))

	broker := approval.New(approval.AutoApprove, 0)
	executors := buildExecutorRegistry(cfg, broker, log)

	prov := provider.New("")

	orc := orchestrator.New(s, git, bus, sv, executors, prov, logging.New("orchestrator", cfg.Debug), orchestrator.Config{
		BranchPrefix: cfg.Orchestrator.DefaultBranchPrefix,
	})

	if err := sv.ReconcileOnStartup(ctx); err != nil {
		log.Warn("reconcile running processes on startup failed", "err", err)
	}

	sw := sweeper.New(s, git, logging.New("sweeper", cfg.Debug), cfg.Sweeper.StaleAfter)
	if err := sw.Start(ctx, fmt.Sprintf("@every %s", cfg.Sweeper.Interval)); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer sw.Stop()

	rec := orchestrator.NewReconciler(orc)
	if err := rec.Start(ctx, fmt.Sprintf("@every %s", cfg.Orchestrator.PRPollInterval)); err != nil {
		return fmt.Errorf("start pr reconciler: %w", err)
	}
	defer rec.Stop()

	log.Info("orchestratord ready", "data_dir", cfg.DataDir)
	<-ctx.Done()
	log.Info("orchestratord shutting down")
	return nil
}

// newTracerProvider sets up an in-process-only tracer provider: spans
// created by the supervisor and executor adapters (turn duration, spawn
// failures) are sampled and held in memory for anything reading the current
// span via context, but nothing exports them off-box since no OTLP
// collector endpoint is part of this module's configuration surface.
func newTracerProvider() (*sdktrace.TracerProvider, error) {
	res, err := sdkresource.Merge(sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName("orchestratord")))
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
}

// buildExecutorRegistry wires the three protocol adapters to their
// configured binaries, keyed by the executor names spec.md's §3 session
// model and this module's config reference ("claude-code", "codex",
// "opencode").
func buildExecutorRegistry(cfg *config.Config, broker *approval.Broker, log *slog.Logger) orchestrator.ExecutorRegistryMap {
	claude := linejson.New(cfg.Executors.ClaudeCodeBin, logging.New("executor.claude-code", cfg.Debug))
	claude.UseApprovals(broker)

	codex := jsonrpc.New(cfg.Executors.CodexBin, logging.New("executor.codex", cfg.Debug))
	codex.UseApprovals(broker)

	opencode := httpsse.New(cfg.Executors.OpenCodeBin, logging.New("executor.opencode", cfg.Debug))
	opencode.BaseURL = cfg.Executors.OpenCodeURL
	opencode.UseApprovals(broker)

	log.Debug("executor registry wired", "claude_code_bin", cfg.Executors.ClaudeCodeBin, "codex_bin", cfg.Executors.CodexBin, "opencode_bin", cfg.Executors.OpenCodeBin)

	return orchestrator.ExecutorRegistryMap{
		"claude-code": claude,
		"codex":       codex,
		"opencode":    opencode,
	}
}
