package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	httpadapter "github.com/thiesgerken/carapace/internal/adapter/inbound/http"
	"github.com/thiesgerken/carapace/internal/adapter/inbound/ws"
	"github.com/thiesgerken/carapace/internal/adapter/outbound/audit"
	"github.com/thiesgerken/carapace/internal/adapter/outbound/llm"
	"github.com/thiesgerken/carapace/internal/adapter/outbound/state"
	"github.com/thiesgerken/carapace/internal/auth"
	"github.com/thiesgerken/carapace/internal/bootstrap"
	"github.com/thiesgerken/carapace/internal/config"
	"github.com/thiesgerken/carapace/internal/domain/approval"
	"github.com/thiesgerken/carapace/internal/domain/credential"
	"github.com/thiesgerken/carapace/internal/domain/memory"
	"github.com/thiesgerken/carapace/internal/domain/rule"
	"github.com/thiesgerken/carapace/internal/domain/security"
	"github.com/thiesgerken/carapace/internal/domain/session"
	"github.com/thiesgerken/carapace/internal/domain/skill"
	"github.com/thiesgerken/carapace/internal/domain/usage"
	"github.com/thiesgerken/carapace/internal/service"
)

// Exit codes: 0 normal, 1 configuration error, 2 bind/port error.
const (
	exitConfig = 1
	exitBind   = 2
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway server",
	Long: `Start the Carapace server: the HTTP control plane, the WebSocket data
plane, and the security pipeline. The data directory is seeded on first
start.`,
	Run: func(cmd *cobra.Command, args []string) {
		runStart()
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart() {
	if created, err := bootstrap.EnsureDataDir(dataDir); err != nil {
		fmt.Fprintln(os.Stderr, "data directory bootstrap failed:", err)
		os.Exit(exitConfig)
	} else if len(created) > 0 {
		fmt.Fprintf(os.Stderr, "seeded %d file(s) in %s\n", len(created), dataDir)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfig)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Carapace.LogLevel),
	}))

	// Signal context for graceful shutdown. stop() restores default
	// signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(exitConfig)
	}
	logger.Info("carapace stopped")
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	token, err := auth.EnsureToken(dataDir)
	if err != nil {
		return fmt.Errorf("token bootstrap: %w", err)
	}

	rules, err := rule.NewStore(filepath.Join(dataDir, "rules.yaml"), logger)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	sessionStore, err := state.NewStore(dataDir, logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	manager := session.NewManager(sessionStore, logger)
	retention := time.Duration(cfg.Sessions.HistoryRetentionDays) * 24 * time.Hour
	manager.StartRetentionSweep(ctx, time.Hour, retention)

	auditLog, err := audit.NewFileStore(filepath.Join(dataDir, "audit"), cfg.Audit.RetentionDays, logger)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer func() { _ = auditLog.Close() }()

	client, err := llm.NewGoogleClient(ctx)
	if err != nil {
		return fmt.Errorf("model client: %w", err)
	}

	tracker := usage.NewTracker()
	classifier := llm.NewClassifier(client, cfg.Agent.ClassifierModel, tracker, logger)
	evaluator := llm.NewEvaluator(client, cfg.Agent.ClassifierModel, tracker, logger)
	engine := security.NewEngine(evaluator, logger)
	approvals := approval.NewGate(cfg.Security.ApprovalTimeoutDuration(), logger)

	registry := prometheus.NewRegistry()
	metrics := httpadapter.NewMetrics(registry)

	gate := service.NewGateService(classifier, engine, rules, approvals, auditLog, metrics, logger)
	skills := skill.NewRegistry(filepath.Join(dataDir, "skills"))
	memories := memory.NewStore(dataDir)
	creds := credential.NewMockBroker()
	agent := service.NewAgentService(client, cfg.Agent.Model, gate, skills, memories,
		creds, tracker, dataDir, logger)
	commands := service.NewCommandService(manager, rules, approvals, skills, memories, logger)

	handler := httpadapter.NewHandler(manager, token, metrics, registry, logger)
	chat := ws.NewHandler(manager, agent, commands, approvals, token,
		func(delta int) { metrics.ActiveChannels.Add(float64(delta)) }, logger)
	handler.Mux().Handle("GET /chat/{id}", chat)

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		fmt.Fprintln(os.Stderr, "bind failed:", err)
		os.Exit(exitBind)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("carapace server ready",
		"addr", cfg.Server.Addr(),
		"model", cfg.Agent.Model,
		"classifier_model", cfg.Agent.ClassifierModel,
		"rules", rules.Current().Len(),
		"token_prefix", token[:8],
	)

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
