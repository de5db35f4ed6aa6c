// claude-mem worker daemon: ingests tool events over loopback HTTP, compresses
// them into observations via an LLM conversation per session, and serves
// search, timeline, and context retrieval over the same API.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/claude-mem/claude-mem/pkg/agents"
	"github.com/claude-mem/claude-mem/pkg/api"
	"github.com/claude-mem/claude-mem/pkg/config"
	"github.com/claude-mem/claude-mem/pkg/llm"
	"github.com/claude-mem/claude-mem/pkg/processor"
	"github.com/claude-mem/claude-mem/pkg/project"
	"github.com/claude-mem/claude-mem/pkg/search"
	"github.com/claude-mem/claude-mem/pkg/session"
	"github.com/claude-mem/claude-mem/pkg/store"
	"github.com/claude-mem/claude-mem/pkg/vector"
	"github.com/claude-mem/claude-mem/pkg/version"
)

func main() {
	daemon := flag.Bool("daemon", false, "run the worker in the foreground")
	dataDir := flag.String("data-dir", "", "override the data directory (default ~/.claude-mem)")
	flag.Parse()

	if !*daemon {
		fmt.Printf("claude-mem %s (%s)\nrun with --daemon to start the worker\n", version.Version, version.Commit)
		return
	}

	// .env is loaded before config so env overrides in it take effect.
	envPath := filepath.Join(resolveDataDir(*dataDir), ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	closeLogs := setupLogging(cfg)
	defer closeLogs()

	slog.Info("Starting claude-mem worker",
		"version", version.Version,
		"data_dir", cfg.DataDir,
		"addr", cfg.ListenAddr(),
		"provider", cfg.Provider)

	ctx := context.Background()

	// 1. Store: migration failure is fatal by contract.
	st, err := store.Open(ctx, cfg.DatabasePath())
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()

	// 2. Orphan recovery: messages stuck in processing from a dead worker.
	threshold := time.Now().Add(-cfg.StaleProcessingTimeout).UnixMilli()
	if _, err := st.ResetStaleProcessing(ctx, threshold); err != nil {
		slog.Warn("Stale processing reset failed", "error", err)
	}

	// 3. Vector index. Explicit http/embedded modes fail loud here.
	index, err := vector.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize vector index", "error", err)
		os.Exit(1)
	}
	defer index.Close()

	// 4. LLM provider chain.
	client, err := llm.New(cfg)
	if err != nil {
		slog.Error("Failed to build LLM client", "error", err)
		os.Exit(1)
	}

	mode, err := config.LoadMode(cfg.ModesDir(), cfg.Mode)
	if err != nil {
		slog.Error("Failed to load mode", "mode", cfg.Mode, "error", err)
		os.Exit(1)
	}

	// 5. Processing pipeline and per-session supervisors.
	proc := processor.New(st, index)
	manager := session.NewManager(st, client, proc, mode, cfg.SessionIdleTimeout)
	resumeActiveSessions(ctx, st, manager)

	registry := agents.NewRegistry(st,
		time.Duration(cfg.KeyExpiryDays)*24*time.Hour,
		time.Duration(cfg.LockoutSeconds)*time.Second,
		cfg.MaxFailedAttempts)
	engine := search.NewEngine(st, index, mode, cfg.MaxAliases, cfg.SearchRecencyDays)
	backfiller := vector.NewBackfiller(index, st)
	resolver := project.NewResolver(cfg.GitRemoteOrder)

	// 6. HTTP surface.
	server := api.NewServer(cfg, st, registry, engine, manager, resolver, index, backfiller, providerCheck(cfg))
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
		return
	}

	// Stop accepting requests first, then unwind the supervisors; each one
	// returns its in-flight message to pending before exiting.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown incomplete", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("Supervisor shutdown incomplete", "error", err)
	}
	slog.Info("Shutdown complete")
}

// resolveDataDir mirrors the config package's directory fallback for the
// pre-config .env load.
func resolveDataDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if dir := os.Getenv("CLAUDE_MEM_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".claude-mem")
}

// setupLogging routes slog to stderr and a dated file under the data
// directory. Returns a closer for the file handle.
func setupLogging(cfg *config.Config) func() {
	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		slog.Warn("Could not create log directory, logging to stderr only", "error", err)
		return func() {}
	}
	name := fmt.Sprintf("claude-mem-%s.log", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(cfg.LogDir(), name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("Could not open log file, logging to stderr only", "error", err)
		return func() {}
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stderr, file), nil)
	slog.SetDefault(slog.New(handler))
	return func() { _ = file.Close() }
}

// resumeActiveSessions restarts a supervisor for every active session that
// still has queued work after a restart.
func resumeActiveSessions(ctx context.Context, st *store.Store, manager *session.Manager) {
	sessions, err := st.ActiveSessions(ctx)
	if err != nil {
		slog.Warn("Could not list active sessions for resume", "error", err)
		return
	}
	resumed := 0
	for _, sess := range sessions {
		n, err := st.PendingCount(ctx, sess.ID)
		if err != nil || n == 0 {
			continue
		}
		manager.Notify(sess)
		resumed++
	}
	if resumed > 0 {
		slog.Info("Resumed session supervisors", "count", resumed)
	}
}

// providerCheck probes the configured provider's endpoint for the readiness
// endpoint. Providers without a configured URL (cloud defaults) are assumed
// reachable: a failing key surfaces on the first real call, not here.
func providerCheck(cfg *config.Config) api.ReadinessCheck {
	pc := cfg.Providers[cfg.Provider]
	if pc.URL == "" {
		return nil
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pc.URL, nil)
		if err != nil {
			return err
		}
		client := &http.Client{Timeout: 3 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("provider %s unreachable: %w", cfg.Provider, err)
		}
		resp.Body.Close()
		return nil
	}
}
