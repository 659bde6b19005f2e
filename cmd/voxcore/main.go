// Package main is the entry point for voxcore.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jtholman/voxcore/internal/adapters"
	"github.com/jtholman/voxcore/internal/adapters/ollama"
	"github.com/jtholman/voxcore/internal/adapters/sim"
	"github.com/jtholman/voxcore/internal/buildinfo"
	"github.com/jtholman/voxcore/internal/cas"
	"github.com/jtholman/voxcore/internal/command"
	"github.com/jtholman/voxcore/internal/config"
	"github.com/jtholman/voxcore/internal/events"
	"github.com/jtholman/voxcore/internal/gateway"
	"github.com/jtholman/voxcore/internal/ledger"
	"github.com/jtholman/voxcore/internal/manifest"
	"github.com/jtholman/voxcore/internal/relay"
	"github.com/jtholman/voxcore/internal/session"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	mode := flag.String("mode", "sim", "session mode: sim, live, or relay")
	wsHost := flag.String("ws-host", "", "WebSocket bind address (default: all interfaces)")
	wsPort := flag.Int("ws-port", 0, "WebSocket bind port (default: 7777 or config's gateway.port)")
	runsDir := flag.String("runs-dir", "", "directory for per-session run manifests and traces")
	casDir := flag.String("cas-dir", "", "directory for content-addressed artifact storage")
	autostart := flag.Bool("autostart", false, "issue a synthetic start_sim on the first events subscriber")
	ollamaURL := flag.String("ollama-url", "", "Ollama base URL for --mode live (default: http://localhost:11434)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.Info() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	applyFlagOverrides(cfg, *wsHost, *wsPort, *runsDir, *casDir, *autostart)

	logger.Info("starting voxcore", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "mode", *mode,
		"address", cfg.Gateway.Address, "port", cfg.Gateway.Port)

	if err := os.MkdirAll(cfg.RunsDir, 0o755); err != nil {
		logger.Error("create runs dir", "path", cfg.RunsDir, "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.CASDir, 0o755); err != nil {
		logger.Error("create cas dir", "path", cfg.CASDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	var runErr error
	if *mode == "relay" {
		runErr = runRelay(ctx, logger, cfg)
	} else {
		runErr = runOrchestrated(ctx, logger, cfg, *mode, *ollamaURL)
	}

	if runErr != nil && ctx.Err() == nil {
		logger.Error("voxcore failed", "error", runErr)
		os.Exit(1)
	}
	logger.Info("voxcore stopped")
}

// runOrchestrated wires the session orchestrator, command handler, ledger
// watcher, and gateway together and serves until ctx is cancelled. Used by
// both sim and live modes; they differ only in which adapters back the
// orchestrator.
func runOrchestrated(ctx context.Context, logger *slog.Logger, cfg *config.Config, mode, ollamaURL string) error {
	bus := events.New()
	casStore := cas.New(cfg.CASDir)
	manifestWriter := manifest.NewWriter()

	stt, tts, llmAdapter, err := buildAdapters(mode, ollamaURL, logger)
	if err != nil {
		return fmt.Errorf("build adapters: %w", err)
	}

	orch := session.New(logger, bus, cfg, stt, tts, llmAdapter, casStore, manifestWriter, cfg.RunsDir)
	handler := command.New(logger, bus, orch, cfg)

	ledgerStore, err := openLedger(cfg.RunsDir)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	watcher := ledger.NewWatcher(ledgerStore, bus, logger)
	watcherDone := make(chan struct{})
	go watcher.Run(watcherDone)
	defer close(watcherDone)

	gw := gateway.New(gateway.Config{
		Address:   cfg.Gateway.Address,
		Port:      cfg.Gateway.Port,
		Autostart: cfg.Gateway.Autostart,
	}, bus, handler, logger)

	return gw.Start(ctx)
}

// runRelay serves the split-mode relay: no orchestrator, commands mapped
// straight to canned events per the static table in internal/relay.
func runRelay(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	rl := relay.New(logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Gateway.Address, cfg.Gateway.Port),
		Handler:      rl.Mux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("starting relay", "address", cfg.Gateway.Address, "port", cfg.Gateway.Port)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func loadConfig(explicit string) (*config.Config, error) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, err
		}
		return config.Default(), nil
	}
	return config.Load(path)
}

func applyFlagOverrides(cfg *config.Config, wsHost string, wsPort int, runsDir, casDir string, autostart bool) {
	if wsHost != "" {
		cfg.Gateway.Address = wsHost
	}
	if wsPort != 0 {
		cfg.Gateway.Port = wsPort
	}
	if runsDir != "" {
		cfg.RunsDir = runsDir
	}
	if casDir != "" {
		cfg.CASDir = casDir
	}
	if autostart {
		cfg.Gateway.Autostart = true
	}
	if cfg.RunsDir == "" {
		cfg.RunsDir = "./runs"
	}
	if cfg.CASDir == "" {
		cfg.CASDir = "./cas"
	}
}

// buildAdapters selects the STT/TTS/LLM trio for the requested mode. sim
// uses the fully canned timeline adapters; live swaps in a real Ollama LLM
// adapter while keeping the fixture STT/TTS pair, since audio I/O stays out
// of scope per §1's Non-goals.
func buildAdapters(mode, ollamaURL string, logger *slog.Logger) (adapters.STT, adapters.TTS, adapters.LLM, error) {
	stt := &sim.STT{Profile: "fast"}
	tts := &sim.TTS{}

	switch mode {
	case "sim":
		return stt, tts, &sim.LLM{}, nil
	case "live":
		return stt, tts, ollama.New(ollamaURL, logger), nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown mode %q (want sim, live, or relay)", mode)
	}
}

func openLedger(runsDir string) (*ledger.Store, error) {
	dbPath := filepath.Join(runsDir, "ledger.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	return ledger.New(db)
}
