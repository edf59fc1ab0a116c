// FastCP Agent - Privileged provisioning daemon
// Runs as root and serves the provisioning engine via Unix socket
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rehmatworks/fastcp-engine/internal/agent"
	"github.com/rehmatworks/fastcp-engine/internal/config"
	"github.com/rehmatworks/fastcp-engine/internal/database"
	"github.com/rehmatworks/fastcp-engine/internal/engine"
	"github.com/rehmatworks/fastcp-engine/internal/ssl"
	"github.com/rehmatworks/fastcp-engine/internal/system"
	"github.com/rehmatworks/fastcp-engine/internal/wellknown"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (default: OS-appropriate path)")
	socketPath := flag.String("socket", "", "Override the Unix socket path")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("FastCP Agent %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	logger := setupLogger(*logLevel)

	// Must run as root outside dev mode
	if os.Getuid() != 0 && !config.IsDevMode() {
		logger.Error("fastcp-agent must run as root")
		os.Exit(1)
	}

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if *socketPath != "" {
		cfg.AgentSocket = *socketPath
	}
	logger.Info("using config", "path", cfgPath, "data", cfg.DataDir, "users", cfg.UsersDir)
	if cfg.DisableNetwork {
		logger.Warn("outbound network disabled, certificate issuance will fail")
	}

	// Handle shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		logger.Error("failed to create data directory", "error", err)
		os.Exit(1)
	}
	store, err := database.Open(filepath.Join(cfg.DataDir, "fastcp.db"))
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// MySQL may still be starting; the engine runs without it and refuses
	// database operations until the agent is restarted
	var opts engine.Options
	mysql, err := database.OpenMySQL(ctx, cfg, logger)
	if err != nil {
		logger.Error("mysql unavailable, database provisioning disabled", "error", err)
	} else {
		defer mysql.Close()
		opts.MySQL = mysql
	}

	opts.Config = cfg
	opts.Store = store
	opts.Runner = system.NewExec()
	opts.Logger = logger
	eng, err := engine.New(opts)
	if err != nil {
		logger.Error("failed to build engine", "error", err)
		os.Exit(1)
	}

	scheduler, err := ssl.NewScheduler(ctx, eng.Scanner(), cfg.SSLScanMinutes, logger)
	if err != nil {
		logger.Error("failed to schedule ssl scan", "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.WellKnownListen != "" {
		wk := wellknown.NewServer(cfg.WellKnownDir, logger)
		go func() {
			if err := wk.ListenAndServe(ctx, cfg.WellKnownListen); err != nil {
				logger.Error("well-known responder stopped", "error", err)
			}
		}()
	}

	agentServer, err := agent.New(cfg.AgentSocket, eng, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	logger.Info("starting fastcp-agent", "version", Version, "socket", cfg.AgentSocket)
	if err := agentServer.Run(ctx); err != nil {
		logger.Error("agent error", "error", err)
		os.Exit(1)
	}
	logger.Info("agent stopped")
}

func setupLogger(levelName string) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var logger *slog.Logger
	if config.IsDevMode() {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	} else {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	slog.SetDefault(logger)
	return logger
}
