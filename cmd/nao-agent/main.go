package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/naolabs/nao-agent/internal/agent"
	"github.com/naolabs/nao-agent/internal/agent/tools"
	"github.com/naolabs/nao-agent/internal/chatstore"
	"github.com/naolabs/nao-agent/internal/config"
	"github.com/naolabs/nao-agent/internal/httpapi"
	"github.com/naolabs/nao-agent/internal/llm"
	"github.com/naolabs/nao-agent/internal/lockfile"
	"github.com/naolabs/nao-agent/internal/memory"
	"github.com/naolabs/nao-agent/internal/memstore"
	"github.com/naolabs/nao-agent/internal/skills"
	"github.com/naolabs/nao-agent/internal/usage"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("nao-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `nao-agent

Usage:
  nao-agent init [flags]
  nao-agent run [flags]
  nao-agent version

Commands:
  init        Write a starter config file.
  run         Run the agent daemon using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)

	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listenAddr := fs.String("listen", "", "HTTP listen address (default: 127.0.0.1:8787)")
	projectPath := fs.String("project", "", "Analytics project root (RULES.md, databases, skills)")
	dataDir := fs.String("data-dir", "", "SQLite data directory (default: config directory)")
	enablePython := fs.Bool("enable-python", false, "Expose the sandboxed execute_python tool")

	logFormat := fs.String("log-format", "json", "Log format: json|text")
	logLevel := fs.String("log-level", "info", "Log level: debug|info|warn|error")

	_ = fs.Parse(args)

	cfg := &config.Config{
		ListenAddr:   *listenAddr,
		DataDir:      *dataDir,
		ProjectPath:  *projectPath,
		EnablePython: *enablePython,
		LogFormat:    *logFormat,
		LogLevel:     *logLevel,
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)

	if err := run(cfg, logger); err != nil {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.TrimSpace(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.TrimSpace(cfg.LogFormat) == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *config.Config, logger *slog.Logger) error {
	dataDir := cfg.EffectiveDataDir()

	lock, err := lockfile.AcquireDir(dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	chats, err := chatstore.Open(filepath.Join(dataDir, "chats.db"))
	if err != nil {
		return fmt.Errorf("open chat store: %w", err)
	}
	defer func() { _ = chats.Close() }()

	memories, err := memstore.Open(filepath.Join(dataDir, "memories.db"))
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer func() { _ = memories.Close() }()

	ledger, err := usage.Open(filepath.Join(dataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open usage ledger: %w", err)
	}
	defer func() { _ = ledger.Close() }()

	resolver := llm.NewResolver(llm.ResolverOptions{})

	memSvc, err := memory.NewService(memory.Options{
		Memories:                 memories,
		Ledger:                   ledger,
		Resolver:                 resolver,
		ProviderConfigs:          cfg.Providers,
		Logger:                   logger,
		MaxConcurrentExtractions: cfg.MaxConcurrentExtractions,
	})
	if err != nil {
		return fmt.Errorf("init memory service: %w", err)
	}

	skillMgr := skills.NewManager(cfg.ProjectPath)
	skillMgr.Discover()

	agents, err := agent.NewService(agent.Deps{
		Chats:           chats,
		Memories:        memSvc,
		Skills:          skillMgr,
		Workspace:       tools.NewWorkspace(cfg.ProjectPath),
		Ledger:          ledger,
		Logger:          logger,
		Resolver:        resolver,
		ProviderConfigs: cfg.Providers,
		DefaultModel:    cfg.DefaultModel,
		EnablePython:    cfg.EnablePython,
	})
	if err != nil {
		return fmt.Errorf("init agent service: %w", err)
	}

	server, err := httpapi.New(httpapi.Options{
		Addr:     cfg.EffectiveListenAddr(),
		Agents:   agents,
		Chats:    chats,
		Memories: memories,
		Ledger:   ledger,
		Logger:   logger,
		Version:  Version,
	})
	if err != nil {
		return fmt.Errorf("init http api: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("nao-agent running", "version", Version, "data_dir", dataDir, "project", cfg.ProjectPath)

	<-ctx.Done()

	_ = server.Close()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := memSvc.Close(drainCtx); err != nil {
		logger.Warn("memory extraction drain incomplete", "error", err)
	}
	return nil
}
