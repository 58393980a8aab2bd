// ABOUTME: Entry point for the warren orchestrator
// ABOUTME: Bridges Matrix operators to coding-agent subprocesses

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/warren/internal/config"
	"github.com/2389/warren/internal/service"
)

const banner = `
    ╭──────────────────────────────╮
    │                              │
    │   ╻ ╻┏━┓┏━┓┏━┓┏━╸┏┓╻         │
    │   ┃╻┃┣━┫┣┳┛┣┳┛┣╸ ┃┗┫         │
    │   ┗┻┛╹ ╹╹┗╸╹┗╸┗━╸╹ ╹         │
    │                              │
    │     agent orchestrator       │
    │                              │
    ╰──────────────────────────────╯
`

// getConfigPath returns the path to the warren config file.
// Priority: WARREN_CONFIG env var > ./config.yaml > XDG_CONFIG_HOME/warren/config.yaml > ~/.config/warren/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("WARREN_CONFIG"); envPath != "" {
		return envPath
	}

	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "warren", "config.yaml")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	// State dir holds the agent database and per-agent tool configs.
	if err := os.MkdirAll(cfg.Agents.StateDir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	// Print startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:      %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver:  %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Manager:     %s\n", cfg.Matrix.UserID)
	green.Print("    ▶ ")
	fmt.Printf("Projects:    %s\n", cfg.Agents.ProjectsRoot)
	green.Print("    ▶ ")
	fmt.Printf("Permissions: %s\n", cfg.Permissions.ListenAddr)
	fmt.Println()

	svc, err := service.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting warren")
	return svc.Run(ctx)
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
