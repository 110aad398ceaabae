// ABOUTME: Entry point for the bistoury diagnostics relay proxy.
// ABOUTME: Routes UI console sessions to diagnostics agents over WebSocket.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/yanweibing/bistoury/internal/config"
	"github.com/yanweibing/bistoury/internal/proxy"
)

// version is set by the release build.
var version = "dev"

const banner = `
 _     _     _
| |__ (_)___| |_ ___  _   _ _ __ _   _
| '_ \| / __| __/ _ \| | | | '__| | | |
| |_) | \__ \ || (_) | |_| | |  | |_| |
|_.__/|_|___/\__\___/ \__,_|_|   \__, |
                                 |___/   proxy
`

// getConfigPath returns the path to the proxy config file.
// Priority: BISTOURY_CONFIG env var > ./proxy.yaml > ~/.config/bistoury/proxy.yaml
func getConfigPath() string {
	if envPath := os.Getenv("BISTOURY_CONFIG"); envPath != "" {
		return envPath
	}

	if _, err := os.Stat("proxy.yaml"); err == nil {
		return "proxy.yaml"
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "proxy.yaml" // fallback
	}
	return filepath.Join(homeDir, ".config", "bistoury", "proxy.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: bistoury-proxy <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the proxy server")
		fmt.Println("  health   Check proxy health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("UI:      %s\n", cfg.Server.UIAddr)
	green.Print("    ▶ ")
	fmt.Printf("Agents:  %s\n", cfg.Server.AgentAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:    %s\n", cfg.Server.HTTPAddr)
	fmt.Println()

	p, err := proxy.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating proxy: %w", err)
	}

	return p.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := "http://" + cfg.Server.HTTPAddr + "/health/ready"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("proxy unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: %s", string(body))
	}

	fmt.Println(string(body))
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		maxSize := cfg.MaxSizeMB
		if maxSize <= 0 {
			maxSize = 100
		}
		maxBackups := cfg.MaxBackups
		if maxBackups <= 0 {
			maxBackups = 5
		}
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			Compress:   true,
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}
