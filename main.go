package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/janwilmake/mcp-completions/internal/config"
	"github.com/janwilmake/mcp-completions/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: mcp-completions <command> [flags]")
		fmt.Fprintln(os.Stderr, "Commands: serve")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(cmdServe())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Commands: serve")
		os.Exit(1)
	}
}

func cmdServe() int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to YAML config file")
	host := fs.String("host", "", "Bind host (overrides config)")
	port := fs.Int("port", 0, "Listen port (overrides config)")
	upstreamURL := fs.String("upstream-url", "", "Upstream chat-completions endpoint (overrides config)")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	logLevel := fs.String("log-level", "", "Log level (debug|info|warn|error)")
	fs.Parse(os.Args[2:])

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *upstreamURL != "" {
		cfg.UpstreamURL = *upstreamURL
	}
	if *verbose {
		cfg.Verbose = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	setupLogger(cfg.LogLevel)

	srv := server.New(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	slog.Info("mcp-completions starting",
		"host", cfg.Host,
		"port", cfg.Port,
		"upstream", cfg.UpstreamURL,
	)
	if err := srv.ListenAndServe(); err != nil && err.Error() != "http: Server closed" {
		slog.Error("server error", "error", err)
		return 1
	}
	return 0
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.TimeOnly,
	})
	slog.SetDefault(slog.New(handler))
}
