package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/mcphub/internal/config"
	"github.com/Tyrowin/mcphub/internal/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("MCPHUB_CONFIG"), "path to a YAML or TOML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

func run(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Println("    mcphub gateway")
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green.Print("    ▶ ")
	fmt.Printf("Listen:    %s\n", cfg.Server.Port)
	green.Print("    ▶ ")
	fmt.Printf("Stream:    GET  /mcp\n")
	green.Print("    ▶ ")
	fmt.Printf("Submit:    POST /mcp\n")
	green.Print("    ▶ ")
	fmt.Printf("Socket:    GET  /ws\n\n")

	gw, err := server.Build(cfg, logger)
	if err != nil {
		return fmt.Errorf("building gateway: %w", err)
	}
	httpServer := server.CreateServer(cfg.Server.Port, gw.Routes())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.StartServer(httpServer, logger)
	})
	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Listeners are closed first so open streams finish and the HTTP
		// server has no long-lived handlers left to wait for.
		gwErr := gw.Shutdown(shutdownCtx)
		srvErr := server.ShutdownServer(httpServer, cfg.Server.ShutdownTimeout, logger)
		return errors.Join(gwErr, srvErr)
	})

	return g.Wait()
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
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

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
