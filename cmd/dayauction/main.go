// Command dayauction is the entry point for the daily auction node and its
// settlement coordinator. It loads configuration, validates it, wires
// dependencies, sets up signal handling, and starts the application in the
// configured mode or runs a one-shot action.
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

	"github.com/alanyoungcy/dayauction/internal/app"
	"github.com/alanyoungcy/dayauction/internal/config"
	"github.com/alanyoungcy/dayauction/internal/crypto"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	initConfig := flag.Bool("init-config", false, "write the [protocol] settings to the ledger and exit")
	status := flag.Bool("status", false, "print an auction day as a table and exit")
	day := flag.Int64("day", -1, "day index for -status (default: current period)")
	encryptKey := flag.String("encrypt-key", "", "encrypt cranker.private_key with cranker.key_password into this file and exit")
	flag.Parse()

	// Setup structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return 1
	}

	// Set log level from config.
	var level slog.Level
	switch cfg.LogLevel {
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
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Key encryption needs no ledger and runs before validation so it can
	// produce the file a later config points at.
	if *encryptKey != "" {
		if err := writeEncryptedKey(cfg, *encryptKey); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			return 1
		}
		logger.Info("encrypted cranker key written", slog.String("path", *encryptKey))
		return 0
	}

	// Validate configuration.
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return 1
	}

	logger.Debug("configuration loaded", slog.Any("config", config.RedactedConfig(cfg)))

	// Create the application.
	application := app.New(cfg, logger)
	defer application.Close()

	// Setup signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch {
	case *initConfig:
		if err := application.InitConfig(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "init-config: %v\n", err)
			return 1
		}
		return 0
	case *status:
		if err := application.PrintDay(ctx, os.Stdout, *day); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			return 1
		}
		return 0
	}

	logger.Info("dayauction starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	// Run the application.
	if err := application.Run(ctx); err != nil {
		// context.Canceled is expected on clean shutdown.
		if errors.Is(err, context.Canceled) {
			logger.Info("application shut down gracefully")
		} else {
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			return 1
		}
	}

	logger.Info("dayauction stopped")
	return 0
}

func writeEncryptedKey(cfg *config.Config, path string) error {
	if cfg.Cranker.PrivateKey == "" || cfg.Cranker.KeyPassword == "" {
		return errors.New("cranker.private_key and cranker.key_password must both be set")
	}
	data, err := crypto.EncryptKey(cfg.Cranker.PrivateKey, cfg.Cranker.KeyPassword)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
