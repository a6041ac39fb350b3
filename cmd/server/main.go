package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"example.com/happyserver/internal/app"
	"example.com/happyserver/internal/config"
	"example.com/happyserver/internal/logger"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Printf("%v", err)
		os.Exit(1)
	}
}

// run loads the configuration named by -config and serves it until ctx is
// cancelled or a shutdown signal arrives.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("happyserver", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configFilePath := fs.String("config", "", "Path to the configuration file (JSON or TOML)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configFilePath == "" {
		fs.Usage()
		return errors.New("configuration file path must be provided via -config")
	}

	absConfigPath, err := filepath.Abs(*configFilePath)
	if err != nil {
		return fmt.Errorf("resolve config path %s: %w", *configFilePath, err)
	}

	cfg, err := config.LoadConfig(absConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLogger, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err := appLogger.CloseLogFiles(); err != nil {
			log.Printf("Error closing log files during shutdown: %v", err)
		}
	}()
	appLogger.Info("Configuration loaded", logger.LogFields{"path": absConfigPath})

	srv, err := app.New(cfg, absConfigPath, appLogger)
	if err != nil {
		appLogger.Error("Failed to build server", logger.LogFields{"error": err.Error()})
		return err
	}
	if err := srv.Start(ctx); err != nil {
		appLogger.Error("Failed to start server", logger.LogFields{"error": err.Error()})
		return err
	}
	app.PrintBanner(stdout, srv.Addrs())

	if err := srv.Run(ctx); err != nil {
		appLogger.Error("Server exited with an error", logger.LogFields{"error": err.Error()})
		return err
	}
	appLogger.Info("Server has shut down gracefully", nil)
	return nil
}
