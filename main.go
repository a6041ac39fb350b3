// Command happyserver serves a directory over HTTP with default settings.
//
//	happyserver <document-root> [port]
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"example.com/happyserver/internal/app"
	"example.com/happyserver/internal/config"
	"example.com/happyserver/internal/logger"
)

const defaultPort = "8080"

func main() {
	cfg, docRoot, err := configFromArgs(os.Args[1:])
	if err != nil {
		log.Fatalf("%v\nUsage: %s <document-root> [port]", err, filepath.Base(os.Args[0]))
	}
	if err := serve(context.Background(), cfg, docRoot, os.Stdout); err != nil {
		os.Exit(1)
	}
}

// configFromArgs builds the programmatic configuration for the positional
// command line: a document root and an optional port.
func configFromArgs(args []string) (*config.Config, string, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, "", fmt.Errorf("expected 1 or 2 arguments, got %d", len(args))
	}
	docRoot, err := filepath.Abs(args[0])
	if err != nil {
		return nil, "", fmt.Errorf("resolve document root %s: %w", args[0], err)
	}

	port := defaultPort
	if len(args) == 2 {
		port = args[1]
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return nil, "", fmt.Errorf("invalid port %q", port)
	}

	cfg, err := config.Default(docRoot, net.JoinHostPort("", port))
	if err != nil {
		return nil, "", err
	}
	return cfg, docRoot, nil
}

func serve(ctx context.Context, cfg *config.Config, docRoot string, stdout io.Writer) error {
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		log.Printf("Failed to create logger: %v", err)
		return err
	}
	defer lg.CloseLogFiles()

	srv, err := app.New(cfg, "", lg)
	if err != nil {
		lg.Error("Failed to create server", logger.LogFields{"error": err.Error()})
		return err
	}
	if err := srv.Start(ctx); err != nil {
		lg.Error("Failed to start server", logger.LogFields{"error": err.Error()})
		return err
	}
	lg.Info("Serving directory", logger.LogFields{"root": docRoot, "address": *cfg.Server.Address})
	app.PrintBanner(stdout, srv.Addrs())

	if err := srv.Run(ctx); err != nil {
		lg.Error("Server stopped with error", logger.LogFields{"error": err.Error()})
		return err
	}
	lg.Info("Server shut down gracefully", nil)
	return nil
}
