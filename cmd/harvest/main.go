// Command harvest keeps a set of tabular datasets current on a schedule
// and serves them over HTTP and MCP.
//
// Usage:
//
//	harvest -config harvest.yaml            # run the daemon
//	harvest -config harvest.yaml -once      # refresh due datasets and exit
//	harvest -config harvest.yaml -force     # refresh every dataset and exit
//
// Environment: PORT, DATA_DIR, CATALOG_DB, LOG_LEVEL, MCP_TRANSPORT (http|stdio).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvest/harvest"
)

var version = "dev"

func main() {
	configPath := flag.String("config", env("HARVEST_CONFIG", "harvest.yaml"), "path to the YAML configuration")
	once := flag.Bool("once", false, "refresh due datasets, print the report and exit")
	force := flag.Bool("force", false, "refresh every dataset ignoring schedules, print the report and exit")
	flag.Parse()

	logger := newLogger(env("LOG_LEVEL", "info"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *once, *force); err != nil {
		logger.Error("harvest: fatal", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// Stdout carries the MCP stdio stream, so logs go to stderr.
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(ctx context.Context, logger *slog.Logger, configPath string, once, force bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	svc, err := harvest.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer svc.Close()

	// One-shot modes.
	if force {
		return printJSON(svc.RefreshAll(ctx, true))
	}
	if once {
		rep, err := svc.RefreshDue(ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)
	}

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "harvest", Version: version}, nil)
	svc.RegisterMCP(mcpSrv)

	svc.Start(ctx)

	if env("MCP_TRANSPORT", "http") == "stdio" {
		logger.Info("harvest: MCP on stdio")
		return mcpSrv.Run(ctx, &mcp.StdioTransport{})
	}

	r := chi.NewRouter()
	r.Mount("/", svc.Handler())
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))

	port := env("PORT", "8090")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("harvest: listening", "addr", srv.Addr, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("harvest: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("harvest: shutdown", "error", err)
	}
	return nil
}

// loadConfig reads the configuration file and applies environment overrides.
// A missing file yields the defaults with no datasets.
func loadConfig(path string) (*harvest.Config, error) {
	cfg, err := harvest.LoadConfigFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("harvest: config file not found, using defaults", "path", path)
		cfg, err = harvest.ParseConfig(nil)
	}
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CATALOG_DB"); v != "" {
		cfg.CatalogPath = v
	}
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
