//go:build linux

package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/casper2020/casper-inotify/internal/config"
	"github.com/casper2020/casper-inotify/internal/engine"
	"github.com/casper2020/casper-inotify/internal/eventlog"
	"github.com/casper2020/casper-inotify/internal/history"
	"github.com/casper2020/casper-inotify/internal/spawn"
	"github.com/casper2020/casper-inotify/internal/status"
)

func run() int {
	cfg, err := config.Load(paramConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "casper-inotify: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", paramConfig),
		slog.String("log_uri", cfg.Log.URI),
		slog.String("log_level", cfg.Log.Level),
		slog.Int("num_directories", len(cfg.Directories)),
		slog.Int("num_files", len(cfg.Files)),
	)

	sink, err := eventlog.Open(cfg.Log.URI, eventlog.ParseLevel(cfg.Log.Level))
	if err != nil {
		fmt.Fprintf(os.Stderr, "casper-inotify: %v\n", err)
		return 1
	}
	defer sink.Close()

	spawner := spawn.New(cfg.SyslogTag, logger)
	defer spawner.Close()
	spawner.Notice("starting service (version %s)", version)
	defer spawner.Notice("stopping service")

	var hist *history.Store
	if cfg.History.Path != "" {
		hist, err = history.Open(cfg.History.Path, cfg.History.Retain)
		if err != nil {
			logger.Error("failed to open history store", slog.Any("error", err))
			return 1
		}
		defer hist.Close()
	}

	eng := engine.New(cfg, sink, spawner, hist, logger)
	if err := eng.Load(); err != nil {
		logger.Error("failed to load rules", slog.Any("error", err))
		return 1
	}
	defer eng.Unload()

	statusServer := startStatusServer(cfg, eng, hist, logger)

	// Shutdown on SIGTERM or SIGINT: interrupt the dispatch loop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		eng.Stop()
	}()

	rv := 0
	if err := eng.Watch(); err != nil {
		logger.Error("dispatch loop failed", slog.Any("error", err))
		rv = 1
	}

	if statusServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("status server shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("casper-inotify exited cleanly")
	return rv
}

// startStatusServer starts the optional status HTTP server. Returns nil when
// the server is disabled.
func startStatusServer(cfg *config.Config, eng *engine.Engine, hist *history.Store, logger *slog.Logger) *http.Server {
	if cfg.Status.Addr == "" {
		return nil
	}

	var pubKey *rsa.PublicKey
	if cfg.Status.JWTPublicKey != "" {
		pemData, err := os.ReadFile(cfg.Status.JWTPublicKey)
		if err != nil {
			logger.Error("cannot read status JWT public key", slog.Any("error", err))
			return nil
		}
		pubKey, err = status.ParseRSAPublicKey(pemData)
		if err != nil {
			logger.Error("cannot parse status JWT public key", slog.Any("error", err))
			return nil
		}
	}

	srv := status.NewServer(eng, hist, logger)
	httpServer := &http.Server{
		Addr:         cfg.Status.Addr,
		Handler:      status.NewRouter(srv, pubKey, cfg.Status.Issuer, cfg.Status.Audience),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("status server listening", slog.String("addr", cfg.Status.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", slog.Any("error", err))
		}
	}()

	return httpServer
}

// newLogger constructs a *slog.Logger that writes JSON-structured records to
// stderr. The event log level string maps onto the nearest slog level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
