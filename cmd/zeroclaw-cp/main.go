// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// zeroclaw-cp is the control plane process: it supervises a fleet of
// locally-spawned agent instances, routes messages between them, and
// exposes a core HTTP surface for lifecycle and message operations.
//
// On startup it loads configuration, opens the registry (applying any
// pending schema migrations), opens the secret store against the
// on-disk master key, and starts the supervisor loop, delivery worker
// pool, and HTTP server concurrently. SIGINT/SIGTERM trigger a graceful
// shutdown: the HTTP server stops accepting new connections first,
// then the background loops are canceled and given a bounded window to
// exit before the process does.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/zeroclaw/cp/config"
	"github.com/zeroclaw/cp/delivery"
	"github.com/zeroclaw/cp/eventbus"
	"github.com/zeroclaw/cp/httpapi"
	"github.com/zeroclaw/cp/lib/clock"
	"github.com/zeroclaw/cp/lib/secret"
	"github.com/zeroclaw/cp/lifecycle"
	"github.com/zeroclaw/cp/registry"
	"github.com/zeroclaw/cp/router"
	"github.com/zeroclaw/cp/secretstore"
	"github.com/zeroclaw/cp/supervisor"
)

// Exit codes per spec.md §6.
const (
	exitOK              = 0
	exitBadConfig       = 2
	exitMigrationFailed = 3
	exitLockContention  = 4
	exitFatal           = 64
)

// masterKeySize is the AEAD key size secretstore derives from, in bytes.
const masterKeySize = 32

// shutdownGrace bounds how long background loops get to exit cleanly
// after the HTTP server stops accepting connections.
const shutdownGrace = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to zeroclaw-cp.yaml (overrides ZEROCLAW_CP_CONFIG)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("loading configuration", "error", secretstore.RedactError(err))
		return exitBadConfig
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", secretstore.RedactError(err))
		return exitBadConfig
	}
	if err := cfg.EnsurePaths(); err != nil {
		logger.Error("preparing base directory", "error", secretstore.RedactError(err))
		return exitBadConfig
	}

	cl := clock.Real()

	reg, err := registry.Open(cfg.RegistryPath(), cl, logger)
	if err != nil {
		logger.Error("opening registry", "error", secretstore.RedactError(err))
		return exitMigrationFailed
	}
	defer reg.Close()

	masterKey, err := secret.LoadKeyFile(cfg.SecretKeyPath(), masterKeySize)
	if err != nil {
		logger.Error("loading secret key", "error", secretstore.RedactError(err))
		return exitFatal
	}
	defer masterKey.Close()

	store, err := secretstore.Open(masterKey, logger)
	if err != nil {
		logger.Error("opening secret store", "error", secretstore.RedactError(err))
		return exitFatal
	}
	defer store.Close()

	bus := eventbus.New()
	rt := router.New(reg, bus, cl, logger)
	mgr := lifecycle.New(reg, bus, cl, logger, filepath.Join(cfg.BaseDir, "instances"), cfg.Lifecycle.AgentBinary,
		cfg.Lock.AcquireTimeout, cfg.Lifecycle.GracefulStopTimeout)

	sup := supervisor.New(reg, bus, cl, logger, cfg.Supervisor.SweepInterval)
	pool := delivery.New(reg, bus, cl, logger, delivery.Config{
		WorkerCount:      cfg.Delivery.WorkerCount,
		AttemptTimeout:   cfg.Delivery.AttemptTimeout,
		LeaseDuration:    cfg.Delivery.LeaseDuration,
		TTLSweepInterval: cfg.Delivery.TTLSweepInterval,
	})

	handler := httpapi.NewHandler(reg, rt, mgr, logger)
	server := httpapi.NewServer(cfg.HTTP.ListenAddr, handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The background loops run under their own context so they are
	// canceled only after the HTTP server has stopped accepting requests.
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := sup.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("supervisor loop exited", "error", secretstore.RedactError(err))
		}
	}()
	go func() {
		defer wg.Done()
		pool.Run(loopCtx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http surface listening", "addr", cfg.HTTP.ListenAddr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http surface failed", "error", secretstore.RedactError(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http surface did not shut down cleanly", "error", secretstore.RedactError(err))
	}

	cancelLoops()
	loopsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-time.After(shutdownGrace):
		logger.Warn("background loops did not exit within the shutdown grace period")
	}
	return exitOK
}

func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		return config.LoadFile(explicitPath)
	}
	return config.Load()
}
