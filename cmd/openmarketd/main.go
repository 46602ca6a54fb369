package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"openmarket/audit"
	"openmarket/config"
	"openmarket/core/events"
	"openmarket/native/market"
	"openmarket/observability/logging"
	"openmarket/rpc"
	"openmarket/state"
	"openmarket/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logging is not configured yet, so fall back to stderr.
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	var rotate *logging.RotateConfig
	if cfg.LogFile != "" {
		rotate = &logging.RotateConfig{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
		}
	}
	logger := logging.Setup("openmarketd", cfg.Environment, rotate)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("create data dir", "err", err)
		os.Exit(1)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "market"))
	if err != nil {
		logger.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ledger := state.NewManager(db)
	allocs, err := cfg.Allocations()
	if err != nil {
		logger.Error("parse genesis allocations", "err", err)
		os.Exit(1)
	}
	if err := ledger.Bootstrap(allocs); err != nil {
		logger.Error("bootstrap ledger", "err", err)
		os.Exit(1)
	}

	bus := events.NewBus()
	engine := market.NewEngine()
	engine.SetState(ledger)
	engine.SetEmitter(bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AuditDBPath != "" {
		auditLog, err := audit.Open(cfg.AuditDBPath)
		if err != nil {
			logger.Error("open audit log", "err", err)
			os.Exit(1)
		}
		defer auditLog.Close()
		go followAudit(ctx, bus, auditLog, logger)
	}

	server := rpc.NewServer(engine, ledger, bus, rpc.Options{
		AuthToken:          cfg.RPCToken,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateLimitBurst:     cfg.RateLimitBurst,
		Logger:             logger,
	})
	srv := &http.Server{
		Addr:    cfg.RPCAddress,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("marketplace rpc listening", "addr", cfg.RPCAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down openmarketd")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
}

func followAudit(ctx context.Context, bus *events.Bus, log *audit.Log, logger *slog.Logger) {
	updates, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-updates:
			if !ok {
				return
			}
			if err := log.Record(ctx, evt); err != nil {
				logger.Warn("audit record failed", "type", evt.Type, "err", err)
			}
		}
	}
}
