package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loyaltyhub/cardlink/internal/agent"
	"github.com/loyaltyhub/cardlink/internal/config"
	"github.com/loyaltyhub/cardlink/internal/ledger"
	"github.com/loyaltyhub/cardlink/internal/lifecycle"
	"github.com/loyaltyhub/cardlink/internal/proxy"
	"github.com/loyaltyhub/cardlink/internal/secrets"
	"github.com/loyaltyhub/cardlink/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logger.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting cardlink worker",
		"env", cfg.Primary.Env,
		"log_level", cfg.Logger.Level,
	)

	ctx := context.Background()

	store := secrets.NewStore(
		secrets.EnvBackend{},
		cfg.Secrets.UsernameSecret,
		cfg.Secrets.PasswordSecret,
		logger,
	)
	if err := store.Load(ctx); err != nil {
		logger.Error("failed to load proxy credentials", "error", err)
		os.Exit(1)
	}

	dispatcher := proxy.NewDispatcher(store, logger,
		proxy.WithWaitFunc(proxy.ContextWait),
		proxy.WithTimeouts(proxy.Timeouts{
			Connect: cfg.Proxy.ConnectTimeout,
			Read:    cfg.Proxy.ReadTimeout,
		}),
	)

	registry := agent.NewRegistry(
		agent.NewAmex(cfg.Agents.Amex, cfg.Proxy.BaseURL),
		agent.NewMastercard(cfg.Agents.Mastercard, cfg.Proxy.BaseURL),
		agent.NewVisa(cfg.Agents.Visa, cfg.Proxy),
	)

	ledgerClient := ledger.NewClient(cfg.Ledger, logger)

	service := lifecycle.NewService(registry, dispatcher, ledgerClient, cfg.Proxy, logger)

	closed := make(chan struct{})
	conn, err := worker.Connect(cfg.Nats, nats.ClosedHandler(func(*nats.Conn) {
		close(closed)
	}))
	if err != nil {
		logger.Error("failed to connect to task queue", "url", cfg.Nats.URL, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	w := worker.New(conn, service, cfg.Nats, logger)
	if err := w.Start(); err != nil {
		logger.Error("failed to subscribe to task subjects", "error", err)
		os.Exit(1)
	}

	logger.Info("worker started", "queue", cfg.Nats.QueueGroup)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")

	// Drain lets in-flight handlers report their final outcomes before
	// the connection closes.
	if err := conn.Drain(); err != nil {
		logger.Error("drain failed", "error", err)
		w.Stop()
	}

	select {
	case <-closed:
	case <-time.After(30 * time.Second):
		logger.Error("drain timed out, exiting anyway")
	}

	logger.Info("worker exited")
}
