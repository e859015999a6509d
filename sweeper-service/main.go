package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lahmpalms/realtime-chat-website/config"
	"github.com/lahmpalms/realtime-chat-website/pkg/otelhelper"
	"github.com/lahmpalms/realtime-chat-website/store"
	"github.com/lahmpalms/realtime-chat-website/sweeper"
	"github.com/lahmpalms/realtime-chat-website/tabs"
)

// sweeper-service runs the reconciliation sweeps from a standalone process.
// Client tabs run their own in-process sweeps too; duplicates are safe by
// design, so deploying this is belt-and-braces rather than a requirement.
func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "sweeper-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := config.Load()
	slog.Info("Starting sweeper service", "nats_url", cfg.NATSURL,
		"interval", cfg.SweepInterval, "timeout", cfg.UserTimeout)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.UserInfo(cfg.NATSUser, cfg.NATSPass),
			nats.Name("sweeper-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected")
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	st, err := store.NewNATSStore(nc, cfg.SessionTTL)
	if err != nil {
		slog.Error("Failed to bind store", "error", err)
		os.Exit(1)
	}

	// The ledger here is this host's own; for a server-side deployment it is
	// empty, which is fine — the ledger is advisory and the grace window plus
	// the staleness threshold carry the correctness load.
	registry := tabs.NewRegistry(cfg.TabLedgerPath, cfg.TabTimeout)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper.New(cfg, st, registry).Run(sigCtx)

	slog.Info("Shutting down sweeper service")
	nc.Drain()
}
