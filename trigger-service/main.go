package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lahmpalms/realtime-chat-website/config"
	"github.com/lahmpalms/realtime-chat-website/pkg/otelhelper"
	"github.com/lahmpalms/realtime-chat-website/store"
	"github.com/lahmpalms/realtime-chat-website/trigger"
)

// trigger-service is the always-on half of the disconnect-trigger primitive:
// it watches the session bucket for liveness expirations and commits each
// expired session's armed mutations. Clients cannot do this themselves — it
// is the safety net for the case where no tab is alive to do anything.
func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "trigger-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := config.Load()
	slog.Info("Starting trigger service", "nats_url", cfg.NATSURL, "session_ttl", cfg.SessionTTL)

	var watcherMu sync.Mutex
	var watcherCancel context.CancelFunc

	startWatcher := func(nc *nats.Conn) {
		st, err := store.NewNATSStore(nc, cfg.SessionTTL)
		if err != nil {
			slog.Error("Failed to bind store", "error", err)
			return
		}
		w, err := trigger.NewWatcher(nc, st)
		if err != nil {
			slog.Error("Failed to build trigger watcher", "error", err)
			return
		}
		watcherMu.Lock()
		if watcherCancel != nil {
			watcherCancel()
		}
		wctx, cancel := context.WithCancel(context.Background())
		watcherCancel = cancel
		watcherMu.Unlock()
		go func() {
			if err := w.Run(wctx); err != nil {
				slog.Error("Trigger watcher stopped", "error", err)
			}
		}()
	}

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.UserInfo(cfg.NATSUser, cfg.NATSPass),
			nats.Name("trigger-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				// The session bucket is memory-backed; after a server restart
				// it may be brand new, so rebuild buckets and restart the
				// watcher rather than trusting the old subscription.
				slog.Info("NATS reconnected — restarting trigger watcher")
				startWatcher(nc)
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

	startWatcher(nc)

	slog.Info("Trigger service ready — watching session expirations")

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down trigger service")
	watcherMu.Lock()
	if watcherCancel != nil {
		watcherCancel()
	}
	watcherMu.Unlock()
	nc.Drain()
	slog.Info("Trigger service shutdown complete")
}
