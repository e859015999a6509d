package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/lahmpalms/realtime-chat-website/config"
	"github.com/lahmpalms/realtime-chat-website/pkg/otelhelper"
	"github.com/lahmpalms/realtime-chat-website/presence"
	"github.com/lahmpalms/realtime-chat-website/room"
	"github.com/lahmpalms/realtime-chat-website/store"
	"github.com/lahmpalms/realtime-chat-website/sweeper"
	"github.com/lahmpalms/realtime-chat-website/tabs"
	"github.com/lahmpalms/realtime-chat-website/trigger"
)

// presence-agent runs one client "tab": it joins the room, keeps the user's
// presence truthful, and garbage-collects abandoned peers. Run several
// instances with the same USER_NAME ledger to exercise multi-tab behavior;
// SIGUSR1 toggles simulated page visibility.
func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "presence-agent")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := config.Load()
	name := os.Getenv("USER_NAME")
	if name == "" {
		name = "guest"
	}
	slog.Info("Starting presence agent", "nats_url", cfg.NATSURL, "name", name)

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.UserInfo(cfg.NATSUser, cfg.NATSPass),
			nats.Name("presence-agent"),
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
	reg, err := trigger.NewNATSRegistrar(nc)
	if err != nil {
		slog.Error("Failed to bind trigger registrar", "error", err)
		os.Exit(1)
	}
	registry := tabs.NewRegistry(cfg.TabLedgerPath, cfg.TabTimeout)
	svc := room.NewService(cfg, st, reg, registry)

	ctrl, err := svc.Join(ctx, name)
	if err != nil {
		if errors.Is(err, room.ErrRoomFull) {
			slog.Error("Room is full, try again later")
		} else {
			slog.Error("Could not join room", "error", err)
		}
		os.Exit(1)
	}
	user := ctrl.User()
	slog.Info("Joined room", "user", user.ID, "tab", ctrl.TabID())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Every tab runs the full reconciliation loop; sweeps are idempotent so
	// overlapping tabs and the standalone sweeper-service coexist safely.
	go sweeper.New(cfg, st, registry).Run(runCtx)

	// Mirror the member list the way the hosting UI would consume it.
	members, stopWatch, err := svc.WatchUsers(runCtx)
	if err != nil {
		slog.Warn("Member watch unavailable", "error", err)
	} else {
		defer stopWatch()
		go func() {
			for list := range members {
				names := make([]string, 0, len(list))
				for _, u := range list {
					names = append(names, u.Name+"("+string(u.ConnectionState)+")")
				}
				slog.Info("Room members", "count", len(list), "members", names)
			}
		}()
	}

	// SIGUSR1 toggles simulated page visibility.
	visCh := make(chan os.Signal, 1)
	signal.Notify(visCh, syscall.SIGUSR1)
	go func() {
		hidden := false
		for range visCh {
			hidden = !hidden
			slog.Info("Toggling visibility", "hidden", hidden)
			ctrl.SetVisibility(hidden)
		}
	}()

	// SIGUSR2 simulates a keystroke; the record throttles and self-expires.
	typing := presence.NewTypingPublisher(cfg, st, user.ID, user.Name)
	typeCh := make(chan os.Signal, 4)
	signal.Notify(typeCh, syscall.SIGUSR2)
	go func() {
		for range typeCh {
			typing.Set(runCtx)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down presence agent")
	cancel()
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := ctrl.Leave(leaveCtx); err != nil {
		slog.Warn("Leave incomplete", "user", user.ID, "error", err)
	}
	if err := reg.Close(leaveCtx); err != nil {
		slog.Warn("Trigger session close failed", "error", err)
	}
	nc.Drain()
	slog.Info("Presence agent shutdown complete")
}
