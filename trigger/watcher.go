package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lahmpalms/realtime-chat-website/store"
)

// Watcher is the server half of the disconnect-trigger primitive: it watches
// the session bucket for TTL expirations and commits the expired session's
// armed mutations. Any number of watcher instances may run; applying a
// mutation twice is harmless (updates are merges, deletes are idempotent) and
// the CAS delete of the trigger record keeps the usual case to one applier.
type Watcher struct {
	st       store.Store
	sessions nats.KeyValue
	triggers nats.KeyValue

	expiredCounter metric.Int64Counter
	firedCounter   metric.Int64Counter
}

func NewWatcher(nc *nats.Conn, st store.Store) (*Watcher, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	sessions, err := js.KeyValue(store.BucketSessions)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", store.BucketSessions, err)
	}
	triggers, err := js.KeyValue(store.BucketTriggers)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", store.BucketTriggers, err)
	}

	meter := otel.Meter("trigger-watcher")
	expired, _ := meter.Int64Counter("trigger_sessions_expired_total",
		metric.WithDescription("Total client sessions seen expiring"))
	fired, _ := meter.Int64Counter("trigger_mutations_fired_total",
		metric.WithDescription("Total armed mutations committed on disconnect"))

	return &Watcher{
		st:             st,
		sessions:       sessions,
		triggers:       triggers,
		expiredCounter: expired,
		firedCounter:   fired,
	}, nil
}

// Run blocks until ctx is done. The session watcher starts before the orphan
// reconciliation so no expiry can slip between the two (subscribe-first).
func (w *Watcher) Run(ctx context.Context) error {
	kw, err := w.sessions.WatchAll()
	if err != nil {
		return fmt.Errorf("watch %s: %w", store.BucketSessions, err)
	}
	defer kw.Stop()

	// Initial snapshot: collect the sessions that are still alive.
	live := make(map[string]bool)
	for entry := range kw.Updates() {
		if entry == nil {
			break
		}
		if entry.Operation() == nats.KeyValuePut {
			live[entry.Key()] = true
		}
	}
	slog.Info("Trigger watcher synced", "live_sessions", len(live))

	// Triggers whose session is already gone expired while no watcher was
	// running. Fire them now.
	w.reconcileOrphans(ctx, live)

	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-kw.Updates():
			if !ok {
				return nil
			}
			if entry == nil {
				continue
			}
			switch entry.Operation() {
			case nats.KeyValuePut:
				// Session refresh, nothing to do.
			case nats.KeyValueDelete, nats.KeyValuePurge:
				sessionID := entry.Key()
				w.expiredCounter.Add(ctx, 1)
				slog.Info("Trigger session gone, firing armed mutations", "session", sessionID)
				w.fire(ctx, sessionID)
			}
		}
	}
}

// reconcileOrphans fires trigger records left behind by sessions that expired
// while the watcher was down.
func (w *Watcher) reconcileOrphans(ctx context.Context, live map[string]bool) {
	keys, err := w.triggers.Keys()
	if err != nil {
		if !errors.Is(err, nats.ErrNoKeysFound) {
			slog.Warn("Orphan trigger scan failed", "error", err)
		}
		return
	}
	sessions := make(map[string]bool)
	for _, key := range keys {
		sessionID, _, ok := strings.Cut(key, ".")
		if ok && !live[sessionID] {
			sessions[sessionID] = true
		}
	}
	for sessionID := range sessions {
		slog.Info("Firing orphaned triggers from expired session", "session", sessionID)
		w.fire(ctx, sessionID)
	}
}

// fire commits and clears every armed mutation of one session. The trigger
// record is deleted with a revision guard so concurrent watcher instances
// settle on one deleter; the mutation itself is applied before the delete, so
// a loser at worst re-applies an idempotent mutation.
func (w *Watcher) fire(ctx context.Context, sessionID string) {
	keys, err := w.triggers.Keys()
	if err != nil {
		if !errors.Is(err, nats.ErrNoKeysFound) {
			slog.Warn("Trigger listing failed", "session", sessionID, "error", err)
		}
		return
	}
	prefix := sessionID + "."
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := w.triggers.Get(key)
		if err != nil {
			if !errors.Is(err, nats.ErrKeyNotFound) {
				slog.Warn("Trigger read failed", "key", key, "error", err)
			}
			continue
		}
		var rec armedRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			slog.Warn("Undecodable trigger record, dropping", "key", key, "error", err)
			w.triggers.Delete(key)
			continue
		}

		if err := store.Apply(ctx, w.st, rec.Path, rec.Mutation, time.Now()); err != nil {
			slog.Warn("Trigger mutation failed, leaving armed for retry", "path", rec.Path, "error", err)
			continue
		}
		w.firedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", rec.Op),
		))
		slog.Info("Disconnect trigger fired", "session", sessionID, "path", rec.Path, "op", rec.Op)

		if err := w.triggers.Delete(key, nats.LastRevision(entry.Revision())); err != nil {
			slog.Debug("Trigger record already cleared by another instance", "key", key)
		}
	}
}
