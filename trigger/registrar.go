// Package trigger implements the disconnect-trigger primitive over NATS
// JetStream KV. A client session keeps a key alive in a TTL bucket; the armed
// mutations live in a second bucket keyed by session. When the session key
// expires — the store deciding, on its own clock, that the client is gone —
// the watcher half commits every armed mutation.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/lahmpalms/realtime-chat-website/store"
)

// armedRecord is the stored form of one armed mutation.
type armedRecord struct {
	Path string `json:"path"`
	store.Mutation
}

// NATSRegistrar is the client half: it owns one trigger session per
// connection and implements store.TriggerRegistrar.
type NATSRegistrar struct {
	sessions  nats.KeyValue
	triggers  nats.KeyValue
	sessionID string
}

// NewNATSRegistrar binds a registrar to the trigger buckets. The buckets must
// already exist (store.EnsureBuckets).
func NewNATSRegistrar(nc *nats.Conn) (*NATSRegistrar, error) {
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
	return &NATSRegistrar{
		sessions:  sessions,
		triggers:  triggers,
		sessionID: uuid.NewString(),
	}, nil
}

func (r *NATSRegistrar) SessionID() string { return r.sessionID }

// triggerKey builds the per-session key for a record path. Slashes collapse to
// underscores to stay within the KV key charset; the stored record carries the
// real path.
func (r *NATSRegistrar) triggerKey(path string) string {
	return r.sessionID + "." + strings.ReplaceAll(path, "/", "_")
}

// Arm registers the mutation and makes sure the session key is live first —
// an armed trigger on a dead session would never fire.
func (r *NATSRegistrar) Arm(ctx context.Context, path string, m store.Mutation) error {
	if err := r.Touch(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(armedRecord{Path: path, Mutation: m})
	if err != nil {
		return err
	}
	if _, err := r.triggers.Put(r.triggerKey(path), data); err != nil {
		return fmt.Errorf("arm trigger for %s: %w", path, err)
	}
	return nil
}

func (r *NATSRegistrar) Disarm(_ context.Context, path string) error {
	if err := r.triggers.Delete(r.triggerKey(path)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("disarm trigger for %s: %w", path, err)
	}
	return nil
}

// Touch refreshes the session key, restarting the store's liveness window.
func (r *NATSRegistrar) Touch(context.Context) error {
	if _, err := r.sessions.Put(r.sessionID, []byte(`{}`)); err != nil {
		return fmt.Errorf("refresh trigger session: %w", err)
	}
	return nil
}

// Close deletes the session key on a graceful shutdown so the watcher skips
// this session entirely. Any still-armed mutations fire as usual — disarm
// first if that is not wanted.
func (r *NATSRegistrar) Close(context.Context) error {
	if err := r.sessions.Delete(r.sessionID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("close trigger session: %w", err)
	}
	return nil
}
