package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Mutation operations committable by the store on ungraceful disconnect.
const (
	OpUpdate = "update"
	OpDelete = "delete"
)

// Mutation is a store-side mutation armed against a path. OpUpdate merges
// Patch into the existing record and stamps StampField (if set) with the
// firing time in UnixMilli; OpDelete removes the record outright.
type Mutation struct {
	Op         string                     `json:"op"`
	Patch      map[string]json.RawMessage `json:"patch,omitempty"`
	StampField string                     `json:"stampField,omitempty"`
}

// TriggerRegistrar registers per-session mutations that the store commits
// automatically if this client's connection drops and is not re-established
// within the store's own liveness window. The client cannot observe or
// influence the exact firing moment.
type TriggerRegistrar interface {
	// Arm registers (or replaces) the mutation for path. Arm before the
	// corresponding online-state write, never after.
	Arm(ctx context.Context, path string, m Mutation) error

	// Disarm cancels the pending mutation for path. Disarming a path with no
	// armed mutation is a no-op.
	Disarm(ctx context.Context, path string) error

	// Touch refreshes this session's liveness with the store. Called from the
	// heartbeat path.
	Touch(ctx context.Context) error

	// SessionID identifies this connection's trigger session.
	SessionID() string
}

// Apply commits an armed mutation against the store. Updates on an absent
// record are no-ops: a vanished record has nothing left to demote. Shared by
// the server-side trigger watcher and the in-memory fake so both fire
// identically.
func Apply(ctx context.Context, s Store, path string, m Mutation, firedAt time.Time) error {
	switch m.Op {
	case OpDelete:
		return s.Write(ctx, path, nil)
	case OpUpdate:
		cur, err := s.Read(ctx, path)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return fmt.Errorf("read %s: %w", path, err)
		}
		rec := make(map[string]json.RawMessage)
		if err := json.Unmarshal(cur, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		for k, v := range m.Patch {
			rec[k] = v
		}
		if m.StampField != "" {
			stamp, _ := json.Marshal(firedAt.UnixMilli())
			rec[m.StampField] = stamp
		}
		merged, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		return s.Write(ctx, path, merged)
	default:
		return fmt.Errorf("unknown mutation op %q for %s", m.Op, path)
	}
}
