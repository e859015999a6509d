// Package store wraps the remote realtime key/value store behind a small
// path-addressed facade: point reads and writes, per-path subscriptions, a
// connectivity signal, and the disconnect-trigger contract. Callers own retry
// policy; the facade does not retry.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Read for an absent record.
	ErrNotFound = errors.New("store: record not found")
	// ErrUnavailable is returned when the store cannot be reached.
	ErrUnavailable = errors.New("store: unavailable")
)

// Event is one observed change to a record. A nil Value means the record was
// deleted.
type Event struct {
	Path  string
	Value []byte
}

// Watcher streams changes for a path. Updates first delivers a snapshot of the
// records existing at subscription time, then every subsequent change.
type Watcher interface {
	Updates() <-chan Event
	Stop()
}

// Store is the remote store facade. Writes are visible to all subscribed
// clients with at-least-once delivery; there is no ordering guarantee across
// different paths.
type Store interface {
	// Read returns the record at path, or ErrNotFound.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write stores value at path. A nil value deletes the record; deleting an
	// absent record is a no-op.
	Write(ctx context.Context, path string, value []byte) error

	// List snapshot-reads every record under a collection path.
	List(ctx context.Context, collection string) (map[string][]byte, error)

	// Watch subscribes to a record path or a whole collection path.
	Watch(ctx context.Context, path string) (Watcher, error)

	// Connectivity reports this client's live link to the store, not the
	// store's overall health. Intended for a single consumer.
	Connectivity() <-chan bool
}
