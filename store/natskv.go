package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// KV bucket layout. One bucket per record family, plus the two buckets backing
// the disconnect-trigger machinery: PRESENCE_SESSIONS carries the store-side
// liveness window as its TTL, DISCONNECT_TRIGGERS holds the armed mutations
// keyed by "{sessionId}.{slot}".
const (
	bucketUsers    = "ROOM_USERS"
	bucketPresence = "ROOM_PRESENCE"
	bucketTyping   = "ROOM_TYPING"
	bucketMessages = "ROOM_MESSAGES"

	BucketSessions = "PRESENCE_SESSIONS"
	BucketTriggers = "DISCONNECT_TRIGGERS"
)

var collectionBuckets = map[string]string{
	CollectionUsers:    bucketUsers,
	CollectionPresence: bucketPresence,
	CollectionTyping:   bucketTyping,
	CollectionMessages: bucketMessages,
}

// EnsureBuckets creates (or re-binds to) every KV bucket. Safe to call again
// after a reconnect.
func EnsureBuckets(js nats.JetStreamContext, sessionTTL time.Duration) error {
	for _, bucket := range collectionBuckets {
		if _, err := js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			Storage: nats.FileStorage,
		}); err != nil {
			return fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}
	if _, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  BucketSessions,
		History: 1,
		TTL:     sessionTTL,
		Storage: nats.MemoryStorage,
	}); err != nil {
		return fmt.Errorf("create bucket %s: %w", BucketSessions, err)
	}
	if _, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  BucketTriggers,
		History: 1,
		Storage: nats.FileStorage,
	}); err != nil {
		return fmt.Errorf("create bucket %s: %w", BucketTriggers, err)
	}
	return nil
}

// NATSStore implements Store over NATS JetStream KV.
type NATSStore struct {
	nc      *nats.Conn
	buckets map[string]nats.KeyValue
	connCh  chan bool
}

// NewNATSStore binds a facade to an established connection, creating the KV
// buckets if needed. sessionTTL is the store-side liveness window for
// disconnect detection.
func NewNATSStore(nc *nats.Conn, sessionTTL time.Duration) (*NATSStore, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	if err := EnsureBuckets(js, sessionTTL); err != nil {
		return nil, err
	}
	buckets := make(map[string]nats.KeyValue, len(collectionBuckets))
	for collection, name := range collectionBuckets {
		kv, err := js.KeyValue(name)
		if err != nil {
			return nil, fmt.Errorf("bind bucket %s: %w", name, err)
		}
		buckets[collection] = kv
	}

	s := &NATSStore{nc: nc, buckets: buckets, connCh: make(chan bool, 16)}
	go s.watchStatus()
	return s, nil
}

// watchStatus translates connection status transitions into the boolean
// connectivity stream.
func (s *NATSStore) watchStatus() {
	ch := s.nc.StatusChanged(nats.CONNECTED, nats.DISCONNECTED, nats.RECONNECTING, nats.CLOSED)
	for status := range ch {
		up := status == nats.CONNECTED
		select {
		case s.connCh <- up:
		default:
			slog.Warn("connectivity consumer lagging, dropping transition", "status", status.String())
		}
		if status == nats.CLOSED {
			return
		}
	}
}

func (s *NATSStore) bucketFor(path string) (nats.KeyValue, string, error) {
	collection, id := SplitPath(path)
	kv, ok := s.buckets[collection]
	if !ok {
		return nil, "", fmt.Errorf("store: unknown path %q", path)
	}
	return kv, id, nil
}

func (s *NATSStore) Read(_ context.Context, path string) ([]byte, error) {
	kv, id, err := s.bucketFor(path)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("store: read on collection path %q", path)
	}
	entry, err := kv.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrUnavailable, path, err)
	}
	return entry.Value(), nil
}

func (s *NATSStore) Write(_ context.Context, path string, value []byte) error {
	kv, id, err := s.bucketFor(path)
	if err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("store: write on collection path %q", path)
	}
	if value == nil {
		if err := kv.Delete(id); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("%w: delete %s: %v", ErrUnavailable, path, err)
		}
		return nil
	}
	if _, err := kv.Put(id, value); err != nil {
		return fmt.Errorf("%w: put %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

// List snapshot-reads a collection via a deletes-ignoring watcher, the same
// way membership hydration works elsewhere in the system.
func (s *NATSStore) List(_ context.Context, collection string) (map[string][]byte, error) {
	kv, ok := s.buckets[collection]
	if !ok {
		return nil, fmt.Errorf("store: unknown collection %q", collection)
	}
	watcher, err := kv.WatchAll(nats.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("%w: watch %s: %v", ErrUnavailable, collection, err)
	}
	defer watcher.Stop()

	out := make(map[string][]byte)
	for entry := range watcher.Updates() {
		if entry == nil {
			break // end of initial values
		}
		out[collection+"/"+entry.Key()] = entry.Value()
	}
	return out, nil
}

func (s *NATSStore) Watch(_ context.Context, path string) (Watcher, error) {
	collection, id := SplitPath(path)
	kv, ok := s.buckets[collection]
	if !ok {
		return nil, fmt.Errorf("store: unknown path %q", path)
	}
	var kw nats.KeyWatcher
	var err error
	if id == "" {
		kw, err = kv.WatchAll()
	} else {
		kw, err = kv.Watch(id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: watch %s: %v", ErrUnavailable, path, err)
	}

	w := &natsWatcher{inner: kw, ch: make(chan Event, 64)}
	go w.pump(collection)
	return w, nil
}

func (s *NATSStore) Connectivity() <-chan bool { return s.connCh }

type natsWatcher struct {
	inner nats.KeyWatcher
	ch    chan Event
}

func (w *natsWatcher) pump(collection string) {
	defer close(w.ch)
	for entry := range w.inner.Updates() {
		if entry == nil {
			continue // end-of-snapshot marker
		}
		ev := Event{Path: collection + "/" + entry.Key()}
		switch entry.Operation() {
		case nats.KeyValuePut:
			ev.Value = entry.Value()
		case nats.KeyValueDelete, nats.KeyValuePurge:
			// nil Value signals deletion
		}
		w.ch <- ev
	}
}

func (w *natsWatcher) Updates() <-chan Event { return w.ch }

func (w *natsWatcher) Stop() { w.inner.Stop() }
