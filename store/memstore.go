package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Store and TriggerRegistrar used by tests and
// local development. Connectivity is driven by SetConnected; an ungraceful
// disconnect is simulated with ExpireSession, which fires the armed mutations
// the way the real store's liveness watcher would.
type MemStore struct {
	mu        sync.Mutex
	records   map[string][]byte
	watchers  []*memWatcher
	armed     map[string]Mutation
	connCh    chan bool
	sessionID string
}

func NewMemStore() *MemStore {
	return &MemStore{
		records:   make(map[string][]byte),
		armed:     make(map[string]Mutation),
		connCh:    make(chan bool, 16),
		sessionID: uuid.NewString(),
	}
}

func (m *MemStore) Read(_ context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[path]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemStore) Write(_ context.Context, path string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if value == nil {
		if _, ok := m.records[path]; !ok {
			return nil // idempotent delete
		}
		delete(m.records, path)
		m.notifyLocked(Event{Path: path})
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.records[path] = stored
	m.notifyLocked(Event{Path: path, Value: stored})
	return nil
}

func (m *MemStore) List(_ context.Context, collection string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for p, v := range m.records {
		if pathMatches(collection, p) {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[p] = cp
		}
	}
	return out, nil
}

func (m *MemStore) Watch(_ context.Context, path string) (Watcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := &memWatcher{store: m, path: path, ch: make(chan Event, 64)}
	// Snapshot of existing records first, then live updates.
	for p, v := range m.records {
		if pathMatches(path, p) {
			w.ch <- Event{Path: p, Value: v}
		}
	}
	m.watchers = append(m.watchers, w)
	return w, nil
}

func (m *MemStore) Connectivity() <-chan bool { return m.connCh }

// SetConnected pushes a connectivity transition to the consumer.
func (m *MemStore) SetConnected(up bool) { m.connCh <- up }

func (m *MemStore) notifyLocked(ev Event) {
	for _, w := range m.watchers {
		if !w.stopped && pathMatches(w.path, ev.Path) {
			select {
			case w.ch <- ev:
			default:
				slog.Warn("memstore watcher backlog full, dropping event", "path", ev.Path)
			}
		}
	}
}

// --- TriggerRegistrar ---

func (m *MemStore) Arm(_ context.Context, path string, mut Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed[path] = mut
	return nil
}

func (m *MemStore) Disarm(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.armed, path)
	return nil
}

func (m *MemStore) Touch(context.Context) error { return nil }

func (m *MemStore) SessionID() string { return m.sessionID }

// ArmedPaths reports the paths with a pending trigger, for assertions.
func (m *MemStore) ArmedPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.armed))
	for p := range m.armed {
		paths = append(paths, p)
	}
	return paths
}

// ExpireSession simulates the store detecting this client's ungraceful
// disconnect: every armed mutation fires, then the session's triggers are
// cleared.
func (m *MemStore) ExpireSession(ctx context.Context) {
	m.mu.Lock()
	armed := m.armed
	m.armed = make(map[string]Mutation)
	m.mu.Unlock()

	now := time.Now()
	for path, mut := range armed {
		if err := Apply(ctx, m, path, mut, now); err != nil {
			slog.Warn("memstore trigger apply failed", "path", path, "error", err)
		}
	}
}

type memWatcher struct {
	store   *MemStore
	path    string
	ch      chan Event
	stopped bool
}

func (w *memWatcher) Updates() <-chan Event { return w.ch }

func (w *memWatcher) Stop() {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	for i, other := range w.store.watchers {
		if other == w {
			w.store.watchers = append(w.store.watchers[:i], w.store.watchers[i+1:]...)
			break
		}
	}
	close(w.ch)
}
