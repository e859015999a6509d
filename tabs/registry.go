// Package tabs is the shared, cross-tab liveness ledger: every open tab of
// this client stamps its own record in a single file visible to all tabs of
// the same user on this machine. The ledger is never replicated to the remote
// store and is purely advisory — it gates client-initiated demotions, never
// the store's own disconnect trigger.
package tabs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one tab's liveness stamp.
type Record struct {
	TabID     string `json:"tabId"`
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	Timestamp int64  `json:"timestamp"` // UnixMilli of last refresh
}

// Registry reads and writes the ledger file. Every operation is a single
// read-merge-prune-write pass; concurrent tabs race on the file without a
// lock, which is acceptable — a lost update self-heals within one heartbeat
// interval.
type Registry struct {
	mu      sync.Mutex
	path    string
	timeout time.Duration
}

func NewRegistry(path string, timeout time.Duration) *Registry {
	return &Registry{path: path, timeout: timeout}
}

// RegisterOrRefresh upserts the tab's record with a fresh timestamp and prunes
// entries older than the tab timeout.
func (r *Registry) RegisterOrRefresh(tabID, userID, userName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.prune(r.load())
	now := time.Now().UnixMilli()
	found := false
	for i := range records {
		if records[i].TabID == tabID {
			records[i].UserID = userID
			records[i].UserName = userName
			records[i].Timestamp = now
			found = true
			break
		}
	}
	if !found {
		records = append(records, Record{TabID: tabID, UserID: userID, UserName: userName, Timestamp: now})
	}
	return r.save(records)
}

// HasOtherActiveTabs reports whether another live tab exists for the same
// user. Stale entries found along the way are lazily garbage-collected.
func (r *Registry) HasOtherActiveTabs(userID, excludingTabID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	loaded := r.load()
	records := r.prune(loaded)
	if len(records) != len(loaded) {
		if err := r.save(records); err != nil {
			slog.Warn("Failed to persist pruned tab ledger", "error", err)
		}
	}
	for _, rec := range records {
		if rec.UserID == userID && rec.TabID != excludingTabID {
			return true
		}
	}
	return false
}

// Unregister removes the tab's record. Best-effort on tab close.
func (r *Registry) Unregister(tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	records := r.prune(r.load())
	kept := records[:0]
	for _, rec := range records {
		if rec.TabID != tabID {
			kept = append(kept, rec)
		}
	}
	return r.save(kept)
}

// load tolerates a missing or corrupt ledger by starting empty — the next
// heartbeat repopulates it.
func (r *Registry) load() []Record {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read tab ledger, starting empty", "path", r.path, "error", err)
		}
		return nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		slog.Warn("Corrupt tab ledger, starting empty", "path", r.path, "error", err)
		return nil
	}
	return records
}

func (r *Registry) prune(records []Record) []Record {
	cutoff := time.Now().Add(-r.timeout).UnixMilli()
	kept := records[:0]
	for _, rec := range records {
		if rec.Timestamp >= cutoff {
			kept = append(kept, rec)
		}
	}
	return kept
}

// save writes through a temp file and rename so readers never observe a torn
// ledger.
func (r *Registry) save(records []Record) error {
	if records == nil {
		records = []Record{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode tab ledger: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".tabs-*")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace tab ledger: %w", err)
	}
	return nil
}
