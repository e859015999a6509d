package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lahmpalms/realtime-chat-website/config"
	"github.com/lahmpalms/realtime-chat-website/store"
)

// TypingPublisher maintains the ephemeral typing record for one user. Writes
// are rate-limited so a burst of keystrokes produces one store write, and the
// record auto-expires client-side after the typing timeout. Ungraceful exits
// are covered by the delete trigger the controller arms.
type TypingPublisher struct {
	st       store.Store
	userID   string
	userName string
	timeout  time.Duration
	limiter  *rate.Limiter

	mu     sync.Mutex
	expiry *time.Timer
}

func NewTypingPublisher(cfg *config.Config, st store.Store, userID, userName string) *TypingPublisher {
	return &TypingPublisher{
		st:       st,
		userID:   userID,
		userName: userName,
		timeout:  cfg.TypingTimeout,
		limiter:  rate.NewLimiter(rate.Limit(cfg.TypingWritesPerSec), cfg.TypingBurst),
	}
}

// Set marks the user as typing. Throttled calls still extend the expiry
// window, they just skip the store write.
func (t *TypingPublisher) Set(ctx context.Context) {
	t.resetExpiry()
	if !t.limiter.Allow() {
		return
	}
	status := TypingStatus{
		ID:        t.userID,
		Name:      t.userName,
		StartedAt: time.Now().UnixMilli(),
	}
	data, _ := json.Marshal(status)
	if err := t.st.Write(ctx, store.TypingPath(t.userID), data); err != nil {
		slog.Warn("Typing status write failed", "user", t.userID, "error", err)
	}
}

// Clear removes the typing record. Idempotent.
func (t *TypingPublisher) Clear(ctx context.Context) {
	t.mu.Lock()
	if t.expiry != nil {
		t.expiry.Stop()
		t.expiry = nil
	}
	t.mu.Unlock()

	if err := t.st.Write(ctx, store.TypingPath(t.userID), nil); err != nil {
		slog.Warn("Typing status delete failed", "user", t.userID, "error", err)
	}
}

func (t *TypingPublisher) resetExpiry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.expiry != nil {
		t.expiry.Stop()
	}
	t.expiry = time.AfterFunc(t.timeout, func() {
		t.Clear(context.Background())
	})
}
