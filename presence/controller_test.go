package presence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lahmpalms/realtime-chat-website/config"
	"github.com/lahmpalms/realtime-chat-website/store"
	"github.com/lahmpalms/realtime-chat-website/tabs"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		HeartbeatInterval:  20 * time.Millisecond,
		DisconnectDebounce: 60 * time.Millisecond,
		SessionTTL:         time.Second,
		GracePeriod:        time.Minute,
		UserTimeout:        time.Minute,
		SweepVerifyDelay:   10 * time.Millisecond,
		RoomCapacity:       20,
		TabLedgerPath:      filepath.Join(t.TempDir(), "tabs.json"),
		TabTimeout:         time.Minute,
		TypingTimeout:      50 * time.Millisecond,
		TypingWritesPerSec: 100,
		TypingBurst:        1,
	}
}

func testUser(id string) User {
	now := time.Now().UnixMilli()
	return User{
		ID:              id,
		Name:            "Ann",
		Color:           "#64b5f6",
		JoinedAt:        now,
		LastSeen:        now,
		IsOnline:        true,
		ConnectionState: StateOnline,
	}
}

func startController(t *testing.T, cfg *config.Config, m *store.MemStore, user User) *Controller {
	t.Helper()
	registry := tabs.NewRegistry(cfg.TabLedgerPath, cfg.TabTimeout)
	c := NewController(cfg, m, m, registry, user)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(c.Stop)
	return c
}

func readPresence(t *testing.T, m *store.MemStore, id string) Presence {
	t.Helper()
	data, err := m.Read(context.Background(), store.PresencePath(id))
	if err != nil {
		t.Fatalf("Presence record missing: %v", err)
	}
	p, err := DecodePresence(data)
	if err != nil {
		t.Fatalf("Undecodable presence record: %v", err)
	}
	return p
}

func TestController_StartWritesOnlineAndArmsTriggers(t *testing.T) {
	cfg := testConfig(t)
	m := store.NewMemStore()
	c := startController(t, cfg, m, testUser("u1"))

	p := readPresence(t, m, "u1")
	if p.ConnectionState != StateOnline || !p.IsOnline {
		t.Errorf("Expected online presence after start, got %+v", p)
	}
	if p.LastSeen == 0 {
		t.Error("Expected lastSeen set at start")
	}

	armed := m.ArmedPaths()
	if len(armed) != 2 {
		t.Fatalf("Expected presence and typing triggers armed, got %v", armed)
	}
	want := map[string]bool{store.PresencePath("u1"): true, store.TypingPath("u1"): true}
	for _, path := range armed {
		if !want[path] {
			t.Errorf("Unexpected armed path %s", path)
		}
	}

	if c.TabID() == "" {
		t.Error("Expected a tab id")
	}
}

func TestController_HeartbeatAdvancesLastSeen(t *testing.T) {
	cfg := testConfig(t)
	m := store.NewMemStore()
	startController(t, cfg, m, testUser("u1"))

	first := readPresence(t, m, "u1").LastSeen
	time.Sleep(3 * cfg.HeartbeatInterval)
	second := readPresence(t, m, "u1").LastSeen

	if second <= first {
		t.Errorf("Expected heartbeats to advance lastSeen, got %d then %d", first, second)
	}
}

func TestController_BriefDisconnectNeverGoesOffline(t *testing.T) {
	cfg := testConfig(t)
	m := store.NewMemStore()
	startController(t, cfg, m, testUser("u1"))

	w, err := m.Watch(context.Background(), store.PresencePath("u1"))
	if err != nil {
		t.Fatal(err)
	}

	// Flap well inside the debounce window, twice.
	for i := 0; i < 2; i++ {
		m.SetConnected(false)
		time.Sleep(cfg.DisconnectDebounce / 3)
		m.SetConnected(true)
		time.Sleep(cfg.DisconnectDebounce / 3)
	}
	// Wait past where the first debounce would have fired had it survived.
	time.Sleep(2 * cfg.DisconnectDebounce)

	w.Stop()
	for ev := range w.Updates() {
		if ev.Value == nil {
			t.Fatal("Presence record deleted; controller must never delete")
		}
		p, err := DecodePresence(ev.Value)
		if err != nil {
			t.Fatalf("Undecodable presence write: %v", err)
		}
		if p.ConnectionState == StateOffline {
			t.Fatal("Brief disconnect produced an offline write")
		}
	}

	if got := readPresence(t, m, "u1").ConnectionState; got != StateOnline {
		t.Errorf("Expected online after flapping, got %s", got)
	}
}

func TestController_DebounceExpiryDemotesToOffline(t *testing.T) {
	cfg := testConfig(t)
	m := store.NewMemStore()
	startController(t, cfg, m, testUser("u1"))

	m.SetConnected(false)
	time.Sleep(cfg.DisconnectDebounce + 40*time.Millisecond)

	p := readPresence(t, m, "u1")
	if p.ConnectionState != StateOffline || p.IsOnline {
		t.Errorf("Expected offline demotion after debounce, got %+v", p)
	}

	// Demotion marks, it never deletes.
	if _, err := m.Read(context.Background(), store.UserPath("u1")); err != nil {
		t.Errorf("User record must survive demotion: %v", err)
	}
}

func TestController_ReconnectAfterDemotionRestoresOnline(t *testing.T) {
	cfg := testConfig(t)
	m := store.NewMemStore()
	startController(t, cfg, m, testUser("u1"))

	m.SetConnected(false)
	time.Sleep(cfg.DisconnectDebounce + 40*time.Millisecond)
	if got := readPresence(t, m, "u1").ConnectionState; got != StateOffline {
		t.Fatalf("Expected offline before reconnect, got %s", got)
	}

	m.SetConnected(true)
	time.Sleep(30 * time.Millisecond)

	p := readPresence(t, m, "u1")
	if p.ConnectionState != StateOnline || !p.IsOnline {
		t.Errorf("Expected online restored after reconnect, got %+v", p)
	}
	if len(m.ArmedPaths()) != 2 {
		t.Errorf("Expected triggers re-armed after reconnect, got %v", m.ArmedPaths())
	}
}

func TestController_OtherTabSkipsDemotion(t *testing.T) {
	cfg := testConfig(t)
	m := store.NewMemStore()
	startController(t, cfg, m, testUser("u1"))

	// A second tab of the same user shares the ledger file.
	registry := tabs.NewRegistry(cfg.TabLedgerPath, cfg.TabTimeout)
	if err := registry.RegisterOrRefresh("other-tab", "u1", "Ann"); err != nil {
		t.Fatal(err)
	}

	m.SetConnected(false)
	time.Sleep(cfg.DisconnectDebounce + 40*time.Millisecond)

	if got := readPresence(t, m, "u1").ConnectionState; got == StateOffline {
		t.Error("Demotion must be skipped while another tab is active")
	}
}

func TestController_VisibilityTogglesAwayAndBack(t *testing.T) {
	cfg := testConfig(t)
	m := store.NewMemStore()
	c := startController(t, cfg, m, testUser("u1"))

	c.SetVisibility(true)
	time.Sleep(30 * time.Millisecond)
	p := readPresence(t, m, "u1")
	if p.ConnectionState != StateAway {
		t.Errorf("Expected away when hidden, got %s", p.ConnectionState)
	}
	if !p.IsOnline {
		t.Error("Away is still a live state")
	}

	c.SetVisibility(false)
	time.Sleep(30 * time.Millisecond)
	if got := readPresence(t, m, "u1").ConnectionState; got != StateOnline {
		t.Errorf("Expected online when visible again, got %s", got)
	}
}

func TestController_LeaveLastTabDeletesRecords(t *testing.T) {
	cfg := testConfig(t)
	m := store.NewMemStore()
	c := startController(t, cfg, m, testUser("u1"))

	ctx := context.Background()
	if err := c.Leave(ctx); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	for _, path := range []string{store.UserPath("u1"), store.PresencePath("u1"), store.TypingPath("u1")} {
		if _, err := m.Read(ctx, path); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Expected %s deleted on last-tab leave, got %v", path, err)
		}
	}
	if len(m.ArmedPaths()) != 0 {
		t.Errorf("Expected triggers disarmed on leave, got %v", m.ArmedPaths())
	}
}

func TestController_LeaveWithOtherTabsKeepsRecords(t *testing.T) {
	cfg := testConfig(t)
	m := store.NewMemStore()
	c := startController(t, cfg, m, testUser("u1"))

	registry := tabs.NewRegistry(cfg.TabLedgerPath, cfg.TabTimeout)
	if err := registry.RegisterOrRefresh("other-tab", "u1", "Ann"); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := c.Leave(ctx); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	if _, err := m.Read(ctx, store.UserPath("u1")); err != nil {
		t.Errorf("User record must survive while another tab is active: %v", err)
	}
	if _, err := m.Read(ctx, store.PresencePath("u1")); err != nil {
		t.Errorf("Presence record must survive while another tab is active: %v", err)
	}
}

func TestController_UngracefulExitFiresTriggers(t *testing.T) {
	cfg := testConfig(t)
	m := store.NewMemStore()
	c := startController(t, cfg, m, testUser("u1"))

	// Kill the machine without Leave, then let the store-side liveness
	// watcher fire the armed mutations.
	c.Stop()
	ctx := context.Background()
	m.ExpireSession(ctx)

	p := readPresence(t, m, "u1")
	if p.ConnectionState != StateOffline || p.IsOnline {
		t.Errorf("Expected trigger to mark offline, got %+v", p)
	}
	if !p.GracePeriodActive || p.DisconnectTime == 0 {
		t.Errorf("Expected grace window opened by trigger, got %+v", p)
	}
	if _, err := m.Read(ctx, store.UserPath("u1")); err != nil {
		t.Errorf("Trigger must not delete the user record: %v", err)
	}
}
