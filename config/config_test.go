package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.NATSURL != "nats://localhost:4222" {
		t.Errorf("Unexpected default NATS URL: %s", cfg.NATSURL)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("Unexpected default heartbeat interval: %s", cfg.HeartbeatInterval)
	}
	if cfg.DisconnectDebounce != 10*time.Second {
		t.Errorf("Unexpected default disconnect debounce: %s", cfg.DisconnectDebounce)
	}
	if cfg.SessionTTL != 45*time.Second {
		t.Errorf("Unexpected default session TTL: %s", cfg.SessionTTL)
	}
	if cfg.UserTimeout != 15*time.Minute {
		t.Errorf("Unexpected default user timeout: %s", cfg.UserTimeout)
	}
	if cfg.RoomCapacity != 20 {
		t.Errorf("Unexpected default room capacity: %d", cfg.RoomCapacity)
	}
	if cfg.TabLedgerPath == "" {
		t.Error("Expected a default tab ledger path")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("NATS_URL", "nats://example:4222")
	t.Setenv("HEARTBEAT_INTERVAL", "2s")
	t.Setenv("ROOM_CAPACITY", "5")
	t.Setenv("TYPING_WRITES_PER_SEC", "0.5")
	t.Setenv("TAB_LEDGER_PATH", "/tmp/tabs-test.json")

	cfg := Load()

	if cfg.NATSURL != "nats://example:4222" {
		t.Errorf("NATS URL override ignored: %s", cfg.NATSURL)
	}
	if cfg.HeartbeatInterval != 2*time.Second {
		t.Errorf("Heartbeat override ignored: %s", cfg.HeartbeatInterval)
	}
	if cfg.RoomCapacity != 5 {
		t.Errorf("Capacity override ignored: %d", cfg.RoomCapacity)
	}
	if cfg.TypingWritesPerSec != 0.5 {
		t.Errorf("Typing rate override ignored: %f", cfg.TypingWritesPerSec)
	}
	if cfg.TabLedgerPath != "/tmp/tabs-test.json" {
		t.Errorf("Ledger path override ignored: %s", cfg.TabLedgerPath)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("HEARTBEAT_INTERVAL", "soon")
	t.Setenv("ROOM_CAPACITY", "many")
	t.Setenv("TYPING_WRITES_PER_SEC", "fast")

	cfg := Load()

	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("Invalid duration should fall back to default, got %s", cfg.HeartbeatInterval)
	}
	if cfg.RoomCapacity != 20 {
		t.Errorf("Invalid int should fall back to default, got %d", cfg.RoomCapacity)
	}
	if cfg.TypingWritesPerSec != 1 {
		t.Errorf("Invalid float should fall back to default, got %f", cfg.TypingWritesPerSec)
	}
}
