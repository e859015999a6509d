package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestMemStore_ReadWriteDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	if _, err := m.Read(ctx, UserPath("u1")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound for absent record, got %v", err)
	}

	if err := m.Write(ctx, UserPath("u1"), []byte(`{"id":"u1"}`)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	data, err := m.Read(ctx, UserPath("u1"))
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(data) != `{"id":"u1"}` {
		t.Errorf("Unexpected value: %s", data)
	}

	if err := m.Write(ctx, UserPath("u1"), nil); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Read(ctx, UserPath("u1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemStore_DeleteAbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	if err := m.Write(ctx, UserPath("ghost"), nil); err != nil {
		t.Errorf("Deleting an absent record should be a no-op, got %v", err)
	}
	if err := m.Write(ctx, UserPath("ghost"), nil); err != nil {
		t.Errorf("Repeated delete should be a no-op, got %v", err)
	}
}

func TestMemStore_List(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	m.Write(ctx, UserPath("a"), []byte(`{}`))
	m.Write(ctx, UserPath("b"), []byte(`{}`))
	m.Write(ctx, PresencePath("a"), []byte(`{}`))

	users, err := m.List(ctx, CollectionUsers)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(users) != 2 {
		t.Errorf("Expected 2 user records, got %d", len(users))
	}
	if _, ok := users[UserPath("a")]; !ok {
		t.Errorf("Expected %s in listing", UserPath("a"))
	}
}

func TestMemStore_WatchSnapshotThenUpdates(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	m.Write(ctx, UserPath("before"), []byte(`{}`))

	w, err := m.Watch(ctx, CollectionUsers)
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Stop()

	ev := <-w.Updates()
	if ev.Path != UserPath("before") || ev.Value == nil {
		t.Fatalf("Expected snapshot of existing record, got %+v", ev)
	}

	m.Write(ctx, UserPath("after"), []byte(`{}`))
	ev = <-w.Updates()
	if ev.Path != UserPath("after") || ev.Value == nil {
		t.Fatalf("Expected put event, got %+v", ev)
	}

	m.Write(ctx, UserPath("after"), nil)
	ev = <-w.Updates()
	if ev.Path != UserPath("after") || ev.Value != nil {
		t.Fatalf("Expected delete event with nil value, got %+v", ev)
	}
}

func TestMemStore_WatchIgnoresOtherCollections(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	w, _ := m.Watch(ctx, CollectionTyping)
	defer w.Stop()

	m.Write(ctx, UserPath("u1"), []byte(`{}`))
	m.Write(ctx, TypingPath("u1"), []byte(`{}`))

	ev := <-w.Updates()
	if ev.Path != TypingPath("u1") {
		t.Errorf("Expected only typing events, got %+v", ev)
	}
}

func TestMemStore_ExpireSessionFiresArmedMutations(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	m.Write(ctx, PresencePath("u1"), []byte(`{"isOnline":true,"lastSeen":42,"connectionState":"online"}`))
	m.Write(ctx, TypingPath("u1"), []byte(`{"id":"u1"}`))

	m.Arm(ctx, PresencePath("u1"), Mutation{
		Op: OpUpdate,
		Patch: map[string]json.RawMessage{
			"isOnline":          json.RawMessage(`false`),
			"connectionState":   json.RawMessage(`"offline"`),
			"gracePeriodActive": json.RawMessage(`true`),
		},
		StampField: "disconnectTime",
	})
	m.Arm(ctx, TypingPath("u1"), Mutation{Op: OpDelete})

	before := time.Now().UnixMilli()
	m.ExpireSession(ctx)

	data, err := m.Read(ctx, PresencePath("u1"))
	if err != nil {
		t.Fatalf("Presence record should survive the trigger: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("Undecodable presence record: %v", err)
	}
	if rec["connectionState"] != "offline" {
		t.Errorf("Expected connectionState offline, got %v", rec["connectionState"])
	}
	if rec["gracePeriodActive"] != true {
		t.Errorf("Expected gracePeriodActive true, got %v", rec["gracePeriodActive"])
	}
	if rec["lastSeen"] != float64(42) {
		t.Errorf("Trigger must not touch lastSeen, got %v", rec["lastSeen"])
	}
	stamp, ok := rec["disconnectTime"].(float64)
	if !ok || int64(stamp) < before {
		t.Errorf("Expected disconnectTime stamped at fire time, got %v", rec["disconnectTime"])
	}

	if _, err := m.Read(ctx, TypingPath("u1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected typing record deleted by trigger, got %v", err)
	}
	if len(m.ArmedPaths()) != 0 {
		t.Errorf("Expected triggers cleared after firing, got %v", m.ArmedPaths())
	}
}

func TestMemStore_DisarmedTriggerDoesNotFire(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	m.Write(ctx, TypingPath("u1"), []byte(`{"id":"u1"}`))

	m.Arm(ctx, TypingPath("u1"), Mutation{Op: OpDelete})
	m.Disarm(ctx, TypingPath("u1"))
	m.ExpireSession(ctx)

	if _, err := m.Read(ctx, TypingPath("u1")); err != nil {
		t.Errorf("Disarmed trigger must not fire, record gone: %v", err)
	}
}

func TestApply_UpdateOnAbsentRecordIsNoop(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	err := Apply(ctx, m, PresencePath("gone"), Mutation{
		Op:    OpUpdate,
		Patch: map[string]json.RawMessage{"isOnline": json.RawMessage(`false`)},
	}, time.Now())
	if err != nil {
		t.Fatalf("Update on absent record should be a no-op, got %v", err)
	}
	if _, err := m.Read(ctx, PresencePath("gone")); !errors.Is(err, ErrNotFound) {
		t.Errorf("No record should have been created, got %v", err)
	}
}

func TestSplitPath(t *testing.T) {
	tests := []struct {
		path           string
		wantCollection string
		wantID         string
	}{
		{UserPath("abc"), CollectionUsers, "abc"},
		{PresencePath("x"), CollectionPresence, "x"},
		{TypingPath("x"), CollectionTyping, "x"},
		{CollectionUsers, CollectionUsers, ""},
		{"room/unknown/x", "room/unknown/x", ""},
	}
	for _, tt := range tests {
		collection, id := SplitPath(tt.path)
		if collection != tt.wantCollection || id != tt.wantID {
			t.Errorf("SplitPath(%q) = (%q, %q), want (%q, %q)",
				tt.path, collection, id, tt.wantCollection, tt.wantID)
		}
	}
}
