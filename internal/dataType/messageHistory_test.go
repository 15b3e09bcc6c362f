package dataType

import (
	"fmt"
	"testing"
	"time"
)

func TestMessageHistory_CheckAndRecord(t *testing.T) {
	h := NewMessageHistory(8, 10*time.Second)
	now := time.Unix(1_700_000_000, 0)

	if !h.CheckAndRecord("m1", now) {
		t.Fatal("first CheckAndRecord should accept the id")
	}
	if h.CheckAndRecord("m1", now.Add(time.Second)) {
		t.Fatal("second CheckAndRecord should reject the duplicate")
	}
	if !h.Seen("m1", now.Add(10*time.Second)) {
		t.Error("id should still be seen at exactly the ttl")
	}
	if h.Seen("m1", now.Add(11*time.Second)) {
		t.Error("id should be expired after the ttl")
	}
	if !h.CheckAndRecord("m1", now.Add(11*time.Second)) {
		t.Error("expired id should be accepted again")
	}
}

func TestMessageHistory_Cleanup(t *testing.T) {
	h := NewMessageHistory(4, 5*time.Second)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 100; i++ {
		h.Record(fmt.Sprintf("old-%d", i), now)
	}
	for i := 0; i < 20; i++ {
		h.Record(fmt.Sprintf("new-%d", i), now.Add(4*time.Second))
	}
	if h.Len() != 120 {
		t.Fatalf("Len = %d, want 120", h.Len())
	}

	removed := h.Cleanup(now.Add(6 * time.Second))
	if removed != 100 {
		t.Errorf("Cleanup removed %d, want 100", removed)
	}
	if h.Len() != 20 {
		t.Errorf("Len after cleanup = %d, want 20", h.Len())
	}
}

func TestMessageHistory_SnapshotRestore(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := NewMessageHistory(4, 10*time.Second)
	h.Record("fresh", now)
	h.Record("stale", now.Add(-time.Minute))

	restored := NewMessageHistory(2, 10*time.Second)
	loaded := restored.Restore(h.Snapshot(), now.Add(time.Second))
	if loaded != 1 {
		t.Fatalf("Restore loaded %d entries, want 1", loaded)
	}
	if !restored.Seen("fresh", now.Add(time.Second)) {
		t.Error("fresh id should survive restore")
	}
	if restored.Seen("stale", now.Add(time.Second)) {
		t.Error("stale id should not be restored")
	}
}
