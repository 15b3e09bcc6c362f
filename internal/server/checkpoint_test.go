package server

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"epidemic_consensus/internal/store"

	"go.uber.org/zap/zaptest"
)

func TestCheckpointRestore(t *testing.T) {
	clock := newFakeClock()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	names := nodeNames(3)
	build := func() *GossipManager {
		return NewGossipManager(testConfig("node-0", names), Options{
			Logger: zaptest.NewLogger(t),
			Store:  st,
			Rand:   rand.New(rand.NewSource(1)),
			Now:    clock.Now,
		})
	}

	gm := build()
	if _, err := gm.Ledger().ProposeAt("k", map[string]int{"replicas": 3}, 4); err != nil {
		t.Fatal(err)
	}
	msg := rumorFrom(t, "node-1", 10, clock.Now(), proposal("other", `"x"`, 2, "node-1"))
	gm.HandleInbound(context.Background(), msg)
	gm.suspicion.RecordTimeout("node-2")
	gm.suspicion.RecordTimeout("node-2")
	gm.Checkpoint()

	clock.Advance(time.Second)
	restored := build()
	if err := restored.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	it, ok := restored.Ledger().Get("k")
	if !ok || it.Version != 4 || string(it.Value) != `{"replicas":3}` {
		t.Errorf("restored item = %+v, %v", it, ok)
	}
	if got := restored.Ledger().SupportCount("other"); got != 2 {
		t.Errorf("restored supporters of other = %d, want 2", got)
	}
	if p, _ := restored.Registry().Get("node-2"); p.SuspicionLevel != 2 {
		t.Errorf("restored suspicion = %d, want 2", p.SuspicionLevel)
	}
	if restored.HandleInbound(context.Background(), msg) {
		t.Error("message seen before the restart must still be a duplicate")
	}
}

func TestRestore_EmptyStore(t *testing.T) {
	gm := NewGossipManager(testConfig("node-0", nodeNames(2)), Options{Store: store.NewMemoryStore()})
	if err := gm.Restore(); err != nil {
		t.Fatalf("Restore on an empty store: %v", err)
	}
	if gm.Ledger().Len() != 0 {
		t.Error("ledger should be empty")
	}
}
