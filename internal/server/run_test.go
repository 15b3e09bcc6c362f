package server

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"epidemic_consensus/internal/store"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func TestDo_NotRunning(t *testing.T) {
	gm := NewGossipManager(testConfig("node-0", nodeNames(2)), Options{})
	err := gm.Do(context.Background(), func() {})
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Do = %v, want ErrNotRunning", err)
	}
}

func TestPostCycle_PerTriggerSlots(t *testing.T) {
	gm := NewGossipManager(testConfig("node-0", nodeNames(2)), Options{})

	for range 3 {
		gm.postCycle(TriggerGossip)
	}
	if !gm.postCycle(TriggerAntiEntropy) {
		t.Error("anti-entropy cycle dropped behind queued gossip cycles")
	}
	if !gm.Trigger() {
		t.Error("external cycle dropped behind queued timer cycles")
	}
	if gm.postCycle(TriggerAntiEntropy) {
		t.Error("second anti-entropy cycle should be coalesced")
	}
	if gm.postCycle("unknown") {
		t.Error("unknown trigger accepted")
	}
}

func TestDo_ReturnsAfterRunStops(t *testing.T) {
	gm := NewGossipManager(testConfig("node-0", nodeNames(2)), Options{
		Logger: zaptest.NewLogger(t),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- gm.Run(ctx) }()

	// keep the actor busy so the next Do is parked on the command channel
	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		for {
			err := gm.Do(context.Background(), func() {
				close(entered)
				<-release
			})
			if !errors.Is(err, ErrNotRunning) {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("actor did not pick up the first command")
	}

	second := make(chan error, 1)
	go func() { second <- gm.Do(context.Background(), func() {}) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	close(release)

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case err := <-second:
		if err != nil && !errors.Is(err, ErrNotRunning) {
			t.Errorf("Do = %v, want nil or ErrNotRunning", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do blocked after Run stopped")
	}
	if err := gm.Do(context.Background(), func() {}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Do after stop = %v, want ErrNotRunning", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.After(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

func TestRun_LiveCluster(t *testing.T) {
	net := NewMemoryNetwork()
	net.SetLive(true)

	names := nodeNames(3)
	var nodes []*GossipManager
	for i, name := range names {
		cfg := testConfig(name, names)
		cfg.Gossip.GossipPeriod = 20 * time.Millisecond
		cfg.Gossip.AntiEntropyPeriod = 50 * time.Millisecond
		gm := NewGossipManager(cfg, Options{
			Logger:    zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)),
			Transport: net.Transport(),
			Store:     store.NewMemoryStore(),
			Rand:      rand.New(rand.NewSource(int64(i + 1))),
		})
		net.Register(gm)
		nodes = append(nodes, gm)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, len(nodes))
	for _, gm := range nodes {
		go func() { errs <- gm.Run(ctx) }()
	}

	if !waitFor(t, 2*time.Second, func() bool {
		for _, gm := range nodes {
			if !gm.Running() {
				return false
			}
		}
		return true
	}) {
		t.Fatal("managers did not start")
	}

	if err := nodes[0].Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}

	var proposeErr error
	if err := nodes[0].Do(ctx, func() {
		_, proposeErr = nodes[0].Propose(ctx, "feature-flag", true)
	}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if proposeErr != nil {
		t.Fatalf("Propose: %v", proposeErr)
	}
	nodes[1].Trigger()

	converged := waitFor(t, 5*time.Second, func() bool {
		for _, gm := range nodes {
			ok := false
			if err := gm.Do(ctx, func() { ok = gm.Ledger().IsConverged("feature-flag") }); err != nil || !ok {
				return false
			}
		}
		return true
	})
	if !converged {
		t.Fatal("cluster did not converge on feature-flag")
	}

	cancel()
	for range nodes {
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("Run returned %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}
