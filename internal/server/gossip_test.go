package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
	"time"

	"epidemic_consensus/internal/config"
	"epidemic_consensus/internal/dataType"
	"epidemic_consensus/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func nodeNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("node-%d", i)
	}
	return names
}

func testConfig(self string, members []string) *config.MainConfig {
	cfg := config.DefaultMainConfig()
	cfg.NodeName = self
	cfg.GlobalSecret = "test-secret-key-1234"
	for _, m := range members {
		if m == self {
			continue
		}
		cfg.Peers = append(cfg.Peers, config.Peer{Name: m, Address: "http://" + m + ".invalid:25556"})
	}
	return &cfg
}

type testCluster struct {
	net   *MemoryNetwork
	clock *fakeClock
	nodes []*GossipManager
}

// newTestCluster builds n fully meshed nodes on a queued MemoryNetwork.
// tune, if not nil, adjusts every config before its manager is built.
func newTestCluster(t *testing.T, n int, tune func(*config.MainConfig)) *testCluster {
	t.Helper()
	c := &testCluster{net: NewMemoryNetwork(), clock: newFakeClock()}
	names := nodeNames(n)
	for i, name := range names {
		cfg := testConfig(name, names)
		if tune != nil {
			tune(cfg)
		}
		gm := NewGossipManager(cfg, Options{
			Logger:    zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)),
			Transport: c.net.Transport(),
			Store:     store.NewMemoryStore(),
			Rand:      rand.New(rand.NewSource(int64(i + 1))),
			Now:       c.clock.Now,
		})
		c.net.Register(gm)
		c.nodes = append(c.nodes, gm)
	}
	return c
}

// round runs one gossip-timer cycle on every node, delivers all traffic
// and advances the clock by one gossip period.
func (c *testCluster) round(ctx context.Context) {
	for _, gm := range c.nodes {
		gm.RunCycle(ctx, TriggerGossip)
	}
	c.net.Flush(ctx, 0)
	c.clock.Advance(time.Second)
}

func (c *testCluster) holding(key string) int {
	n := 0
	for _, gm := range c.nodes {
		if _, ok := gm.Ledger().Get(key); ok {
			n++
		}
	}
	return n
}

func rumorFrom(t *testing.T, sender string, ttl int, at time.Time, p dataType.RumorPayload) dataType.GossipMessage {
	t.Helper()
	body, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	msg := dataType.GossipMessage{
		ID:        uuid.NewString(),
		Kind:      dataType.KindRumor,
		Payload:   body,
		Timestamp: at.UnixMilli(),
		TTL:       ttl,
		Sender:    sender,
		Path:      []string{sender},
	}
	msg.Seal()
	return msg
}

func proposal(key string, value string, version uint64, proposer string) dataType.RumorPayload {
	return dataType.RumorPayload{
		Type:     dataType.RumorTypeConsensusProposal,
		Key:      key,
		Value:    json.RawMessage(value),
		Version:  version,
		Proposer: proposer,
	}
}

func TestHandleInbound_Dedup(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	ctx := context.Background()
	gm := c.nodes[0]

	msg := rumorFrom(t, "node-1", 10, c.clock.Now(), proposal("k", `"v"`, 1, "node-1"))

	if !gm.HandleInbound(ctx, msg) {
		t.Fatal("first delivery should be processed")
	}
	if got := gm.Ledger().SupportCount("k"); got != 2 {
		t.Fatalf("SupportCount = %d, want 2", got)
	}
	if gm.HandleInbound(ctx, msg) {
		t.Error("second delivery of the same id should be dropped")
	}
	if got := gm.Ledger().SupportCount("k"); got != 2 {
		t.Errorf("duplicate changed support count to %d", got)
	}
	if got := gm.Traffic().Total(dataType.TrafficDuplicate); got != 1 {
		t.Errorf("duplicate counter = %d, want 1", got)
	}
}

func TestHandleInbound_ReplayAfterForwardingHorizon(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	ctx := context.Background()
	gm := c.nodes[0]

	accusation := rumorFrom(t, "node-1", 10, c.clock.Now(), dataType.RumorPayload{
		Type:    dataType.RumorTypeNodeSuspicion,
		NodeID:  "node-2",
		Accuser: "node-1",
	})
	if !gm.HandleInbound(ctx, accusation) {
		t.Fatal("first delivery should be processed")
	}
	before, _ := gm.Registry().Get("node-2")

	// past MaxTTL gossip periods but still inside the replay window
	for _, d := range []time.Duration{11 * time.Second, 9 * time.Minute} {
		c.clock.Advance(d)
		if gm.HandleInbound(ctx, accusation) {
			t.Fatalf("replay after %v was processed again", d)
		}
	}
	if p, _ := gm.Registry().Get("node-2"); p.SuspicionLevel != before.SuspicionLevel {
		t.Errorf("replayed accusation raised suspicion %d -> %d", before.SuspicionLevel, p.SuspicionLevel)
	}
	if got := gm.Traffic().Total(dataType.TrafficDuplicate); got != 2 {
		t.Errorf("duplicate counter = %d, want 2", got)
	}
}

func TestHandleInbound_DropsOutsideReplayWindow(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	gm := c.nodes[0]
	window := gm.params.ReplayWindow

	tests := []struct {
		name string
		at   time.Time
	}{
		{"too old", c.clock.Now().Add(-window - time.Second)},
		{"from the future", c.clock.Now().Add(gm.params.MaxClockSkew + time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := rumorFrom(t, "node-1", 10, tt.at, proposal("k", `"v"`, 1, "node-1"))
			if gm.HandleInbound(context.Background(), msg) {
				t.Fatal("message outside the replay window must be dropped")
			}
		})
	}
	if gm.Ledger().Len() != 0 {
		t.Error("dropped messages must not reach the ledger")
	}
	if got := gm.Traffic().Total(dataType.TrafficDroppedOld); got != 2 {
		t.Errorf("dropped-stale counter = %d, want 2", got)
	}
}

func TestHandleInbound_RelayRefreshesLastHop(t *testing.T) {
	c := newTestCluster(t, 4, nil)
	ctx := context.Background()
	gm := c.nodes[0]

	isolation := rumorFrom(t, "node-1", 10, c.clock.Now(), dataType.RumorPayload{
		Type:    dataType.RumorTypeNodeIsolation,
		NodeID:  "node-2",
		Accuser: "node-1",
	})
	gm.HandleInbound(ctx, isolation)
	isolated, _ := gm.Registry().Get("node-2")
	if isolated.IsAlive {
		t.Fatal("node-2 should be isolated")
	}

	c.clock.Advance(time.Second)
	msg := rumorFrom(t, "node-2", 10, c.clock.Now(), proposal("k", `"v"`, 1, "node-2"))
	msg.Version = 7
	msg = msg.Relay("node-3")
	if !gm.HandleInbound(ctx, msg) {
		t.Fatal("relayed rumor should be processed")
	}

	origin, _ := gm.Registry().Get("node-2")
	if origin.IsAlive || origin.SuspicionLevel != isolated.SuspicionLevel || !origin.LastSeen.Equal(isolated.LastSeen) {
		t.Errorf("relayed copy revived its originator: %+v", origin)
	}
	relay, _ := gm.Registry().Get("node-3")
	if !relay.LastSeen.Equal(c.clock.Now()) || relay.GossipCount != 1 {
		t.Errorf("relaying node not refreshed: %+v", relay)
	}
	if relay.Version == 7 {
		t.Error("relaying node took the originator's version")
	}
}

func TestHandleInbound_TTLExhausted(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	gm := c.nodes[0]

	msg := rumorFrom(t, "node-1", 1, c.clock.Now(), proposal("k", `"v"`, 1, "node-1"))
	if gm.HandleInbound(context.Background(), msg) {
		t.Fatal("message with ttl 1 must be dropped on receipt")
	}
	if _, ok := gm.Ledger().Get("k"); ok {
		t.Error("dropped message must not reach the ledger")
	}
	if p, _ := gm.Registry().Get("node-1"); p.GossipCount != 0 {
		t.Error("dropped message must not update the registry")
	}
	if got := gm.Traffic().Total(dataType.TrafficDroppedTTL); got != 1 {
		t.Errorf("dropped-ttl counter = %d, want 1", got)
	}
}

func TestHandleInbound_ForwardDecrementsTTL(t *testing.T) {
	c := newTestCluster(t, 5, func(cfg *config.MainConfig) { cfg.Gossip.PContinue = 1 })
	gm := c.nodes[0]

	msg := rumorFrom(t, "node-1", 6, c.clock.Now(), proposal("k", `"v"`, 1, "node-1"))
	if !gm.HandleInbound(context.Background(), msg) {
		t.Fatal("message should be processed")
	}

	c.net.mu.Lock()
	queued := slices.Clone(c.net.queue)
	c.net.mu.Unlock()

	if len(queued) != 2 {
		t.Fatalf("expected 2 forwarded copies, got %d", len(queued))
	}
	for _, env := range queued {
		if env.msg.ID != msg.ID {
			t.Errorf("forward must keep the message id")
		}
		if env.msg.TTL != 5 {
			t.Errorf("forwarded ttl = %d, want 5", env.msg.TTL)
		}
		if env.to == "node-1" || env.to == "node-0" {
			t.Errorf("forwarded back to %s", env.to)
		}
		if !slices.Equal(env.msg.Path, []string{"node-1", "node-0"}) {
			t.Errorf("path = %v", env.msg.Path)
		}
	}
}

func TestHandleInbound_RejectsTamperedPayload(t *testing.T) {
	c := newTestCluster(t, 3, nil)
	gm := c.nodes[0]

	msg := rumorFrom(t, "node-1", 10, c.clock.Now(), proposal("k", `"v"`, 1, "node-1"))
	msg.Payload = json.RawMessage(`{"type":"consensus-proposal","key":"k","value":"evil","version":9}`)

	if gm.HandleInbound(context.Background(), msg) {
		t.Fatal("payload not matching its seal must be dropped")
	}
	if gm.Ledger().Len() != 0 {
		t.Error("ledger must stay empty")
	}
}

func TestSelectTargets(t *testing.T) {
	c := newTestCluster(t, 6, nil)
	gm := c.nodes[0]

	tests := []struct {
		name    string
		n       int
		exclude []string
		want    int
	}{
		{"fanout", 3, nil, 3},
		{"more than available", 10, nil, 5},
		{"with exclusions", 10, []string{"node-1", "node-2"}, 3},
		{"zero", 0, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := gm.SelectTargets(tt.n, tt.exclude)
			if len(got) != tt.want {
				t.Fatalf("got %d targets %v, want %d", len(got), got, tt.want)
			}
			seen := make(map[string]bool)
			for _, id := range got {
				if id == gm.Self() {
					t.Error("self selected")
				}
				if slices.Contains(tt.exclude, id) {
					t.Errorf("excluded %s selected", id)
				}
				if seen[id] {
					t.Errorf("%s selected twice", id)
				}
				seen[id] = true
			}
		})
	}

	gm.Registry().MarkIsolated("node-3")
	for range 20 {
		if slices.Contains(gm.SelectTargets(5, nil), "node-3") {
			t.Fatal("isolated node selected")
		}
	}
}

func TestGossipRound_CollectsAcks(t *testing.T) {
	c := newTestCluster(t, 5, nil)
	ctx := context.Background()
	gm := c.nodes[0]

	round := gm.InitiateGossipRound(ctx)
	if round.MessagesSent != 3 || len(round.TargetNodes) != 3 {
		t.Fatalf("round sent %d to %v, want 3", round.MessagesSent, round.TargetNodes)
	}
	c.net.Flush(ctx, 0)

	got, ok := gm.Round(round.ID)
	if !ok {
		t.Fatal("round not tracked")
	}
	if got.AckReceived < got.MessagesSent {
		t.Errorf("AckReceived = %d, want at least %d", got.AckReceived, got.MessagesSent)
	}

	c.clock.Advance(2 * time.Minute)
	gm.pruneRounds(c.clock.Now())
	if _, ok := gm.Round(round.ID); ok {
		t.Error("round outside the window should be pruned")
	}
	if stats := gm.RoundStats(); stats.Rounds != 1 || stats.MessagesSent != 3 {
		t.Errorf("RoundStats = %+v", stats)
	}
}

func TestFiveNodeScenario(t *testing.T) {
	c := newTestCluster(t, 5, nil)
	ctx := context.Background()

	if _, err := c.nodes[0].ProposeAt(ctx, "config-version", 7, 5); err != nil {
		t.Fatalf("ProposeAt: %v", err)
	}
	c.net.Flush(ctx, 0)

	if got := c.holding("config-version"); got < 4 {
		t.Fatalf("after one dissemination %d nodes hold the item, want at least 4", got)
	}

	for i := 0; i < 20; i++ {
		c.round(ctx)
		done := true
		for _, gm := range c.nodes {
			if !gm.Ledger().IsConverged("config-version") {
				done = false
			}
		}
		if done {
			t.Logf("converged after %d rounds", i+1)
			break
		}
	}

	for _, gm := range c.nodes {
		it, ok := gm.Ledger().Get("config-version")
		if !ok {
			t.Fatalf("%s does not hold config-version", gm.Self())
		}
		if string(it.Value) != "7" || it.Version != 5 {
			t.Errorf("%s holds %s@%d, want 7@5", gm.Self(), it.Value, it.Version)
		}
		if !it.Converged {
			t.Errorf("%s did not converge, supporters %v", gm.Self(), it.SupporterList())
		}
	}
}

func TestConcurrentProposals_SettleOnOneValue(t *testing.T) {
	c := newTestCluster(t, 5, nil)
	ctx := context.Background()

	if _, err := c.nodes[0].ProposeAt(ctx, "leader", "alpha", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.nodes[3].ProposeAt(ctx, "leader", "omega", 1); err != nil {
		t.Fatal(err)
	}
	// omega reaches every node in the first delivery wave, before alpha can
	// gather enough support anywhere to converge.
	c.nodes[3].ForceConvergence(ctx)
	c.net.Flush(ctx, 0)
	for range 20 {
		c.round(ctx)
	}

	for _, gm := range c.nodes {
		it, ok := gm.Ledger().Get("leader")
		if !ok {
			t.Fatalf("%s does not hold leader", gm.Self())
		}
		if string(it.Value) != `"omega"` {
			t.Errorf("%s holds %s, want the larger encoding", gm.Self(), it.Value)
		}
	}
}
