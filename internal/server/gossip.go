package server

import (
	"context"
	"encoding/json"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"epidemic_consensus/internal/action"
	"epidemic_consensus/internal/config"
	"epidemic_consensus/internal/consensus"
	"epidemic_consensus/internal/dataType"
	"epidemic_consensus/internal/registry"
	"epidemic_consensus/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	historyBuckets = 16
	trafficBuckets = 8
)

// Options carries the collaborators of a GossipManager. Zero values get
// sensible defaults: a no-op logger, time.Now and a time-seeded rng.
type Options struct {
	Logger    *zap.Logger
	Transport Transport
	Store     store.Store
	Rand      *rand.Rand
	Now       func() time.Time
}

// GossipRound records one heartbeat dissemination attempt.
type GossipRound struct {
	ID               string
	StartTime        time.Time
	TargetNodes      []string
	MessagesSent     int
	AckReceived      int
	ConvergenceLevel float64
}

// RoundStats aggregates rounds that left the metrics window.
type RoundStats struct {
	Rounds           uint64
	MessagesSent     uint64
	AcksReceived     uint64
	ConvergenceTotal float64
}

func (s RoundStats) AverageConvergence() float64 {
	if s.Rounds == 0 {
		return 0
	}
	return s.ConvergenceTotal / float64(s.Rounds)
}

type command struct {
	fn   func()
	done chan struct{}
}

// GossipManager is the coordinator of one node. All protocol state is
// owned by the goroutine running Run; before Run is started, or in tests
// driving a MemoryNetwork, the exported protocol methods may be called
// directly from a single goroutine.
type GossipManager struct {
	cfg    *config.MainConfig
	self   string
	params config.GossipConfig
	fanout int

	logger    *zap.Logger
	transport Transport
	store     store.Store
	rng       *rand.Rand
	now       func() time.Time

	registry  *registry.Registry
	ledger    *consensus.Ledger
	history   *dataType.MessageHistory
	traffic   *dataType.WindowCounter
	suspicion *SuspicionController

	rounds          map[string]*GossipRound
	roundStats      RoundStats
	lastAntiEntropy time.Time
	actionStats     map[action.Kind]*ActionStats

	inbox   chan dataType.GossipMessage
	cycles  map[string]chan struct{}
	cmds    chan command
	running atomic.Bool

	mu      sync.Mutex
	stopped chan struct{} // closed when the current Run returns
}

func NewGossipManager(cfg *config.MainConfig, opts Options) *GossipManager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	params := cfg.Gossip
	now := opts.Now()

	gm := &GossipManager{
		cfg:       cfg,
		self:      cfg.NodeName,
		params:    params,
		fanout:    params.Fanout,
		logger:    opts.Logger.With(zap.String("node", cfg.NodeName)),
		transport: opts.Transport,
		store:     opts.Store,
		rng:       opts.Rand,
		now:       opts.Now,

		registry: registry.New(cfg.NodeName, params.SuspicionThreshold, now),
		history:  dataType.NewMessageHistory(historyBuckets, params.HistoryTTL()),
		traffic:  dataType.NewWindowCounter(trafficBuckets, params.ConvergenceWindow),

		rounds:          make(map[string]*GossipRound),
		lastAntiEntropy: now,
		actionStats:     make(map[action.Kind]*ActionStats),

		inbox:  make(chan dataType.GossipMessage, params.InboxSize),
		cycles: map[string]chan struct{}{
			TriggerGossip:      make(chan struct{}, 1),
			TriggerAntiEntropy: make(chan struct{}, 1),
			TriggerExternal:    make(chan struct{}, 1),
		},
		cmds:   make(chan command),
	}
	gm.ledger = consensus.NewLedger(gm.self, params.ConvergenceThreshold, gm.registry.CountActive, opts.Now)
	gm.suspicion = NewSuspicionController(gm.registry)

	for _, p := range cfg.Peers {
		gm.registry.Add(p.Name, now)
	}
	return gm
}

func (gm *GossipManager) Self() string { return gm.self }

func (gm *GossipManager) Registry() *registry.Registry { return gm.registry }

func (gm *GossipManager) Ledger() *consensus.Ledger { return gm.ledger }

func (gm *GossipManager) Fanout() int { return gm.fanout }

// Traffic exposes the message counters. Safe to read from any goroutine.
func (gm *GossipManager) Traffic() *dataType.WindowCounter { return gm.traffic }

func (gm *GossipManager) count(key string, n int64) {
	gm.traffic.AddAt(key, n, gm.now())
}

// Round returns a copy of a tracked round.
func (gm *GossipManager) Round(id string) (GossipRound, bool) {
	r, ok := gm.rounds[id]
	if !ok {
		return GossipRound{}, false
	}
	return *r, true
}

func (gm *GossipManager) RoundStats() RoundStats { return gm.roundStats }

// SelectTargets draws up to n distinct active peers uniformly at random,
// skipping the ids in exclude.
func (gm *GossipManager) SelectTargets(n int, exclude []string) []string {
	candidates := slices.DeleteFunc(gm.registry.ActivePeers(), func(id string) bool {
		return slices.Contains(exclude, id)
	})
	if n > len(candidates) {
		n = len(candidates)
	}
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	for _, i := range gm.rng.Perm(len(candidates))[:n] {
		out = append(out, candidates[i])
	}
	return out
}

func (gm *GossipManager) newMessage(kind dataType.MessageKind, payload any) (dataType.GossipMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return dataType.GossipMessage{}, err
	}
	msg := dataType.GossipMessage{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   body,
		Version:   gm.ledger.MaxVersion(),
		Timestamp: gm.now().UnixMilli(),
		TTL:       gm.params.MaxTTL,
		Sender:    gm.self,
		Path:      []string{gm.self},
	}
	msg.Seal()
	// our own id must never be processed if it comes back around
	gm.history.Record(msg.ID, gm.now())
	return msg, nil
}

// Send hands msg to the transport. Failures are logged and counted, never
// retried: the next round re-disseminates anyway.
func (gm *GossipManager) Send(ctx context.Context, target string, msg dataType.GossipMessage) bool {
	if gm.transport == nil {
		return false
	}
	if err := gm.transport.Send(ctx, target, msg); err != nil {
		gm.count(dataType.TrafficSendFailed, 1)
		gm.logger.Warn("send failed",
			zap.String("peer", target),
			zap.String("kind", string(msg.Kind)),
			zap.Error(err))
		return false
	}
	gm.count(dataType.TrafficSent, 1)
	return true
}

func (gm *GossipManager) broadcast(ctx context.Context, targets []string, msg dataType.GossipMessage) int {
	sent := 0
	for _, t := range targets {
		if gm.Send(ctx, t, msg) {
			sent++
		}
	}
	return sent
}

func (gm *GossipManager) sendNew(ctx context.Context, targets []string, kind dataType.MessageKind, payload any) int {
	if len(targets) == 0 {
		return 0
	}
	msg, err := gm.newMessage(kind, payload)
	if err != nil {
		gm.logger.Error("failed to build message", zap.String("kind", string(kind)), zap.Error(err))
		return 0
	}
	return gm.broadcast(ctx, targets, msg)
}

// HandleInbound processes one received message and returns whether it
// mutated state (false for TTL exhaustion, duplicates and invalid input).
func (gm *GossipManager) HandleInbound(ctx context.Context, msg dataType.GossipMessage) bool {
	msg.TTL--
	if msg.TTL <= 0 {
		gm.count(dataType.TrafficDroppedTTL, 1)
		gm.logger.Debug("dropped exhausted message", zap.String("id", msg.ID), zap.String("sender", msg.Sender))
		return false
	}
	if msg.ID == "" || msg.Sender == "" || !msg.Kind.Valid() || !msg.VerifySeal() {
		gm.count(dataType.TrafficDroppedBad, 1)
		gm.logger.Debug("dropped invalid message", zap.String("id", msg.ID), zap.String("kind", string(msg.Kind)))
		return false
	}
	now := gm.now()
	if !gm.params.InReplayWindow(time.UnixMilli(msg.Timestamp), now) {
		gm.count(dataType.TrafficDroppedOld, 1)
		gm.logger.Debug("dropped message outside the replay window",
			zap.String("id", msg.ID), zap.Int64("timestamp", msg.Timestamp))
		return false
	}
	if !gm.history.CheckAndRecord(msg.ID, now) {
		gm.count(dataType.TrafficDuplicate, 1)
		return false
	}
	gm.count(dataType.TrafficReceived, 1)

	// Only the node that handed us this copy is known to be alive. The
	// originator's version is trusted only on a direct delivery.
	if hop := msg.LastHop(); hop != gm.self {
		var version uint64
		if hop == msg.Sender {
			version = msg.Version
		}
		gm.registry.UpsertOnReceipt(hop, version, now)
	}

	forward := false
	switch msg.Kind {
	case dataType.KindGossip:
		forward = gm.handleGossip(ctx, msg)
	case dataType.KindRumor:
		forward = gm.handleRumor(ctx, msg)
	case dataType.KindAntiEntropy:
		gm.handleAntiEntropy(ctx, msg)
	case dataType.KindAck:
		gm.handleAck(msg)
	}

	if forward && gm.rng.Float64() < gm.params.PContinue {
		gm.forward(ctx, msg)
	}
	return true
}

// forward keeps a rumor spreading to peers that have not relayed it yet.
func (gm *GossipManager) forward(ctx context.Context, msg dataType.GossipMessage) {
	targets := gm.SelectTargets(gm.params.ForwardFanout, append(slices.Clone(msg.Path), msg.Sender))
	if len(targets) == 0 {
		return
	}
	relay := msg.Relay(gm.self)
	n := gm.broadcast(ctx, targets, relay)
	gm.count(dataType.TrafficForwarded, int64(n))
}

func (gm *GossipManager) handleGossip(ctx context.Context, msg dataType.GossipMessage) bool {
	var p dataType.GossipPayload
	if err := msg.Decode(&p); err != nil {
		gm.logger.Warn("bad gossip payload", zap.String("sender", msg.Sender), zap.Error(err))
		return false
	}

	switch p.Type {
	case dataType.GossipTypeHeartbeat:
		gm.mergeItems(p.Items, msg.Sender)
		if p.RoundID != "" && msg.Sender != gm.self {
			gm.sendNew(ctx, []string{msg.Sender}, dataType.KindAck, dataType.AckPayload{RoundID: p.RoundID})
		}
		return true
	case dataType.GossipTypeSyncRequest:
		gm.answerSyncRequest(ctx, msg.Sender, p.Keys)
	case dataType.GossipTypeSyncResponse:
		gm.mergeItems(p.Items, msg.Sender)
	default:
		gm.logger.Debug("unknown gossip type", zap.String("type", p.Type))
	}
	return false
}

func (gm *GossipManager) mergeItems(items []dataType.ItemSnapshot, from string) {
	for _, snap := range items {
		before := gm.ledger.IsConverged(snap.Key)
		out := gm.ledger.Merge(snap)
		if out.Changed() {
			gm.logger.Debug("merged item",
				zap.String("key", snap.Key),
				zap.Uint64("version", snap.Version),
				zap.String("from", from),
				zap.Stringer("outcome", out))
		}
		gm.noteConvergence(snap.Key, before)
	}
}

func (gm *GossipManager) noteConvergence(key string, before bool) {
	if before || !gm.ledger.IsConverged(key) {
		return
	}
	it, _ := gm.ledger.Get(key)
	gm.logger.Info("consensus converged",
		zap.String("key", key),
		zap.Uint64("version", it.Version),
		zap.Int("supporters", len(it.Supporters)),
		zap.Int("active", gm.registry.CountActive()))
}

func (gm *GossipManager) handleRumor(ctx context.Context, msg dataType.GossipMessage) bool {
	var p dataType.RumorPayload
	if err := msg.Decode(&p); err != nil {
		gm.logger.Warn("bad rumor payload", zap.String("sender", msg.Sender), zap.Error(err))
		return false
	}

	switch p.Type {
	case dataType.RumorTypeConsensusProposal:
		before := gm.ledger.IsConverged(p.Key)
		out := gm.ledger.OnRemoteProposal(p.Key, p.Value, p.Version, p.Proposer)
		if len(p.Supporters) > 0 {
			gm.ledger.Merge(dataType.ItemSnapshot{
				Key:        p.Key,
				Value:      p.Value,
				Version:    p.Version,
				Supporters: p.Supporters,
			})
		}
		gm.logger.Debug("proposal received",
			zap.String("key", p.Key),
			zap.Uint64("version", p.Version),
			zap.String("proposer", p.Proposer),
			zap.Stringer("outcome", out))
		gm.noteConvergence(p.Key, before)
		return true

	case dataType.RumorTypeNodeIsolation:
		gm.applyIsolation(p.NodeID, msg.Sender)
		return true

	case dataType.RumorTypeNodeSuspicion:
		gm.suspicion.RecordAccusation(p.NodeID, p.Accuser)
		return true
	}

	gm.logger.Debug("unknown rumor type", zap.String("type", p.Type))
	return false
}

func (gm *GossipManager) applyIsolation(node, from string) {
	if node == gm.self {
		gm.logger.Warn("ignoring isolation rumor about the local node", zap.String("from", from))
		return
	}
	if !gm.registry.MarkIsolated(node) {
		return
	}
	gm.suspicion.Forget(node)
	gm.logger.Info("peer isolated by rumor", zap.String("peer", node), zap.String("from", from))
	for _, key := range gm.ledger.Recheck() {
		gm.logger.Info("consensus converged after membership change", zap.String("key", key))
	}
}

func (gm *GossipManager) handleAck(msg dataType.GossipMessage) {
	var p dataType.AckPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	if r, ok := gm.rounds[p.RoundID]; ok {
		r.AckReceived++
	}
}

// InitiateGossipRound sends a heartbeat carrying every unconverged item to
// fanout random peers and tracks the round until its acks are in.
func (gm *GossipManager) InitiateGossipRound(ctx context.Context) *GossipRound {
	round := &GossipRound{
		ID:               uuid.NewString(),
		StartTime:        gm.now(),
		TargetNodes:      gm.SelectTargets(gm.fanout, nil),
		ConvergenceLevel: gm.ledger.ConvergedFraction(),
	}
	gm.rounds[round.ID] = round

	payload := dataType.GossipPayload{
		Type:    dataType.GossipTypeHeartbeat,
		RoundID: round.ID,
		Items:   gm.ledger.Snapshot(gm.ledger.Unconverged()...),
	}
	round.MessagesSent = gm.sendNew(ctx, round.TargetNodes, dataType.KindGossip, payload)

	gm.logger.Debug("gossip round",
		zap.String("round", round.ID),
		zap.Strings("targets", round.TargetNodes),
		zap.Int("items", len(payload.Items)))
	return round
}

// pruneRounds folds rounds older than the metrics window into RoundStats.
func (gm *GossipManager) pruneRounds(now time.Time) {
	for id, r := range gm.rounds {
		if now.Sub(r.StartTime) <= gm.params.ConvergenceWindow {
			continue
		}
		gm.roundStats.Rounds++
		gm.roundStats.MessagesSent += uint64(r.MessagesSent)
		gm.roundStats.AcksReceived += uint64(r.AckReceived)
		gm.roundStats.ConvergenceTotal += r.ConvergenceLevel
		delete(gm.rounds, id)
	}
}

func (gm *GossipManager) proposalPayload(it consensus.Item) dataType.RumorPayload {
	return dataType.RumorPayload{
		Type:       dataType.RumorTypeConsensusProposal,
		Key:        it.Key,
		Value:      it.Value,
		Version:    it.Version,
		Proposer:   gm.self,
		Supporters: it.SupporterList(),
	}
}

// Propose records a new value for key and starts spreading it.
func (gm *GossipManager) Propose(ctx context.Context, key string, value any) (consensus.Item, error) {
	it, err := gm.ledger.Propose(key, value)
	if err != nil {
		return consensus.Item{}, err
	}
	gm.disseminateProposal(ctx, it)
	return it, nil
}

// ProposeAt is Propose with an explicit version.
func (gm *GossipManager) ProposeAt(ctx context.Context, key string, value any, version uint64) (consensus.Item, error) {
	it, err := gm.ledger.ProposeAt(key, value, version)
	if err != nil {
		return consensus.Item{}, err
	}
	gm.disseminateProposal(ctx, it)
	return it, nil
}

func (gm *GossipManager) disseminateProposal(ctx context.Context, it consensus.Item) {
	targets := gm.SelectTargets(gm.fanout, nil)
	sent := gm.sendNew(ctx, targets, dataType.KindRumor, gm.proposalPayload(it))
	gm.logger.Info("proposed",
		zap.String("key", it.Key),
		zap.Uint64("version", it.Version),
		zap.Int("sent", sent))
}

// PropagateConsensus endorses key: the local node re-announces the item
// as a proposer so peers count its support.
func (gm *GossipManager) PropagateConsensus(ctx context.Context, key string) int {
	it, ok := gm.ledger.Get(key)
	if !ok {
		return 0
	}
	return gm.sendNew(ctx, gm.SelectTargets(gm.fanout, nil), dataType.KindRumor, gm.proposalPayload(it))
}

// ForceConvergence pushes every unconverged item to all active peers and
// runs an anti-entropy exchange.
func (gm *GossipManager) ForceConvergence(ctx context.Context) int {
	peers := gm.registry.ActivePeers()
	sent := 0
	for _, key := range gm.ledger.Unconverged() {
		it, _ := gm.ledger.Get(key)
		sent += gm.sendNew(ctx, peers, dataType.KindRumor, gm.proposalPayload(it))
	}
	return sent + gm.RunAntiEntropy(ctx)
}

// OptimizeParams widens the fanout by one, bounded by the number of
// active peers.
func (gm *GossipManager) OptimizeParams() bool {
	limit := max(len(gm.registry.ActivePeers()), gm.params.Fanout)
	if gm.fanout >= limit {
		return false
	}
	gm.fanout++
	gm.logger.Info("fanout raised",
		zap.Int("fanout", gm.fanout),
		zap.Int("active", gm.registry.CountActive()),
		zap.Int("total", gm.registry.Total()))
	return true
}

// Connectivity is active/total over every known member.
func (gm *GossipManager) Connectivity() float64 {
	total := gm.registry.Total()
	if total == 0 {
		return 1
	}
	return float64(gm.registry.CountActive()) / float64(total)
}
