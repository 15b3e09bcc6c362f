package server

import (
	"context"
	"maps"
	"slices"
	"time"

	"epidemic_consensus/internal/dataType"
	"epidemic_consensus/internal/registry"

	"go.uber.org/zap"
)

// SuspicionController raises suspicion on timeouts and accusations and
// remembers which members were raised since the last evaluation.
type SuspicionController struct {
	registry *registry.Registry
	pending  map[string]struct{}
}

func NewSuspicionController(r *registry.Registry) *SuspicionController {
	return &SuspicionController{
		registry: r,
		pending:  make(map[string]struct{}),
	}
}

// RecordTimeout counts a missed heartbeat window for id.
func (s *SuspicionController) RecordTimeout(id string) (uint32, bool) {
	return s.raise(id)
}

// RecordAccusation counts an accusation by accuser. A node never
// accuses itself and accusations about the local node are dropped.
func (s *SuspicionController) RecordAccusation(id, accuser string) (uint32, bool) {
	if id == accuser {
		return 0, false
	}
	return s.raise(id)
}

func (s *SuspicionController) raise(id string) (uint32, bool) {
	level, ok := s.registry.MarkSuspicious(id)
	if ok {
		s.pending[id] = struct{}{}
	}
	return level, ok
}

// Pending returns the sorted alive members whose suspicion rose since the
// last Evaluate.
func (s *SuspicionController) Pending() []string {
	out := make([]string, 0, len(s.pending))
	for _, id := range slices.Sorted(maps.Keys(s.pending)) {
		if p, ok := s.registry.Get(id); ok && p.IsAlive {
			out = append(out, id)
		}
	}
	return out
}

// Evaluate returns the pending members at or above the threshold and
// clears the pending set.
func (s *SuspicionController) Evaluate() []string {
	var over []string
	for _, id := range s.Pending() {
		p, _ := s.registry.Get(id)
		if p.SuspicionLevel >= s.registry.SuspicionThreshold() {
			over = append(over, id)
		}
	}
	clear(s.pending)
	return over
}

func (s *SuspicionController) Forget(id string) {
	delete(s.pending, id)
}

// detectTimeouts raises suspicion on every peer silent for longer than the
// peer timeout and tells a few peers about it.
func (gm *GossipManager) detectTimeouts(ctx context.Context, now time.Time) []string {
	stale := gm.registry.Stale(now, gm.params.PeerTimeout)
	for _, id := range stale {
		level, ok := gm.suspicion.RecordTimeout(id)
		if !ok {
			continue
		}
		gm.logger.Debug("peer timed out", zap.String("peer", id), zap.Uint32("suspicion", level))

		targets := gm.SelectTargets(gm.fanout, []string{id})
		gm.sendNew(ctx, targets, dataType.KindRumor, dataType.RumorPayload{
			Type:    dataType.RumorTypeNodeSuspicion,
			NodeID:  id,
			Accuser: gm.self,
		})
	}
	return stale
}

// IsolateSuspects evaluates the pending suspects, declares every one at
// or above the threshold dead and broadcasts the verdict to all active
// peers. It returns the isolated ids and how many rumors were sent.
func (gm *GossipManager) IsolateSuspects(ctx context.Context) ([]string, int) {
	var isolated []string
	sent := 0
	for _, node := range gm.suspicion.Evaluate() {
		if !gm.registry.MarkIsolated(node) {
			continue
		}
		isolated = append(isolated, node)
		p, _ := gm.registry.Get(node)
		gm.logger.Warn("peer isolated", zap.String("peer", node), zap.Uint32("suspicion", p.SuspicionLevel))
		sent += gm.sendNew(ctx, gm.registry.ActivePeers(), dataType.KindRumor, dataType.RumorPayload{
			Type:    dataType.RumorTypeNodeIsolation,
			NodeID:  node,
			Accuser: gm.self,
		})
	}
	for _, key := range gm.ledger.Recheck() {
		gm.logger.Info("consensus converged after membership change", zap.String("key", key))
	}
	return isolated, sent
}
