package server

import (
	"context"
	"slices"

	"epidemic_consensus/internal/consensus"
	"epidemic_consensus/internal/dataType"

	"go.uber.org/zap"
)

// RunAntiEntropy sends the local digest to one random active peer.
func (gm *GossipManager) RunAntiEntropy(ctx context.Context) int {
	gm.lastAntiEntropy = gm.now()
	targets := gm.SelectTargets(1, nil)
	if len(targets) == 0 {
		return 0
	}
	digest := gm.ledger.Digest()
	sent := gm.sendNew(ctx, targets, dataType.KindAntiEntropy, dataType.AntiEntropyPayload{Digest: digest})
	gm.logger.Debug("anti-entropy started", zap.String("peer", targets[0]), zap.Int("keys", len(digest)))
	return sent
}

func (gm *GossipManager) handleAntiEntropy(ctx context.Context, msg dataType.GossipMessage) {
	var p dataType.AntiEntropyPayload
	if err := msg.Decode(&p); err != nil {
		gm.logger.Warn("bad anti-entropy payload", zap.String("sender", msg.Sender), zap.Error(err))
		return
	}
	gm.HandleDigest(ctx, p.Digest, msg.Sender)
}

// HandleDigest compares a remote digest with the local one. Keys the
// sender holds newer or converged are requested, keys held newer or
// converged locally are pushed back.
func (gm *GossipManager) HandleDigest(ctx context.Context, remote dataType.Digest, from string) {
	local := gm.ledger.Digest()

	want := consensus.Diff(local, remote)
	for _, key := range consensus.SupportGap(remote, local) {
		if !slices.Contains(want, key) {
			want = append(want, key)
		}
	}
	if len(want) > 0 {
		slices.Sort(want)
		gm.sendNew(ctx, []string{from}, dataType.KindGossip, dataType.GossipPayload{
			Type: dataType.GossipTypeSyncRequest,
			Keys: want,
		})
	}

	push := consensus.Diff(remote, local)
	for _, key := range consensus.SupportGap(local, remote) {
		if !slices.Contains(push, key) {
			push = append(push, key)
		}
	}
	if len(push) > 0 {
		slices.Sort(push)
		gm.sendNew(ctx, []string{from}, dataType.KindGossip, dataType.GossipPayload{
			Type:  dataType.GossipTypeSyncResponse,
			Items: gm.ledger.Snapshot(push...),
		})
	}

	gm.logger.Debug("anti-entropy compared",
		zap.String("peer", from),
		zap.Int("requested", len(want)),
		zap.Int("pushed", len(push)))
}

func (gm *GossipManager) answerSyncRequest(ctx context.Context, from string, keys []string) {
	if len(keys) == 0 {
		return
	}
	items := gm.ledger.Snapshot(keys...)
	if len(items) == 0 {
		return
	}
	gm.sendNew(ctx, []string{from}, dataType.KindGossip, dataType.GossipPayload{
		Type:  dataType.GossipTypeSyncResponse,
		Items: items,
	})
}
