package server

import (
	"context"
	"errors"
	"time"

	"epidemic_consensus/internal/action"

	"go.uber.org/zap"
)

// Cycle triggers.
const (
	TriggerGossip      = "gossip-timer"
	TriggerAntiEntropy = "anti-entropy-timer"
	TriggerExternal    = "external"
)

var errNothingToDo = errors.New("action had no effect")

// ActionStats counts how often an action kind was chosen and how often it
// had an effect.
type ActionStats struct {
	Attempts  uint64
	Successes uint64
	LastRun   time.Time
}

// Perceive refreshes suspicion from timeouts and captures the state the
// scheduler decides on.
func (gm *GossipManager) Perceive(ctx context.Context, trigger string) action.Observation {
	now := gm.now()
	gm.detectTimeouts(ctx, now)

	return action.Observation{
		At:                    now,
		Trigger:               trigger,
		PendingSuspects:       gm.suspicion.Pending(),
		ConvergenceRate:       gm.ledger.ConvergenceRate(gm.params.ConvergenceWindow),
		ConvergenceThreshold:  gm.params.ConvergenceThreshold,
		Connectivity:          gm.Connectivity(),
		ConnectivityThreshold: gm.params.ConnectivityThreshold,
		CanRaiseFanout:        gm.fanout < len(gm.registry.ActivePeers()),
		Unconverged:           gm.ledger.Unconverged(),
		SinceAntiEntropy:      now.Sub(gm.lastAntiEntropy),
		AntiEntropyPeriod:     gm.params.AntiEntropyPeriod,
		ActivePeers:           len(gm.registry.ActivePeers()),
	}
}

func (gm *GossipManager) Decide(obs action.Observation) action.Decision {
	return action.Decide(obs)
}

// Act executes a decision.
func (gm *GossipManager) Act(ctx context.Context, d action.Decision) action.Result {
	res := action.Result{Action: d.Action}

	switch d.Action.Kind {
	case action.IsolateNode:
		res.Isolated, res.MessagesSent = gm.IsolateSuspects(ctx)
		if len(res.Isolated) == 0 {
			res.Err = errNothingToDo
		}
	case action.ForceConvergence:
		res.MessagesSent = gm.ForceConvergence(ctx)
	case action.OptimizeParams:
		if !gm.OptimizeParams() {
			res.Err = errNothingToDo
		}
	case action.PropagateConsensus:
		res.MessagesSent = gm.PropagateConsensus(ctx, d.Action.Key)
	case action.AntiEntropy:
		res.MessagesSent = gm.RunAntiEntropy(ctx)
		gm.Checkpoint()
	case action.InitiateGossip:
		res.MessagesSent = gm.InitiateGossipRound(ctx).MessagesSent
	}
	return res
}

// Learn updates per-action statistics and performs housekeeping: fanout
// decays back to its configured value once connectivity recovered,
// expired rounds and message ids are pruned.
func (gm *GossipManager) Learn(fb action.Feedback) {
	now := gm.now()
	kind := fb.Decision.Action.Kind

	st, ok := gm.actionStats[kind]
	if !ok {
		st = &ActionStats{}
		gm.actionStats[kind] = st
	}
	st.Attempts++
	st.LastRun = now
	if fb.Result.Success() {
		st.Successes++
	}

	if kind != action.OptimizeParams && gm.fanout > gm.params.Fanout &&
		gm.Connectivity() >= gm.params.ConnectivityThreshold {
		gm.fanout--
		gm.logger.Debug("fanout lowered", zap.Int("fanout", gm.fanout))
	}

	gm.pruneRounds(now)
	gm.history.Cleanup(now)
	gm.traffic.GC(now)
}

// ActionStats returns a copy of the statistics of kind.
func (gm *GossipManager) ActionStats(kind action.Kind) ActionStats {
	if st, ok := gm.actionStats[kind]; ok {
		return *st
	}
	return ActionStats{}
}

// RunCycle runs one perceive, decide, act, learn iteration. The
// anti-entropy timer bypasses the scheduler so reconciliation keeps its
// own period even while higher priority work is pending.
func (gm *GossipManager) RunCycle(ctx context.Context, trigger string) action.Feedback {
	var d action.Decision
	if trigger == TriggerAntiEntropy {
		d = action.Decision{Action: action.Action{Kind: action.AntiEntropy}, Confidence: 1}
	} else {
		d = gm.Decide(gm.Perceive(ctx, trigger))
	}

	res := gm.Act(ctx, d)
	fb := action.Feedback{Decision: d, Result: res}
	gm.Learn(fb)

	fields := []zap.Field{
		zap.String("trigger", trigger),
		zap.Stringer("action", d.Action),
		zap.Float64("confidence", d.Confidence),
		zap.Int("sent", res.MessagesSent),
	}
	if len(d.Risks) > 0 {
		fields = append(fields, zap.Strings("risks", d.Risks))
	}
	gm.logger.Debug("cycle", fields...)
	return fb
}
