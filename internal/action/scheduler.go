package action

import "time"

// Observation is the state snapshot a decision is made from.
type Observation struct {
	At      time.Time
	Trigger string

	// PendingSuspects holds alive peers whose suspicion rose since the last
	// evaluation. A peer that merely carries a nonzero level from earlier
	// does not qualify, so one stale suspect cannot pin the first rule.
	PendingSuspects []string

	ConvergenceRate      float64
	ConvergenceThreshold float64

	Connectivity          float64
	ConnectivityThreshold float64
	CanRaiseFanout        bool

	Unconverged []string

	SinceAntiEntropy  time.Duration
	AntiEntropyPeriod time.Duration

	ActivePeers int
}

// Decide picks exactly one action. The checks form a strict priority
// chain: the first matching condition wins.
func Decide(obs Observation) Decision {
	switch {
	case len(obs.PendingSuspects) > 0:
		return Decision{
			Action:     Action{Kind: IsolateNode, NodeID: obs.PendingSuspects[0]},
			Confidence: 0.9,
			Risks:      []string{"false positive isolation of a slow peer"},
		}

	case obs.ConvergenceRate < obs.ConvergenceThreshold:
		return Decision{
			Action:     Action{Kind: ForceConvergence},
			Confidence: 0.8,
			Risks:      []string{"traffic burst to every active peer"},
		}

	case obs.Connectivity < obs.ConnectivityThreshold && obs.CanRaiseFanout:
		return Decision{
			Action:     Action{Kind: OptimizeParams},
			Confidence: 0.7,
			Risks:      []string{"higher per-round message load"},
		}

	case len(obs.Unconverged) > 0:
		return Decision{
			Action:     Action{Kind: PropagateConsensus, Key: obs.Unconverged[0]},
			Confidence: 0.8,
		}

	case obs.SinceAntiEntropy >= obs.AntiEntropyPeriod:
		return Decision{
			Action:     Action{Kind: AntiEntropy},
			Confidence: 0.9,
		}
	}

	d := Decision{Action: Action{Kind: InitiateGossip}, Confidence: 1}
	if obs.ActivePeers == 0 {
		d.Confidence = 0.5
		d.Risks = []string{"no active peers to gossip with"}
	}
	return d
}
