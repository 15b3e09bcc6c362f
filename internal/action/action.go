package action

import "fmt"

// Kind is the closed set of protocol actions a decision cycle can pick.
type Kind int

const (
	IsolateNode        Kind = iota // 0：evaluate suspicion and isolate failed peers
	ForceConvergence               // 1：push unconverged items to every active peer
	OptimizeParams                 // 2：widen fanout while connectivity is low
	PropagateConsensus             // 3：endorse an unconverged item
	AntiEntropy                    // 4：digest exchange with one peer
	InitiateGossip                 // 5：routine heartbeat round
)

func (k Kind) String() string {
	switch k {
	case IsolateNode:
		return "isolate-suspicious-node"
	case ForceConvergence:
		return "force-convergence"
	case OptimizeParams:
		return "optimize-gossip-parameters"
	case PropagateConsensus:
		return "propagate-consensus"
	case AntiEntropy:
		return "perform-anti-entropy"
	case InitiateGossip:
		return "initiate-gossip-round"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is a Kind plus its target, if any.
type Action struct {
	Kind   Kind
	NodeID string // IsolateNode
	Key    string // PropagateConsensus
}

func (a Action) String() string {
	switch {
	case a.NodeID != "":
		return a.Kind.String() + "(" + a.NodeID + ")"
	case a.Key != "":
		return a.Kind.String() + "(" + a.Key + ")"
	}
	return a.Kind.String()
}

// Decision saves the result of the decision
type Decision struct {
	Action     Action
	Confidence float64
	Risks      []string
}

// Result is what acting on a decision produced.
type Result struct {
	Action       Action
	MessagesSent int
	Isolated     []string
	Err          error
}

func (r Result) Success() bool { return r.Err == nil }

// Feedback is handed to the learning step after a cycle.
type Feedback struct {
	Decision Decision
	Result   Result
}
