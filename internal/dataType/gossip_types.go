package dataType

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// MessageKind is the wire discriminator of a GossipMessage.
type MessageKind string

const (
	KindGossip      MessageKind = "gossip"
	KindAntiEntropy MessageKind = "anti-entropy"
	KindRumor       MessageKind = "rumor"
	KindAck         MessageKind = "ack"
)

func (k MessageKind) Valid() bool {
	switch k {
	case KindGossip, KindAntiEntropy, KindRumor, KindAck:
		return true
	}
	return false
}

// GossipMessage is the unit exchanged between nodes.
type GossipMessage struct {
	ID        string          `json:"id"`        // unique per send, used for dedup
	Kind      MessageKind     `json:"kind"`      // gossip, anti-entropy, rumor, ack
	Payload   json.RawMessage `json:"payload"`   // kind specific body
	Version   uint64          `json:"version"`   // highest ledger version known to the sender
	Timestamp int64           `json:"timestamp"` // creation time, unix millis
	TTL       int             `json:"ttl"`       // remaining hop budget
	Sender    string          `json:"sender"`    // node that created the message
	Path      []string        `json:"path"`      // nodes that already relayed it
	Signature string          `json:"signature,omitempty"`
}

// Visited reports whether node already relayed the message.
func (m *GossipMessage) Visited(node string) bool {
	return m.Sender == node || slices.Contains(m.Path, node)
}

// Relay returns the copy a node forwards: path extended with self.
// TTL is not touched here; it was already decremented on receipt.
func (m GossipMessage) Relay(self string) GossipMessage {
	out := m
	out.Path = append(slices.Clone(m.Path), self)
	return out
}

// LastHop is the node that delivered this copy: the tail of Path, or
// Sender for a message that was never relayed.
func (m GossipMessage) LastHop() string {
	if len(m.Path) > 0 {
		return m.Path[len(m.Path)-1]
	}
	return m.Sender
}

// Decode unmarshals the payload into v.
func (m *GossipMessage) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has empty payload", m.ID)
	}
	return json.Unmarshal(m.Payload, v)
}

const (
	GossipTypeHeartbeat    = "heartbeat"
	GossipTypeSyncRequest  = "sync-request"
	GossipTypeSyncResponse = "sync-response"

	RumorTypeConsensusProposal = "consensus-proposal"
	RumorTypeNodeIsolation     = "node-isolation"
	RumorTypeNodeSuspicion     = "node-suspicion"
)

// ItemSnapshot is the wire form of a consensus item.
type ItemSnapshot struct {
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Version    uint64          `json:"version"`
	Supporters []string        `json:"supporters"`
	Timestamp  int64           `json:"timestamp"`
	Converged  bool            `json:"converged"`
}

// GossipPayload is the body of a KindGossip message.
type GossipPayload struct {
	Type    string         `json:"type"`
	RoundID string         `json:"round_id,omitempty"`
	Items   []ItemSnapshot `json:"items,omitempty"`
	Keys    []string       `json:"keys,omitempty"`
}

// RumorPayload is the body of a KindRumor message.
type RumorPayload struct {
	Type string `json:"type"`

	// consensus-proposal
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Version    uint64          `json:"version,omitempty"`
	Proposer   string          `json:"proposer,omitempty"`
	Supporters []string        `json:"supporters,omitempty"`

	// node-isolation, node-suspicion
	NodeID  string `json:"node_id,omitempty"`
	Accuser string `json:"accuser,omitempty"`
}

// DigestEntry is the lightweight per-key metadata exchanged during anti-entropy.
type DigestEntry struct {
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"`
	Converged bool   `json:"converged"`
}

type Digest map[string]DigestEntry

// AntiEntropyPayload is the body of a KindAntiEntropy message.
type AntiEntropyPayload struct {
	Digest Digest `json:"digest"`
}

// AckPayload is the body of a KindAck message.
type AckPayload struct {
	RoundID string `json:"round_id"`
}

// Checksum is the non-cryptographic integrity tag carried in Signature.
func Checksum(payload []byte) string {
	return strconv.FormatUint(xxhash.Sum64(payload), 16)
}

// Seal sets Signature to the payload checksum.
func (m *GossipMessage) Seal() {
	m.Signature = Checksum(m.Payload)
}

// VerifySeal reports whether the payload matches its checksum. Messages
// without a signature pass, the field is optional.
func (m *GossipMessage) VerifySeal() bool {
	return m.Signature == "" || m.Signature == Checksum(m.Payload)
}
