package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"epidemic_consensus/internal/dataType"
)

var (
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrQueueFull       = errors.New("outbound queue full")
)

// Transport hands a message to a peer. Send must not wait for the peer to
// process the message.
type Transport interface {
	Send(ctx context.Context, peer string, msg dataType.GossipMessage) error
}

type envelope struct {
	to  string
	msg dataType.GossipMessage
}

// MemoryNetwork connects managers in one process. In queued mode messages
// wait until Flush delivers them on the caller's goroutine, which makes
// multi-node runs deterministic. In live mode they go straight to the
// receiver's inbox.
type MemoryNetwork struct {
	mu    sync.Mutex
	nodes map[string]*GossipManager
	queue []envelope
	down  map[string]bool
	live  bool

	delivered int
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		nodes: make(map[string]*GossipManager),
		down:  make(map[string]bool),
	}
}

// SetLive switches between queued and live delivery.
func (n *MemoryNetwork) SetLive(live bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.live = live
}

func (n *MemoryNetwork) Register(gm *GossipManager) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[gm.Self()] = gm
}

// SetDown makes sends to id fail, simulating a crashed node.
func (n *MemoryNetwork) SetDown(id string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = down
}

// Transport returns the Transport a node uses to send into the network.
func (n *MemoryNetwork) Transport() Transport {
	return memoryTransport{net: n}
}

type memoryTransport struct {
	net *MemoryNetwork
}

func (t memoryTransport) Send(_ context.Context, peer string, msg dataType.GossipMessage) error {
	n := t.net
	n.mu.Lock()
	if n.down[peer] {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s is down", ErrPeerUnreachable, peer)
	}
	target, ok := n.nodes[peer]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: %s is not registered", ErrPeerUnreachable, peer)
	}
	msg.Path = slices.Clone(msg.Path)
	if !n.live {
		n.queue = append(n.queue, envelope{to: peer, msg: msg})
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if !target.Deliver(msg) {
		return fmt.Errorf("%w: %s inbox", ErrQueueFull, peer)
	}
	return nil
}

// Pending is the number of queued, undelivered messages.
func (n *MemoryNetwork) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

// Delivered is the number of messages handed to receivers by Flush.
func (n *MemoryNetwork) Delivered() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.delivered
}

// Flush delivers queued messages, including the ones produced while
// delivering, until the queue is empty or limit deliveries were made.
// A limit <= 0 means no limit.
func (n *MemoryNetwork) Flush(ctx context.Context, limit int) int {
	count := 0
	for limit <= 0 || count < limit {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			break
		}
		env := n.queue[0]
		n.queue = n.queue[1:]
		target := n.nodes[env.to]
		down := n.down[env.to]
		n.mu.Unlock()

		if target == nil || down {
			continue
		}
		target.HandleInbound(ctx, env.msg)
		count++

		n.mu.Lock()
		n.delivered++
		n.mu.Unlock()
	}
	return count
}
