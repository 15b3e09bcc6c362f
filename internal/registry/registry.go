// Package registry tracks liveness, version, reliability and suspicion of
// every known cluster member.
package registry

import (
	"cmp"
	"slices"
	"time"
)

const (
	DefaultReliability = 0.5
	reliabilityStep    = 0.1
)

// PeerState is the local view of one member.
type PeerState struct {
	ID             string    `json:"id"`
	LastSeen       time.Time `json:"last_seen"`
	Version        uint64    `json:"version"`
	Reliability    float64   `json:"reliability"`
	GossipCount    uint64    `json:"gossip_count"`
	IsAlive        bool      `json:"is_alive"`
	SuspicionLevel uint32    `json:"suspicion_level"`
}

// Registry is owned by a single coordinator and is not safe for
// concurrent use.
type Registry struct {
	self      string
	threshold uint32
	peers     map[string]*PeerState
}

func New(self string, suspicionThreshold uint32, now time.Time) *Registry {
	r := &Registry{
		self:      self,
		threshold: suspicionThreshold,
		peers:     make(map[string]*PeerState),
	}
	r.peers[self] = &PeerState{
		ID:          self,
		LastSeen:    now,
		Reliability: 1,
		IsAlive:     true,
	}
	return r
}

func (r *Registry) Self() string { return r.self }

func (r *Registry) SuspicionThreshold() uint32 { return r.threshold }

// Add seeds a statically known member. Existing entries are left alone.
func (r *Registry) Add(id string, now time.Time) {
	if _, ok := r.peers[id]; ok {
		return
	}
	r.peers[id] = newPeer(id, now)
}

func newPeer(id string, now time.Time) *PeerState {
	return &PeerState{
		ID:          id,
		LastSeen:    now,
		Reliability: DefaultReliability,
		IsAlive:     true,
	}
}

// Get returns a copy of the state of id.
func (r *Registry) Get(id string) (PeerState, bool) {
	p, ok := r.peers[id]
	if !ok {
		return PeerState{}, false
	}
	return *p, true
}

// UpsertOnReceipt records evidence that sender is alive. It is the only
// path that lowers suspicion.
func (r *Registry) UpsertOnReceipt(sender string, version uint64, now time.Time) PeerState {
	p, ok := r.peers[sender]
	if !ok {
		p = newPeer(sender, now)
		r.peers[sender] = p
	}
	p.LastSeen = now
	p.Version = max(p.Version, version)
	p.GossipCount++
	p.Reliability = min(1, p.Reliability+reliabilityStep)
	if p.SuspicionLevel > 0 {
		p.SuspicionLevel--
	}
	p.IsAlive = p.SuspicionLevel < r.threshold
	return *p
}

// MarkSuspicious raises suspicion of id by one and returns the new level.
// Unknown members and the local node are ignored.
func (r *Registry) MarkSuspicious(id string) (uint32, bool) {
	if id == r.self {
		return 0, false
	}
	p, ok := r.peers[id]
	if !ok {
		return 0, false
	}
	p.SuspicionLevel++
	return p.SuspicionLevel, true
}

// MarkIsolated declares id dead. It returns false when id is unknown, is the
// local node, or was already dead.
func (r *Registry) MarkIsolated(id string) bool {
	if id == r.self {
		return false
	}
	p, ok := r.peers[id]
	if !ok {
		return false
	}
	wasAlive := p.IsAlive
	p.IsAlive = false
	p.Reliability = 0
	p.SuspicionLevel = max(p.SuspicionLevel, r.threshold)
	return wasAlive
}

// ActiveNodes returns the sorted ids of alive members, self included.
func (r *Registry) ActiveNodes() []string {
	out := make([]string, 0, len(r.peers))
	for id, p := range r.peers {
		if p.IsAlive {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// ActivePeers is ActiveNodes without the local node.
func (r *Registry) ActivePeers() []string {
	return slices.DeleteFunc(r.ActiveNodes(), func(id string) bool { return id == r.self })
}

func (r *Registry) CountActive() int {
	n := 0
	for _, p := range r.peers {
		if p.IsAlive {
			n++
		}
	}
	return n
}

// Total counts every member ever seen, dead ones included.
func (r *Registry) Total() int { return len(r.peers) }

// AverageReliability averages over remote members. An empty registry
// reports 0.
func (r *Registry) AverageReliability() float64 {
	var sum float64
	n := 0
	for id, p := range r.peers {
		if id == r.self {
			continue
		}
		sum += p.Reliability
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Suspicious returns alive members with a non-zero suspicion level.
func (r *Registry) Suspicious() []string {
	var out []string
	for id, p := range r.peers {
		if p.IsAlive && p.SuspicionLevel > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Stale returns alive remote members not heard from within timeout.
func (r *Registry) Stale(now time.Time, timeout time.Duration) []string {
	var out []string
	for id, p := range r.peers {
		if id == r.self || !p.IsAlive {
			continue
		}
		if now.Sub(p.LastSeen) > timeout {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Snapshot copies every member state, sorted by id.
func (r *Registry) Snapshot() []PeerState {
	out := make([]PeerState, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b PeerState) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Restore merges a checkpoint. The local entry is never overwritten and
// restored members get their last_seen reset to now so they are not timed
// out immediately after a restart.
func (r *Registry) Restore(states []PeerState, now time.Time) {
	for _, s := range states {
		if s.ID == "" || s.ID == r.self {
			continue
		}
		p := s
		p.LastSeen = now
		p.IsAlive = p.SuspicionLevel < r.threshold && p.IsAlive
		r.peers[s.ID] = &p
	}
}
