package dataType

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type historyBucket struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// MessageHistory remembers processed message ids for a bounded time.
// Ids are sharded over buckets by xxhash so cleanup never holds one
// big lock.
type MessageHistory struct {
	buckets     []*historyBucket
	bucketCount uint64
	ttl         time.Duration
}

func NewMessageHistory(bucketCount int, ttl time.Duration) *MessageHistory {
	if bucketCount <= 0 {
		bucketCount = 1
	}
	h := &MessageHistory{
		buckets:     make([]*historyBucket, bucketCount),
		bucketCount: uint64(bucketCount),
		ttl:         ttl,
	}
	for i := range h.buckets {
		h.buckets[i] = &historyBucket{seen: make(map[string]time.Time)}
	}
	return h
}

func (h *MessageHistory) getBucket(id string) *historyBucket {
	return h.buckets[xxhash.Sum64String(id)%h.bucketCount]
}

// Seen reports whether id was recorded and has not expired yet.
func (h *MessageHistory) Seen(id string, now time.Time) bool {
	b := h.getBucket(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	at, ok := b.seen[id]
	return ok && now.Sub(at) <= h.ttl
}

// Record marks id as processed at now.
func (h *MessageHistory) Record(id string, now time.Time) {
	b := h.getBucket(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen[id] = now
}

// CheckAndRecord records id and returns true, or returns false when id
// is already known.
func (h *MessageHistory) CheckAndRecord(id string, now time.Time) bool {
	b := h.getBucket(id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if at, ok := b.seen[id]; ok && now.Sub(at) <= h.ttl {
		return false
	}
	b.seen[id] = now
	return true
}

// Cleanup drops expired ids and returns how many were removed.
func (h *MessageHistory) Cleanup(now time.Time) int {
	removed := 0
	for _, b := range h.buckets {
		b.mu.Lock()
		for id, at := range b.seen {
			if now.Sub(at) > h.ttl {
				delete(b.seen, id)
				removed++
			}
		}
		b.mu.Unlock()
	}
	return removed
}

func (h *MessageHistory) Len() int {
	n := 0
	for _, b := range h.buckets {
		b.mu.Lock()
		n += len(b.seen)
		b.mu.Unlock()
	}
	return n
}

// Snapshot returns id -> record time in unix millis.
func (h *MessageHistory) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	for _, b := range h.buckets {
		b.mu.Lock()
		for id, at := range b.seen {
			out[id] = at.UnixMilli()
		}
		b.mu.Unlock()
	}
	return out
}

// Restore loads a snapshot, skipping entries already expired at now.
func (h *MessageHistory) Restore(snapshot map[string]int64, now time.Time) int {
	loaded := 0
	for id, ms := range snapshot {
		at := time.UnixMilli(ms)
		if now.Sub(at) > h.ttl {
			continue
		}
		h.Record(id, at)
		loaded++
	}
	return loaded
}
