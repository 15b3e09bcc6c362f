package dataType

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Traffic event names tracked by the engine.
const (
	TrafficSent       = "sent"
	TrafficSendFailed = "send-failed"
	TrafficReceived   = "received"
	TrafficForwarded  = "forwarded"
	TrafficDroppedTTL = "dropped-ttl"
	TrafficDuplicate  = "dropped-duplicate"
	TrafficDroppedBad = "dropped-invalid"
	TrafficInboxFull  = "dropped-inbox-full"
	TrafficDroppedOld = "dropped-stale"
)

type secondSlot struct {
	second int64
	count  int64
}

// window holds one counter as a ring of per-second slots.
type window struct {
	slots       []secondSlot
	lastUpdated int64
}

func newWindow(size int64) *window {
	return &window{slots: make([]secondSlot, size)}
}

func (w *window) add(sec int64, value int64) {
	idx := sec % int64(len(w.slots))
	if w.slots[idx].second != sec {
		w.slots[idx] = secondSlot{second: sec, count: value}
	} else {
		w.slots[idx].count += value
	}
	w.lastUpdated = sec
}

func (w *window) sum(lastN int64, now int64) int64 {
	size := int64(len(w.slots))
	if lastN > size {
		lastN = size
	}
	var total int64
	for sec := now - lastN + 1; sec <= now; sec++ {
		slot := w.slots[sec%size]
		if slot.second == sec {
			total += slot.count
		}
	}
	return total
}

type windowBucket struct {
	mu      sync.RWMutex
	windows map[uint64]*window
	totals  map[uint64]int64
}

// WindowCounter counts named events over a sliding window of seconds and
// keeps lifetime totals. Safe for concurrent use.
type WindowCounter struct {
	buckets     []*windowBucket
	bucketCount uint64
	size        int64
}

func NewWindowCounter(bucketCount int, size time.Duration) *WindowCounter {
	if bucketCount <= 0 {
		bucketCount = 1
	}
	secs := int64(size / time.Second)
	if secs < 1 {
		secs = 1
	}
	wc := &WindowCounter{
		buckets:     make([]*windowBucket, bucketCount),
		bucketCount: uint64(bucketCount),
		size:        secs,
	}
	for i := range wc.buckets {
		wc.buckets[i] = &windowBucket{
			windows: make(map[uint64]*window),
			totals:  make(map[uint64]int64),
		}
	}
	return wc
}

func (wc *WindowCounter) bucketFor(key string) (*windowBucket, uint64) {
	h := xxhash.Sum64String(key)
	return wc.buckets[h%wc.bucketCount], h
}

func (wc *WindowCounter) Add(key string, value int64) {
	wc.AddAt(key, value, time.Now())
}

func (wc *WindowCounter) AddAt(key string, value int64, at time.Time) {
	b, h := wc.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.windows[h]
	if !ok {
		w = newWindow(wc.size)
		b.windows[h] = w
	}
	w.add(at.Unix(), value)
	b.totals[h] += value
}

// Query returns the count of the last lastN seconds ending at now.
func (wc *WindowCounter) Query(key string, lastN int64) int64 {
	return wc.QueryAt(key, lastN, time.Now())
}

func (wc *WindowCounter) QueryAt(key string, lastN int64, now time.Time) int64 {
	b, h := wc.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if w, ok := b.windows[h]; ok {
		return w.sum(lastN, now.Unix())
	}
	return 0
}

// Total returns the lifetime count of key.
func (wc *WindowCounter) Total(key string) int64 {
	b, h := wc.bucketFor(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.totals[h]
}

// GC drops windows that saw no event for a full window length.
// Lifetime totals are kept.
func (wc *WindowCounter) GC(now time.Time) {
	threshold := now.Unix() - wc.size
	for _, b := range wc.buckets {
		b.mu.Lock()
		for h, w := range b.windows {
			if w.lastUpdated < threshold {
				delete(b.windows, h)
			}
		}
		b.mu.Unlock()
	}
}
