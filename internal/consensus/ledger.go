// Package consensus tracks proposals per key and detects when enough of the
// active cluster supports a value.
package consensus

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"epidemic_consensus/internal/dataType"
)

// Outcome describes what an incoming proposal did to the ledger.
type Outcome int

const (
	Ignored   Outcome = iota // stale or already known
	Adopted                  // new key or higher version taken over
	Supported                // supporter set grew
	Conflict                 // equal version, different value, local value kept
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Adopted:
		return "adopted"
	case Supported:
		return "supported"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Changed reports whether the ledger was mutated.
func (o Outcome) Changed() bool { return o == Adopted || o == Supported }

// Item is the agreed-upon state of one key.
type Item struct {
	Key         string
	Value       json.RawMessage
	Version     uint64
	Confidence  float64
	Supporters  map[string]struct{}
	Detractors  map[string]struct{}
	Timestamp   time.Time
	Converged   bool
	ConvergedAt time.Time
}

func (it *Item) clone() Item {
	out := *it
	out.Value = slices.Clone(it.Value)
	out.Supporters = maps.Clone(it.Supporters)
	out.Detractors = maps.Clone(it.Detractors)
	return out
}

// SupporterList returns the sorted supporter ids.
func (it *Item) SupporterList() []string {
	return slices.Sorted(maps.Keys(it.Supporters))
}

// Snapshot converts the item to its wire form.
func (it *Item) Snapshot() dataType.ItemSnapshot {
	return dataType.ItemSnapshot{
		Key:        it.Key,
		Value:      slices.Clone(it.Value),
		Version:    it.Version,
		Supporters: it.SupporterList(),
		Timestamp:  it.Timestamp.UnixMilli(),
		Converged:  it.Converged,
	}
}

// Ledger holds one Item per key. Items are never deleted. Owned by a single
// coordinator, not safe for concurrent use.
type Ledger struct {
	self        string
	threshold   float64
	activeCount func() int
	now         func() time.Time
	items       map[string]*Item
}

func NewLedger(self string, threshold float64, activeCount func() int, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		self:        self,
		threshold:   threshold,
		activeCount: activeCount,
		now:         now,
		items:       make(map[string]*Item),
	}
}

// EncodeValue turns a caller value into the stored JSON form.
func EncodeValue(value any) (json.RawMessage, error) {
	var raw json.RawMessage
	switch v := value.(type) {
	case nil:
		return nil, ErrInvalidProposal
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
		}
		raw = b
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, ErrInvalidProposal
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("%w: value is not valid JSON", ErrInvalidProposal)
	}
	return slices.Clone(raw), nil
}

// Propose creates or supersedes key with the next version, supported only
// by the local node.
func (l *Ledger) Propose(key string, value any) (Item, error) {
	var version uint64 = 1
	if it, ok := l.items[key]; ok {
		version = it.Version + 1
	}
	return l.ProposeAt(key, value, version)
}

// ProposeAt is Propose with an explicit version.
func (l *Ledger) ProposeAt(key string, value any, version uint64) (Item, error) {
	if key == "" {
		return Item{}, ErrInvalidProposal
	}
	raw, err := EncodeValue(value)
	if err != nil {
		return Item{}, err
	}
	if it, ok := l.items[key]; ok && version <= it.Version {
		return Item{}, fmt.Errorf("%w: key %q at version %d, proposed %d", ErrStaleProposal, key, it.Version, version)
	}
	it := l.adopt(key, raw, version, l.now(), nil)
	return it.clone(), nil
}

func (l *Ledger) adopt(key string, value json.RawMessage, version uint64, ts time.Time, supporters []string) *Item {
	it := &Item{
		Key:        key,
		Value:      value,
		Version:    version,
		Supporters: map[string]struct{}{l.self: {}},
		Detractors: make(map[string]struct{}),
		Timestamp:  ts,
	}
	for _, s := range supporters {
		if s != "" {
			it.Supporters[s] = struct{}{}
		}
	}
	l.items[key] = it
	l.evaluate(it)
	return it
}

// OnRemoteProposal applies a proposal received from proposer.
func (l *Ledger) OnRemoteProposal(key string, value json.RawMessage, version uint64, proposer string) Outcome {
	return l.apply(key, value, version, l.now(), []string{proposer})
}

// Merge applies a snapshot received through gossip or anti-entropy:
// a higher version is adopted, an equal one has its supporters unioned and
// a lower one is discarded.
func (l *Ledger) Merge(snap dataType.ItemSnapshot) Outcome {
	ts := l.now()
	if snap.Timestamp > 0 {
		ts = time.UnixMilli(snap.Timestamp)
	}
	return l.apply(snap.Key, snap.Value, snap.Version, ts, snap.Supporters)
}

func (l *Ledger) apply(key string, value json.RawMessage, version uint64, ts time.Time, supporters []string) Outcome {
	value = bytes.TrimSpace(value)
	if key == "" || len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return Ignored
	}
	it, ok := l.items[key]
	if !ok || version > it.Version {
		l.adopt(key, slices.Clone(value), version, ts, supporters)
		return Adopted
	}
	if version < it.Version {
		return Ignored
	}

	if !bytes.Equal(value, it.Value) {
		// Concurrent proposals at one version: the larger encoding wins on
		// every node so the cluster settles on a single value. A converged
		// value is final for its version.
		if !it.Converged && bytes.Compare(value, it.Value) > 0 {
			losers := it.SupporterList()
			next := l.adopt(key, slices.Clone(value), version, ts, supporters)
			for _, s := range losers {
				if _, ok := next.Supporters[s]; !ok {
					next.Detractors[s] = struct{}{}
				}
			}
			return Adopted
		}
		for _, s := range supporters {
			if s != "" {
				it.Detractors[s] = struct{}{}
			}
		}
		return Conflict
	}

	grew := false
	for _, s := range supporters {
		if s == "" {
			continue
		}
		if _, ok := it.Supporters[s]; !ok {
			it.Supporters[s] = struct{}{}
			delete(it.Detractors, s)
			grew = true
		}
	}
	if !grew {
		return Ignored
	}
	l.evaluate(it)
	return Supported
}

func (l *Ledger) evaluate(it *Item) {
	active := 1
	if l.activeCount != nil {
		active = max(1, l.activeCount())
	}
	ratio := float64(len(it.Supporters)) / float64(active)
	it.Confidence = min(1, ratio)
	if !it.Converged && ratio >= l.threshold {
		it.Converged = true
		it.ConvergedAt = l.now()
	}
}

// Recheck re-evaluates every unconverged item, used after the active
// member count changed.
func (l *Ledger) Recheck() []string {
	var flipped []string
	for key, it := range l.items {
		if it.Converged {
			continue
		}
		l.evaluate(it)
		if it.Converged {
			flipped = append(flipped, key)
		}
	}
	slices.Sort(flipped)
	return flipped
}

func (l *Ledger) Get(key string) (Item, bool) {
	it, ok := l.items[key]
	if !ok {
		return Item{}, false
	}
	return it.clone(), true
}

func (l *Ledger) SupportCount(key string) int {
	if it, ok := l.items[key]; ok {
		return len(it.Supporters)
	}
	return 0
}

func (l *Ledger) IsConverged(key string) bool {
	it, ok := l.items[key]
	return ok && it.Converged
}

func (l *Ledger) Len() int { return len(l.items) }

// Keys returns every key, sorted.
func (l *Ledger) Keys() []string {
	return slices.Sorted(maps.Keys(l.items))
}

// Unconverged returns the sorted keys still gathering support.
func (l *Ledger) Unconverged() []string {
	var out []string
	for key, it := range l.items {
		if !it.Converged {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out
}

// MaxVersion is the highest version held for any key.
func (l *Ledger) MaxVersion() uint64 {
	var v uint64
	for _, it := range l.items {
		v = max(v, it.Version)
	}
	return v
}

// Snapshot returns wire forms of the given keys, or of every key when none
// are given. Unknown keys are skipped.
func (l *Ledger) Snapshot(keys ...string) []dataType.ItemSnapshot {
	if len(keys) == 0 {
		keys = l.Keys()
	}
	out := make([]dataType.ItemSnapshot, 0, len(keys))
	for _, key := range keys {
		if it, ok := l.items[key]; ok {
			out = append(out, it.Snapshot())
		}
	}
	return out
}

// ConvergenceRate is converged/recent over items proposed within window.
// With no recent items the rate is 1.
func (l *Ledger) ConvergenceRate(window time.Duration) float64 {
	cutoff := l.now().Add(-window)
	recent, converged := 0, 0
	for _, it := range l.items {
		if it.Timestamp.Before(cutoff) {
			continue
		}
		recent++
		if it.Converged {
			converged++
		}
	}
	if recent == 0 {
		return 1
	}
	return float64(converged) / float64(recent)
}

// ConvergedFraction is converged/total over all items, 1 when empty.
func (l *Ledger) ConvergedFraction() float64 {
	if len(l.items) == 0 {
		return 1
	}
	n := 0
	for _, it := range l.items {
		if it.Converged {
			n++
		}
	}
	return float64(n) / float64(len(l.items))
}
