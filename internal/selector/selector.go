// Package selector scores every registered transport for a given peer
// and returns a candidate ordering (spec.md §4.6). Grounded on the
// teacher's connMan backoff/recovery bookkeeping in
// internal/daemon/connman.go: recordSuccess/recordFailure are the only
// legal mutation paths on reliability, mirroring markSuccess/
// markFailure's exclusive ownership of peer fail counts.
package selector

import (
	"math"
	"sort"
	"sync"
	"time"

	"meshwire/internal/transport"
)

// Table owns one transport.Metrics record per registered driver kind
// and produces scored candidate orderings.
type Table struct {
	mu      sync.Mutex
	metrics map[transport.Kind]*transport.Metrics
	// peerSupports reports, per peer, which transport kinds that peer
	// is known to support (learned from DISCOVER/ANNOUNCE payloads).
	peerSupports map[string]map[transport.Kind]bool
}

func New() *Table {
	return &Table{
		metrics:      make(map[transport.Kind]*transport.Metrics),
		peerSupports: make(map[string]map[transport.Kind]bool),
	}
}

// Register adds a transport kind to the table with defaults (enabled,
// unavailable, zero reliability) until SetAvailable/RecordSuccess are
// called.
func (t *Table) Register(kind transport.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.metrics[kind]; !ok {
		t.metrics[kind] = &transport.Metrics{Enabled: true}
	}
}

func (t *Table) SetAvailable(kind transport.Kind, available bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.ensure(kind)
	m.Available = available
}

func (t *Table) SetDeviceCount(kind transport.Kind, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.ensure(kind)
	m.DeviceCount = n
}

func (t *Table) SetLatencyHint(kind transport.Kind, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.ensure(kind)
	m.LatencyHint = d
}

// NotePeerSupports records that peerID is known to support kind,
// learned out of band from a DISCOVER/ANNOUNCE exchange.
func (t *Table) NotePeerSupports(peerID string, kind transport.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.peerSupports[peerID] == nil {
		t.peerSupports[peerID] = make(map[transport.Kind]bool)
	}
	t.peerSupports[peerID][kind] = true
}

func (t *Table) ensure(kind transport.Kind) *transport.Metrics {
	m, ok := t.metrics[kind]
	if !ok {
		m = &transport.Metrics{Enabled: true}
		t.metrics[kind] = m
	}
	return m
}

// RecordSuccess and RecordFailure are the only legal mutation paths on
// per-transport reliability (spec §4.6).
func (t *Table) RecordSuccess(kind transport.Kind, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.ensure(kind)
	m.Reliability += 5
	if m.Reliability > 100 {
		m.Reliability = 100
	}
	m.LastSuccess = now
	m.FailureCount = 0
}

func (t *Table) RecordFailure(kind transport.Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.ensure(kind)
	m.Reliability -= 10
	if m.Reliability < 0 {
		m.Reliability = 0
	}
	m.FailureCount++
}

// Candidate is one scored transport in the ordering Select returns.
type Candidate struct {
	Kind  transport.Kind
	Score float64
}

// Select implements the spec §4.6 scoring formula for peerID and
// returns (primary, fallbacks[0..2]). Unavailable transports are
// filtered out entirely (score = -inf).
func (t *Table) Select(peerID string, now time.Time) (transport.Kind, []transport.Kind, bool) {
	t.mu.Lock()
	supports := t.peerSupports[peerID]
	type scored struct {
		kind  transport.Kind
		score float64
	}
	var candidates []scored
	for kind, m := range t.metrics {
		if !m.Available || !m.Enabled {
			continue
		}
		score := float64(m.Reliability)
		score += math.Max(0, 50-float64(m.LatencyHint/time.Millisecond)/10)
		if supports != nil && supports[kind] {
			score += 50
		}
		if !m.LastSuccess.IsZero() {
			age := now.Sub(m.LastSuccess)
			if age < 60*time.Second {
				score += 30
			}
			if age < 300*time.Second {
				score += 15
			}
		}
		score -= 10 * float64(m.FailureCount)
		bonus := 2 * m.DeviceCount
		if bonus > 20 {
			bonus = 20
		}
		score += float64(bonus)
		score += float64(transport.Bias(kind))
		candidates = append(candidates, scored{kind, score})
	}
	t.mu.Unlock()

	if len(candidates) == 0 {
		return "", nil, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	primary := candidates[0].kind
	var fallbacks []transport.Kind
	for i := 1; i < len(candidates) && i <= 3; i++ {
		fallbacks = append(fallbacks, candidates[i].kind)
	}
	return primary, fallbacks, true
}

// Snapshot returns a copy of the metrics table for diagnostics.
func (t *Table) Snapshot() map[transport.Kind]transport.Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[transport.Kind]transport.Metrics, len(t.metrics))
	for k, m := range t.metrics {
		out[k] = *m
	}
	return out
}
