package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// accessEvent is one observed read of a long-term record.
type accessEvent struct {
	recordID string
	channel  string
	at       time.Time
}

// AccessTracker is the meta tier: a bounded log of recent long-term reads,
// periodically condensed into a hot set and per-record channel diversity.
//
// The log is a sampling structure, not a ledger: when full, the oldest events
// are dropped. Consumers read a precomputed snapshot; recording and snapshot
// reads never wait on each other for anything slower than a mutex.
type AccessTracker struct {
	store     storage.MetaStore
	maxEvents int
	hotSize   int

	mu       sync.RWMutex
	events   []accessEvent
	snapshot types.MetaSnapshot
	patterns map[string]*types.AccessPattern
}

// NewAccessTracker creates a tracker with a bounded event log.
func NewAccessTracker(store storage.MetaStore, maxEvents, hotSize int) *AccessTracker {
	if maxEvents < 1 {
		maxEvents = 1
	}
	return &AccessTracker{
		store:     store,
		maxEvents: maxEvents,
		hotSize:   hotSize,
		patterns:  make(map[string]*types.AccessPattern),
	}
}

// Record logs one read of recordID from channel. Cheap enough for the query
// hot path.
func (t *AccessTracker) Record(recordID, channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = append(t.events, accessEvent{recordID: recordID, channel: channel, at: time.Now().UTC()})
	if len(t.events) > t.maxEvents {
		t.events = t.events[len(t.events)-t.maxEvents:]
	}

	p := t.patterns[recordID]
	if p == nil {
		p = &types.AccessPattern{RecordID: recordID}
		t.patterns[recordID] = p
	}
	p.AccessCount++
}

// Snapshot returns the current precomputed meta snapshot. The returned value
// is never mutated after publication, so callers may hold it across a decay
// sweep without copying.
func (t *AccessTracker) Snapshot() *types.MetaSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := t.snapshot
	return &snap
}

// Recompute condenses the event log into a fresh snapshot: the top-N records
// by recent access frequency become the hot set, and per-record channel
// diversity is recounted from the sampled events.
func (t *AccessTracker) Recompute() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now().UTC()
	freq := make(map[string]int)
	channels := make(map[string]map[string]bool)
	for _, e := range t.events {
		freq[e.recordID]++
		if channels[e.recordID] == nil {
			channels[e.recordID] = make(map[string]bool)
		}
		channels[e.recordID][e.channel] = true
	}

	type rankedRecord struct {
		id    string
		count int
	}
	ranked := make([]rankedRecord, 0, len(freq))
	for id, n := range freq {
		ranked = append(ranked, rankedRecord{id: id, count: n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > t.hotSize {
		ranked = ranked[:t.hotSize]
	}

	hot := make(map[string]bool, len(ranked))
	for _, r := range ranked {
		hot[r.id] = true
		if p := t.patterns[r.id]; p != nil {
			p.LastHotAt = now
		}
	}

	mentions := make(map[string]int, len(channels))
	for id, set := range channels {
		mentions[id] = len(set)
		if p := t.patterns[id]; p != nil {
			p.ChannelDiversity = len(set)
		}
	}

	t.snapshot = types.MetaSnapshot{Hot: hot, ChannelMentions: mentions, TakenAt: now}
}

// HotRecords returns the IDs in the current hot set, sorted for determinism.
func (t *AccessTracker) HotRecords() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.snapshot.Hot))
	for id := range t.snapshot.Hot {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flush persists the accumulated access patterns.
func (t *AccessTracker) Flush(ctx context.Context) error {
	t.mu.RLock()
	patterns := make([]types.AccessPattern, 0, len(t.patterns))
	for _, p := range t.patterns {
		patterns = append(patterns, *p)
	}
	t.mu.RUnlock()

	if len(patterns) == 0 {
		return nil
	}
	if err := t.store.SavePatterns(ctx, patterns); err != nil {
		return fmt.Errorf("access tracker: flush: %w", err)
	}
	return nil
}

// Restore loads persisted patterns after a restart. The event log starts
// empty; only the cumulative counters survive.
func (t *AccessTracker) Restore(ctx context.Context) error {
	patterns, err := t.store.LoadPatterns(ctx)
	if err != nil {
		return fmt.Errorf("access tracker: restore: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range patterns {
		p := patterns[i]
		t.patterns[p.RecordID] = &p
	}
	return nil
}
