package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// WorkingMemory is the volatile buffer of recent turns. It is a fixed-size
// ring holding 2*maxTurns entries; overflow silently evicts the oldest entry.
//
// Every append mirrors the turn to the session archive before the in-memory
// write, so a crash loses at most the buffer, never the durable log.
type WorkingMemory struct {
	archive storage.SessionStore

	mu       sync.Mutex
	entries  []types.WorkingEntry // ring storage, len == capacity once full
	start    int                  // index of the oldest entry
	count    int
	capacity int

	recentVerbatim   int
	condensedPerTurn int
}

// NewWorkingMemory creates a working-memory buffer mirroring to archive.
func NewWorkingMemory(archive storage.SessionStore, maxTurns, recentVerbatim, condensedPerTurn int) *WorkingMemory {
	if maxTurns < 1 {
		maxTurns = 1
	}
	capacity := 2 * maxTurns
	return &WorkingMemory{
		archive:          archive,
		entries:          make([]types.WorkingEntry, capacity),
		capacity:         capacity,
		recentVerbatim:   recentVerbatim,
		condensedPerTurn: condensedPerTurn,
	}
}

// Append mirrors the turn to the session archive and then adds it to the
// buffer. The durable write must succeed before the append is acknowledged;
// a failed mirror fails the whole append and leaves the buffer untouched.
func (w *WorkingMemory) Append(ctx context.Context, sessionID, role, content, emotionalTag string) error {
	now := time.Now().UTC()

	turn := &types.SessionTurn{
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Timestamp: now,
	}
	if err := w.archive.AppendTurn(ctx, turn); err != nil {
		return fmt.Errorf("working memory: mirror write: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.push(types.WorkingEntry{
		Role:         role,
		Content:      content,
		EmotionalTag: emotionalTag,
		Timestamp:    now,
	})
	return nil
}

// push adds one entry, evicting the oldest when full. Caller holds the lock.
func (w *WorkingMemory) push(e types.WorkingEntry) {
	if w.count < w.capacity {
		w.entries[(w.start+w.count)%w.capacity] = e
		w.count++
		return
	}
	w.entries[w.start] = e
	w.start = (w.start + 1) % w.capacity
}

// Entries returns the buffered entries, oldest first.
func (w *WorkingMemory) Entries() []types.WorkingEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]types.WorkingEntry, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.entries[(w.start+i)%w.capacity]
	}
	return out
}

// Len returns the number of buffered entries.
func (w *WorkingMemory) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Rebuild reloads the buffer from the durable archive after a restart.
func (w *WorkingMemory) Rebuild(ctx context.Context) error {
	turns, err := w.archive.RecentTurns(ctx, w.capacity)
	if err != nil {
		return fmt.Errorf("working memory: rebuild: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.start = 0
	w.count = 0
	for _, t := range turns {
		w.push(types.WorkingEntry{
			Role:      t.Role,
			Content:   t.Content,
			Timestamp: t.Timestamp,
		})
	}
	return nil
}

// ProgressiveContext renders the buffer two-tier: the most recent turns
// verbatim, older turns condensed to a small per-turn budget. Recent
// exchanges stay high-fidelity while total size stays bounded.
func (w *WorkingMemory) ProgressiveContext() string {
	entries := w.Entries()
	if len(entries) == 0 {
		return ""
	}

	verbatimFrom := len(entries) - w.recentVerbatim
	if verbatimFrom < 0 {
		verbatimFrom = 0
	}

	var b strings.Builder
	for i, e := range entries {
		line := e.Role + ": " + e.Content
		if i < verbatimFrom {
			line = condense(line, w.condensedPerTurn)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// condense truncates a line to limit characters at a word boundary.
func condense(line string, limit int) string {
	if limit <= 0 || len(line) <= limit {
		return line
	}
	cut := line[:limit]
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
