package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// LongTermMemory owns the vector index: dedup on write, decay-weighted
// ranking on read, and the promotion gate for session summaries.
type LongTermMemory struct {
	index    storage.VectorIndex
	sessions storage.SessionStore
	embedder llm.Embedder
	tracker  *AccessTracker
	decay    DecayParams
	cfg      config.LongTermConfig
}

// NewLongTermMemory wires the long-term tier.
func NewLongTermMemory(index storage.VectorIndex, sessions storage.SessionStore, embedder llm.Embedder, tracker *AccessTracker, decay DecayParams, cfg config.LongTermConfig) *LongTermMemory {
	return &LongTermMemory{
		index:    index,
		sessions: sessions,
		embedder: embedder,
		tracker:  tracker,
		decay:    decay,
		cfg:      cfg,
	}
}

// Add stores content in the long-term tier, deduplicating against the
// nearest existing record. When a near-duplicate at or above the similarity
// threshold exists, the existing record's repetition and access counters are
// bumped and its ID is returned: at most one record per semantic cluster.
//
// Embedding failure fails the write. A record without an embedding would be
// invisible to dedup, so a lost write is the lesser evil and it is loud.
func (lt *LongTermMemory) Add(ctx context.Context, content string, memType types.MemoryType, importance float64) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("long-term add: %w: empty content", storage.ErrInvalidInput)
	}
	if !types.ValidMemoryType(memType) {
		return "", fmt.Errorf("long-term add: %w: unknown memory type %q", storage.ErrInvalidInput, memType)
	}

	embedding, err := lt.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("long-term add: embed: %w", err)
	}

	nearest, err := lt.index.Search(ctx, embedding, 1, "")
	if err != nil {
		return "", fmt.Errorf("long-term add: dedup search: %w", err)
	}
	if len(nearest) > 0 && nearest[0].Similarity >= lt.cfg.DupThreshold {
		id := nearest[0].Record.ID
		if err := lt.index.BumpRepetition(ctx, id); err != nil {
			return "", fmt.Errorf("long-term add: bump repetition: %w", err)
		}
		if err := lt.index.TouchAccess(ctx, id); err != nil {
			return "", fmt.Errorf("long-term add: touch access: %w", err)
		}
		return id, nil
	}

	rec := &types.MemoryRecord{
		ID:          uuid.NewString(),
		Content:     content,
		Embedding:   embedding,
		Type:        memType,
		Importance:  clampUnit(importance),
		CreatedAt:   time.Now().UTC(),
		Repetitions: 1,
	}
	if err := lt.index.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("long-term add: insert: %w", err)
	}
	return rec.ID, nil
}

// QueryOptions narrows a long-term query.
type QueryOptions struct {
	TypeFilter types.MemoryType

	// Channel labels the access for the meta tier. Defaults to "default".
	Channel string
}

// Query embeds text and returns the top k records ranked by effective score:
// similarity, decayed relevance and an importance weight, plus a small bonus
// for records the meta tier flags as hot. Records whose decayed score sits
// below the deletion floor are logically dead and never returned, even when
// the sweep has not removed them yet.
func (lt *LongTermMemory) Query(ctx context.Context, text string, k int, opts QueryOptions) ([]storage.ScoredRecord, error) {
	if k <= 0 {
		return nil, nil
	}

	embedding, err := lt.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("long-term query: embed: %w", err)
	}

	candidates, err := lt.index.Search(ctx, embedding, k+lt.cfg.QueryMargin, opts.TypeFilter)
	if err != nil {
		return nil, fmt.Errorf("long-term query: search: %w", err)
	}

	meta := lt.tracker.Snapshot()
	now := time.Now().UTC()

	scored := make([]storage.ScoredRecord, 0, len(candidates))
	for _, c := range candidates {
		decayed := lt.decay.Score(DecayInputFromRecord(&c.Record, meta), now)
		if decayed < lt.cfg.DeleteThreshold {
			continue
		}
		effective := c.Similarity * decayed * importanceWeight(c.Record.Importance)
		if meta.IsHot(c.Record.ID) {
			effective += lt.cfg.HotBonus
		}
		scored = append(scored, storage.ScoredRecord{Record: c.Record, Similarity: effective})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Record.ID < scored[j].Record.ID
	})
	if len(scored) > k {
		scored = scored[:k]
	}

	channel := opts.Channel
	if channel == "" {
		channel = "default"
	}
	for _, s := range scored {
		if err := lt.index.TouchAccess(ctx, s.Record.ID); err != nil {
			log.Printf("long-term query: touch access %s: %v", s.Record.ID, err)
		}
		lt.tracker.Record(s.Record.ID, channel)
	}
	return scored, nil
}

// Promote applies the promotion policy to a session summary: promoted when
// importance clears the automatic threshold, or when the theme has repeated
// and importance clears the lower bar. Returns the new (or deduplicated)
// record ID, or "" when rejected.
func (lt *LongTermMemory) Promote(ctx context.Context, sum *types.SessionSummary) (string, error) {
	if sum == nil || sum.Summary == "" {
		return "", fmt.Errorf("promote: %w: empty summary", storage.ErrInvalidInput)
	}

	reps := sum.Repetitions
	if reps < 2 && len(sum.Topics) > 0 {
		// A theme that keeps coming up across sessions counts as repetition
		// even when this particular summary is new.
		n, err := lt.sessions.CountSummariesWithTopic(ctx, sum.Topics[0])
		if err != nil {
			log.Printf("promote: count topic %q: %v", sum.Topics[0], err)
		} else if n > reps {
			reps = n
		}
	}

	promoted := sum.Importance >= lt.cfg.PromoteAuto ||
		(reps >= 2 && sum.Importance >= lt.cfg.PromoteLow)
	if !promoted {
		return "", nil
	}

	id, err := lt.Add(ctx, sum.Summary, types.TypeInsight, sum.Importance)
	if err != nil {
		return "", fmt.Errorf("promote: %w", err)
	}
	return id, nil
}

// importanceWeight maps importance into [0.5, 1.0] so low-importance records
// still surface when nothing better matches.
func importanceWeight(importance float64) float64 {
	return 0.5 + 0.5*clampUnit(importance)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
