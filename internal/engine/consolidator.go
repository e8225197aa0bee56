package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/pkg/types"
)

// ConsolidateStats reports what one sweep did.
type ConsolidateStats struct {
	Deleted    int `json:"deleted"`
	Reassessed int `json:"reassessed"`
	Merged     int `json:"merged"`
}

// Consolidate sweeps the vector index: recomputes decay over a read snapshot,
// deletes below-floor records, reassesses stale-but-accessed records through
// the importance service in bounded parallel batches, and merges
// near-duplicate clusters the threshold missed at write time.
//
// Scoring happens entirely off the snapshot; no index lock is held while the
// external reassessment calls run.
func (lt *LongTermMemory) Consolidate(ctx context.Context, scorer llm.Summarizer) (ConsolidateStats, error) {
	var stats ConsolidateStats

	records, err := lt.index.All(ctx)
	if err != nil {
		return stats, fmt.Errorf("consolidate: snapshot: %w", err)
	}
	if len(records) == 0 {
		return stats, nil
	}

	meta := lt.tracker.Snapshot()
	now := time.Now().UTC()

	inputs := make([]DecayInput, len(records))
	for i := range records {
		inputs[i] = DecayInputFromRecord(&records[i], meta)
	}
	scores := lt.decay.ScoreAll(inputs, now)

	var deleteIDs []string
	var reassess []types.MemoryRecord
	staleAge := time.Duration(lt.cfg.StalenessHours) * time.Hour

	for i := range records {
		rec := &records[i]
		if scores[i] < lt.cfg.DeleteThreshold && rec.Repetitions < lt.cfg.PreserveReps {
			deleteIDs = append(deleteIDs, rec.ID)
			continue
		}
		if scorer != nil && now.Sub(rec.CreatedAt) > staleAge &&
			rec.AccessCount >= lt.cfg.ReassessAccess &&
			len(reassess) < lt.cfg.ReassessBatch {
			reassess = append(reassess, *rec)
		}
	}

	stats.Reassessed = lt.reassess(ctx, scorer, reassess)

	merged, err := lt.mergeDuplicates(ctx, records, deleteIDs)
	if err != nil {
		return stats, err
	}
	stats.Merged = len(merged)
	deleteIDs = append(deleteIDs, merged...)

	if len(deleteIDs) > 0 {
		if err := lt.index.Delete(ctx, deleteIDs); err != nil {
			return stats, fmt.Errorf("consolidate: delete: %w", err)
		}
	}
	stats.Deleted = len(deleteIDs) - len(merged)
	return stats, nil
}

// reassess calls the importance service for each candidate with bounded
// parallelism. Individual failures are logged and skipped; a reassessment
// sweep degrades, it does not abort.
func (lt *LongTermMemory) reassess(ctx context.Context, scorer llm.Summarizer, candidates []types.MemoryRecord) int {
	if scorer == nil || len(candidates) == 0 {
		return 0
	}

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lt.cfg.ReassessWorkers)
	for i := range candidates {
		rec := candidates[i]
		g.Go(func() error {
			score, err := scorer.ScoreImportance(gctx, rec.Content)
			if err != nil {
				log.Printf("consolidate: reassess %s: %v", rec.ID, err)
				return nil
			}
			if err := lt.index.SetImportance(gctx, rec.ID, clampUnit(score)); err != nil {
				log.Printf("consolidate: set importance %s: %v", rec.ID, err)
				return nil
			}
			mu.Lock()
			done++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return done
}

// mergeDuplicates finds near-duplicate pairs in the snapshot and folds each
// cluster into its highest-importance member, accumulating repetitions.
// Returns the IDs of the absorbed records.
func (lt *LongTermMemory) mergeDuplicates(ctx context.Context, records []types.MemoryRecord, alreadyDoomed []string) ([]string, error) {
	doomed := make(map[string]bool, len(alreadyDoomed))
	for _, id := range alreadyDoomed {
		doomed[id] = true
	}

	var merged []string
	for i := range records {
		a := &records[i]
		if doomed[a.ID] || len(a.Embedding) == 0 {
			continue
		}
		for j := i + 1; j < len(records); j++ {
			b := &records[j]
			if doomed[b.ID] || len(b.Embedding) == 0 {
				continue
			}
			if cosine32(a.Embedding, b.Embedding) < lt.cfg.DupThreshold {
				continue
			}

			keeper, absorbed := a, b
			if b.Importance > a.Importance {
				keeper, absorbed = b, a
			}
			for r := 0; r < absorbed.Repetitions; r++ {
				if err := lt.index.BumpRepetition(ctx, keeper.ID); err != nil {
					return merged, fmt.Errorf("consolidate: merge %s into %s: %w", absorbed.ID, keeper.ID, err)
				}
			}
			doomed[absorbed.ID] = true
			merged = append(merged, absorbed.ID)
			if absorbed == a {
				break
			}
		}
	}
	return merged, nil
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
