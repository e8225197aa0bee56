package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// KnowledgeGraph is the entity/relation tier. Entities are deduplicated by
// normalized name; relation weights are recomputed from mention frequency
// blended against a baseline rather than incremented blindly.
type KnowledgeGraph struct {
	store     storage.GraphStore
	extractor llm.EntityExtractor
	cfg       config.GraphConfig
}

// NewKnowledgeGraph wires the graph tier.
func NewKnowledgeGraph(store storage.GraphStore, extractor llm.EntityExtractor, cfg config.GraphConfig) *KnowledgeGraph {
	return &KnowledgeGraph{store: store, extractor: extractor, cfg: cfg}
}

// normalizeName lowercases and strips diacritics so "Jose" and "José" hit
// the same entity row.
func normalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

// ExtractAndLink runs entity extraction over text, upserts each candidate
// (matching by normalized name) and links every co-mentioned pair. Returns
// the canonical IDs of the mentioned entities.
func (g *KnowledgeGraph) ExtractAndLink(ctx context.Context, text string) ([]string, error) {
	candidates, err := g.extractor.ExtractEntities(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("graph: extract: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	seen := make(map[string]bool)
	var ids []string
	for _, c := range candidates {
		normName := normalizeName(c.Name)
		if normName == "" || seen[normName] {
			continue
		}
		seen[normName] = true

		id, err := g.store.UpsertEntity(ctx, &types.Entity{
			ID:        uuid.NewString(),
			Name:      c.Name,
			NormName:  normName,
			Type:      c.Type,
			CreatedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("graph: upsert entity %q: %w", c.Name, err)
		}
		ids = append(ids, id)
	}

	// Co-mention links between every pair in this text.
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			if err := g.link(ctx, ids[i], ids[j]); err != nil {
				log.Printf("graph: link %s-%s: %v", ids[i], ids[j], err)
			}
		}
	}
	return ids, nil
}

// link records one co-mention of the pair and reweights the relation.
func (g *KnowledgeGraph) link(ctx context.Context, a, b string) error {
	rel, err := g.store.GetRelation(ctx, a, b)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if rel == nil {
		rel = &types.Relation{SourceID: a, TargetID: b}
	}
	rel.MentionCount++
	rel.Weight = reweight(rel.MentionCount, rel.Weight)
	rel.UpdatedAt = time.Now().UTC()
	return g.store.PutRelation(ctx, rel)
}

// reweight blends a saturating mention-frequency score against the previous
// weight as a baseline. Repeated mentions push the weight toward 1 but never
// inflate it without bound.
func reweight(mentionCount int, prior float64) float64 {
	freq := 1 - math.Exp(-float64(mentionCount)/5)
	if prior == 0 {
		prior = freq
	}
	return 0.7*freq + 0.3*prior
}

// ConnectionCount reports how many relations touch an entity. The long-term
// tier stores it on records as a weak reference for decay resistance.
func (g *KnowledgeGraph) ConnectionCount(ctx context.Context, entityID string) (int, error) {
	return g.store.RelationCountFor(ctx, entityID)
}

// SeedsFromText maps query text to existing entity IDs by normalized-name
// lookup of extracted candidates, without creating anything.
func (g *KnowledgeGraph) SeedsFromText(ctx context.Context, text string) ([]string, error) {
	candidates, err := g.extractor.ExtractEntities(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("graph: extract seeds: %w", err)
	}

	var seeds []string
	for _, c := range candidates {
		normName := normalizeName(c.Name)
		if normName == "" {
			continue
		}
		e, err := g.store.GetEntityByNormName(ctx, normName)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		seeds = append(seeds, e.ID)
	}
	return seeds, nil
}
