package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// maxPerTopic caps how many selected records may share one topic before the
// diversity constraint rejects further candidates in the first pass.
const maxPerTopic = 2

// selectorCandidates is how many ranked records the selector considers.
const selectorCandidates = 25

// BudgetSelector picks long-term records under a token budget with a topic
// diversity constraint. This is a constrained top-k: a high-scoring candidate
// loses its slot when its topic is already over-represented, so long as
// budget remains for an under-represented alternative.
type BudgetSelector struct {
	longTerm *LongTermMemory
	tokens   *TokenCounter
}

// NewBudgetSelector wires the selector.
func NewBudgetSelector(longTerm *LongTermMemory, tokens *TokenCounter) *BudgetSelector {
	return &BudgetSelector{longTerm: longTerm, tokens: tokens}
}

// Selection is the result of one budgeted pick.
type Selection struct {
	Records    []types.MemoryRecord
	TokensUsed int
}

// Select ranks candidates for query and greedily packs them under
// tokenBudget. excludeIDs removes records already present elsewhere in the
// assembly; temporal restricts candidates to their creation window.
//
// Two passes: the first enforces the per-topic cap, the second readmits
// diversity-rejected candidates into whatever budget is left.
func (s *BudgetSelector) Select(ctx context.Context, query string, tokenBudget int, excludeIDs map[string]bool, temporal *TemporalFilter) (*Selection, error) {
	if tokenBudget <= 0 {
		return &Selection{}, nil
	}

	ranked, err := s.longTerm.Query(ctx, query, selectorCandidates, QueryOptions{Channel: "context"})
	if err != nil {
		return nil, fmt.Errorf("budget selector: %w", err)
	}

	candidates := make([]storage.ScoredRecord, 0, len(ranked))
	for _, c := range ranked {
		if excludeIDs[c.Record.ID] {
			continue
		}
		if temporal != nil {
			created := c.Record.CreatedAt
			if created.Before(temporal.From) || !created.Before(temporal.To) {
				continue
			}
		}
		candidates = append(candidates, c)
	}

	sel := &Selection{}
	topicCount := make(map[string]int)
	var deferred []storage.ScoredRecord

	admit := func(c storage.ScoredRecord) bool {
		cost := s.tokens.Count(c.Record.Content)
		if sel.TokensUsed+cost > tokenBudget {
			return false
		}
		sel.Records = append(sel.Records, c.Record)
		sel.TokensUsed += cost
		topicCount[c.Record.Topic]++
		return true
	}

	for _, c := range candidates {
		if c.Record.Topic != "" && topicCount[c.Record.Topic] >= maxPerTopic {
			deferred = append(deferred, c)
			continue
		}
		admit(c)
	}
	for _, c := range deferred {
		admit(c)
	}

	return sel, nil
}

// SmartEviction picks the records to drop first when an assembly overruns
// its budget mid-flight: lowest effective value first, until at least
// excessTokens are freed. Returns the IDs to evict.
func (s *BudgetSelector) SmartEviction(sel *Selection, excessTokens int) []string {
	if sel == nil || excessTokens <= 0 || len(sel.Records) == 0 {
		return nil
	}

	type valued struct {
		id    string
		value float64
		cost  int
	}
	ranked := make([]valued, len(sel.Records))
	for i, rec := range sel.Records {
		ranked[i] = valued{
			id:    rec.ID,
			value: importanceWeight(rec.Importance) * float64(1+rec.AccessCount),
			cost:  s.tokens.Count(rec.Content),
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].value != ranked[j].value {
			return ranked[i].value < ranked[j].value
		}
		return ranked[i].id < ranked[j].id
	})

	var evict []string
	freed := 0
	for _, r := range ranked {
		if freed >= excessTokens {
			break
		}
		evict = append(evict, r.id)
		freed += r.cost
	}
	return evict
}
