package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// TruncationMarker terminates any section that was cut to fit its budget.
const TruncationMarker = " [truncated]"

// ContextOrchestrator assembles a budgeted context string from every tier.
// Tier reads fan out concurrently; each branch carries its own timeout and a
// failed or late branch contributes an empty section instead of failing the
// assembly. A partial context is always preferred over a failed turn.
type ContextOrchestrator struct {
	working  *WorkingMemory
	sessions storage.SessionStore
	selector *BudgetSelector
	graph    *KnowledgeGraph
	tracker  *AccessTracker
	index    storage.VectorIndex

	branchTimeout time.Duration
	globalTimeout time.Duration
}

// NewContextOrchestrator wires the orchestrator.
func NewContextOrchestrator(
	working *WorkingMemory,
	sessions storage.SessionStore,
	selector *BudgetSelector,
	graph *KnowledgeGraph,
	tracker *AccessTracker,
	index storage.VectorIndex,
	branchTimeout, globalTimeout time.Duration,
) *ContextOrchestrator {
	return &ContextOrchestrator{
		working:       working,
		sessions:      sessions,
		selector:      selector,
		graph:         graph,
		tracker:       tracker,
		index:         index,
		branchTimeout: branchTimeout,
		globalTimeout: globalTimeout,
	}
}

// section indexes into the assembly's fixed priority order.
const (
	sectionWorking = iota
	sectionTemporal
	sectionSession
	sectionLongTerm
	sectionGraph
	sectionMeta
	sectionCount
)

var sectionHeaders = [sectionCount]string{
	sectionWorking:  "## Recent Conversation",
	sectionTemporal: "## Matching Period",
	sectionSession:  "## Past Sessions",
	sectionLongTerm: "## Long-Term Memory",
	sectionGraph:    "## Related Entities",
	sectionMeta:     "## Frequently Referenced",
}

// Build assembles the context for query under the given per-section budgets.
// The returned string's section segments never exceed their budgets; cut
// sections end with TruncationMarker.
func (o *ContextOrchestrator) Build(ctx context.Context, query string, budget types.ContextBudget) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.globalTimeout)
	defer cancel()

	temporal := ParseTemporalQuery(query, time.Now().UTC())

	var mu sync.Mutex
	var sections [sectionCount]string
	var wg sync.WaitGroup

	run := func(idx int, charBudget int, fn func(context.Context) (string, error)) {
		if charBudget <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			bctx, bcancel := context.WithTimeout(ctx, o.branchTimeout)
			defer bcancel()

			text, err := fn(bctx)
			if err != nil {
				log.Printf("context: %s branch degraded: %v", sectionHeaders[idx], err)
				return
			}
			mu.Lock()
			sections[idx] = truncateToBudget(text, charBudget)
			mu.Unlock()
		}()
	}

	run(sectionWorking, budget.Working, func(context.Context) (string, error) {
		return o.working.ProgressiveContext(), nil
	})
	run(sectionTemporal, budget.Temporal, func(bctx context.Context) (string, error) {
		if temporal == nil {
			return "", nil
		}
		return o.temporalSection(bctx, temporal)
	})
	run(sectionSession, budget.Session, func(bctx context.Context) (string, error) {
		return o.sessionSection(bctx)
	})
	run(sectionLongTerm, budget.LongTerm, func(bctx context.Context) (string, error) {
		sel, err := o.selector.Select(bctx, query, budget.TotalTokens, nil, temporal)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, rec := range sel.Records {
			b.WriteString("- ")
			b.WriteString(rec.Content)
			b.WriteString("\n")
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})
	run(sectionGraph, budget.Graph, func(bctx context.Context) (string, error) {
		return o.graphSection(bctx, query)
	})
	run(sectionMeta, budget.Meta, func(bctx context.Context) (string, error) {
		return o.metaSection(bctx)
	})

	// Wait for all branches or the global deadline, whichever comes first.
	// Late branches keep running into their cancelled contexts and are
	// discarded; their section slots stay empty.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	// Snapshot under the lock: a late branch may still be writing its slot
	// after the global deadline fired.
	mu.Lock()
	snapshot := sections
	mu.Unlock()

	var out strings.Builder
	for i := 0; i < sectionCount; i++ {
		if snapshot[i] == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(sectionHeaders[i])
		out.WriteString("\n")
		out.WriteString(snapshot[i])
	}
	return out.String(), nil
}

func (o *ContextOrchestrator) temporalSection(ctx context.Context, filter *TemporalFilter) (string, error) {
	turns, err := o.sessions.TurnsBetween(ctx, filter.From, filter.To, 50)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s] %s: %s\n", t.Timestamp.Format("2006-01-02 15:04"), t.Role, t.Content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (o *ContextOrchestrator) sessionSection(ctx context.Context) (string, error) {
	summaries, err := o.sessions.RecentSummaries(ctx, 5)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, s := range summaries {
		b.WriteString("- ")
		b.WriteString(s.Summary)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (o *ContextOrchestrator) graphSection(ctx context.Context, query string) (string, error) {
	seeds, err := o.graph.SeedsFromText(ctx, query)
	if err != nil {
		return "", err
	}
	if len(seeds) == 0 {
		return "", nil
	}
	sub, err := o.graph.Traverse(ctx, seeds, TraversalBounds{})
	if err != nil {
		return "", err
	}

	names := make(map[string]string, len(sub.Entities))
	var b strings.Builder
	for _, e := range sub.Entities {
		names[e.ID] = e.Name
	}
	for _, rel := range sub.Relations {
		src, tgt := names[rel.SourceID], names[rel.TargetID]
		if src == "" || tgt == "" {
			continue
		}
		fmt.Fprintf(&b, "%s <-> %s (%.2f)\n", src, tgt, rel.Weight)
	}
	if b.Len() == 0 {
		for _, e := range sub.Entities {
			b.WriteString(e.Name)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (o *ContextOrchestrator) metaSection(ctx context.Context) (string, error) {
	var b strings.Builder
	for _, id := range o.tracker.HotRecords() {
		rec, err := o.index.Get(ctx, id)
		if err != nil {
			continue
		}
		b.WriteString("- ")
		b.WriteString(rec.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// truncateToBudget cuts text to at most budget characters, ending at a word
// boundary and appending the truncation marker. Uncut text passes through.
func truncateToBudget(text string, budget int) string {
	if len(text) <= budget {
		return text
	}
	keep := budget - len(TruncationMarker)
	if keep <= 0 {
		return ""
	}

	cut := text[:keep]
	// Never split a multi-byte rune.
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	// Prefer a word boundary when one is reasonably close.
	if i := strings.LastIndexAny(cut, " \n"); i > keep/2 {
		cut = cut[:i]
	}
	return cut + TruncationMarker
}
