// Package engine implements the multi-tier memory engine: working buffer,
// session archive, long-term vector store with decay and dedup, knowledge
// graph, access tracker and the context orchestrator that assembles a
// budgeted context from all of them.
package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// Engine is the facade over all memory tiers. All store and service handles
// are injected at construction; there are no package-level singletons.
type Engine struct {
	cfg *config.Config

	sessions storage.SessionStore
	index    storage.VectorIndex

	working      *WorkingMemory
	longTerm     *LongTermMemory
	graph        *KnowledgeGraph
	tracker      *AccessTracker
	selector     *BudgetSelector
	orchestrator *ContextOrchestrator
	summarizer   llm.Summarizer

	// Lifecycle
	started      bool
	shuttingDown bool
	mu           sync.RWMutex
	stopCh       chan struct{}
	bgWait       sync.WaitGroup
}

// Deps bundles the injected handles.
type Deps struct {
	Sessions   storage.SessionStore
	Index      storage.VectorIndex
	Graph      storage.GraphStore
	Meta       storage.MetaStore
	Embedder   llm.Embedder
	Summarizer llm.Summarizer
	Extractor  llm.EntityExtractor
}

// New wires an Engine from configuration and injected dependencies.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Sessions == nil || deps.Index == nil || deps.Graph == nil || deps.Meta == nil {
		return nil, fmt.Errorf("engine: all store handles are required")
	}
	if deps.Embedder == nil {
		return nil, fmt.Errorf("engine: embedder is required")
	}
	if deps.Extractor == nil {
		deps.Extractor = llm.HeuristicExtractor{}
	}

	decay := DecayParamsFromConfig(cfg.Decay)
	tracker := NewAccessTracker(deps.Meta, cfg.Meta.MaxEvents, cfg.Meta.HotSize)
	working := NewWorkingMemory(deps.Sessions, cfg.Working.MaxTurns, cfg.Working.RecentVerbatim, cfg.Working.CondensedPerTurn)
	longTerm := NewLongTermMemory(deps.Index, deps.Sessions, deps.Embedder, tracker, decay, cfg.LongTerm)
	graph := NewKnowledgeGraph(deps.Graph, deps.Extractor, cfg.Graph)
	selector := NewBudgetSelector(longTerm, NewTokenCounter())
	orchestrator := NewContextOrchestrator(
		working, deps.Sessions, selector, graph, tracker, deps.Index,
		cfg.BranchTimeout(), cfg.GlobalTimeout())

	return &Engine{
		cfg:          cfg,
		sessions:     deps.Sessions,
		index:        deps.Index,
		working:      working,
		longTerm:     longTerm,
		graph:        graph,
		tracker:      tracker,
		selector:     selector,
		orchestrator: orchestrator,
		summarizer:   deps.Summarizer,
		stopCh:       make(chan struct{}),
	}, nil
}

// LongTerm exposes the long-term tier for direct writes.
func (e *Engine) LongTerm() *LongTermMemory { return e.longTerm }

// Graph exposes the knowledge graph tier.
func (e *Engine) Graph() *KnowledgeGraph { return e.graph }

// Start rebuilds volatile state from the durable stores and launches the
// meta recompute loop. Calling Start twice is an error.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine: already started")
	}
	e.started = true
	e.mu.Unlock()

	if err := e.working.Rebuild(ctx); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := e.tracker.Restore(ctx); err != nil {
		log.Printf("engine: access patterns not restored: %v", err)
	}
	e.tracker.Recompute()

	e.bgWait.Add(1)
	go e.metaLoop()

	log.Printf("engine: started (working=%d buffered turns)", e.working.Len())
	return nil
}

// metaLoop recomputes the hot set on a schedule and periodically persists
// access patterns.
func (e *Engine) metaLoop() {
	defer e.bgWait.Done()

	interval := time.Duration(e.cfg.Meta.RecomputeSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.tracker.Recompute()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := e.tracker.Flush(ctx); err != nil {
				log.Printf("engine: %v", err)
			}
			cancel()
		case <-e.stopCh:
			return
		}
	}
}

// Shutdown stops background work and persists the access patterns. Safe to
// call once; further calls are no-ops.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started || e.shuttingDown {
		e.mu.Unlock()
		return nil
	}
	e.shuttingDown = true
	e.mu.Unlock()

	close(e.stopCh)
	e.bgWait.Wait()

	if err := e.tracker.Flush(ctx); err != nil {
		return fmt.Errorf("engine: shutdown flush: %w", err)
	}
	log.Printf("engine: stopped")
	return nil
}

func (e *Engine) running() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.started && !e.shuttingDown
}

// RecordTurn appends one turn to working memory, mirroring it durably before
// acknowledging. Write-path errors propagate to the caller; a lost turn is
// never silently swallowed.
func (e *Engine) RecordTurn(ctx context.Context, sessionID, role, content string) error {
	if !e.running() {
		return fmt.Errorf("engine: not running")
	}
	if err := e.working.Append(ctx, sessionID, role, content, ""); err != nil {
		return err
	}
	e.sessions.LogInteraction(ctx, "record_turn", sessionID)
	return nil
}

// BuildContext assembles a budgeted context for query. A zero budget falls
// back to the configured defaults.
func (e *Engine) BuildContext(ctx context.Context, query string, budget types.ContextBudget) (string, error) {
	if !e.running() {
		return "", fmt.Errorf("engine: not running")
	}
	if budget.Sum() == 0 {
		budget = e.defaultBudget()
	}
	return e.orchestrator.Build(ctx, query, budget)
}

func (e *Engine) defaultBudget() types.ContextBudget {
	c := e.cfg.Context
	return types.ContextBudget{
		Working:     c.DefaultWorking,
		Session:     c.DefaultSession,
		LongTerm:    c.DefaultLongTerm,
		Graph:       c.DefaultGraph,
		Meta:        c.DefaultMeta,
		Temporal:    c.DefaultTemporal,
		TotalTokens: c.DefaultTokens,
	}
}

// fallbackImportance is assigned when the summarization service cannot score
// a session; promotion proceeds on this fixed value instead of blocking.
const fallbackImportance = 0.3

// EndSession summarizes the finished session, archives the summary, attempts
// promotion into long-term memory, and feeds the session text through entity
// extraction into the knowledge graph.
//
// Summarizer failure degrades to a truncated-transcript summary with a fixed
// importance score; only an archive write failure aborts.
func (e *Engine) EndSession(ctx context.Context, sessionID string) error {
	if !e.running() {
		return fmt.Errorf("engine: not running")
	}

	turns, err := e.sessions.SessionTurns(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("engine: end session: %w", err)
	}
	if len(turns) == 0 {
		return nil
	}

	sum := e.summarize(ctx, sessionID, turns)
	if err := e.sessions.SaveSummary(ctx, sum); err != nil {
		return fmt.Errorf("engine: archive summary: %w", err)
	}

	if id, err := e.longTerm.Promote(ctx, sum); err != nil {
		log.Printf("engine: promotion failed for session %s: %v", sessionID, err)
	} else if id != "" {
		e.linkPromoted(ctx, id, sum.Summary)
	}

	var text strings.Builder
	for _, t := range turns {
		text.WriteString(t.Content)
		text.WriteString("\n")
	}
	if _, err := e.graph.ExtractAndLink(ctx, text.String()); err != nil {
		log.Printf("engine: graph extraction failed for session %s: %v", sessionID, err)
	}

	e.sessions.LogInteraction(ctx, "end_session", sessionID)
	return nil
}

// summarize calls the summarization service, degrading to a fixed-score
// transcript stub when it fails or is absent.
func (e *Engine) summarize(ctx context.Context, sessionID string, turns []types.SessionTurn) *types.SessionSummary {
	if e.summarizer != nil {
		sum, err := e.summarizer.Summarize(ctx, turns)
		if err == nil {
			return sum
		}
		log.Printf("engine: summarization degraded for session %s: %v", sessionID, err)
	}

	var b strings.Builder
	for _, t := range turns {
		if b.Len() >= 400 {
			break
		}
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString(" ")
	}
	return &types.SessionSummary{
		SessionID:   sessionID,
		Summary:     condense(strings.TrimSpace(b.String()), 400),
		Importance:  fallbackImportance,
		Repetitions: 1,
		CreatedAt:   time.Now().UTC(),
	}
}

// linkPromoted connects a freshly promoted record to the graph: entities are
// extracted from the summary and the record's connection count is refreshed
// from their relation counts.
func (e *Engine) linkPromoted(ctx context.Context, recordID, summary string) {
	entityIDs, err := e.graph.ExtractAndLink(ctx, summary)
	if err != nil {
		log.Printf("engine: link promoted %s: %v", recordID, err)
		return
	}

	connections := 0
	for _, id := range entityIDs {
		n, err := e.graph.ConnectionCount(ctx, id)
		if err != nil {
			continue
		}
		connections += n
	}
	if err := e.index.SetConnectionCount(ctx, recordID, connections); err != nil {
		log.Printf("engine: set connection count %s: %v", recordID, err)
	}
}

// Consolidate runs one long-term sweep plus the session expiry sweep.
// Intended to be driven by an external scheduler.
func (e *Engine) Consolidate(ctx context.Context) (ConsolidateStats, error) {
	if !e.running() {
		return ConsolidateStats{}, fmt.Errorf("engine: not running")
	}

	stats, err := e.longTerm.Consolidate(ctx, e.summarizer)
	if err != nil {
		return stats, err
	}

	if ttl := e.cfg.LongTerm.SessionTTLDays; ttl > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -ttl)
		removed, err := e.sessions.ExpireBefore(ctx, cutoff)
		if err != nil {
			log.Printf("engine: session expiry sweep: %v", err)
		} else if removed > 0 {
			log.Printf("engine: expired %d archived session rows", removed)
		}
	}

	e.sessions.LogInteraction(ctx, "consolidate",
		fmt.Sprintf("deleted=%d reassessed=%d merged=%d", stats.Deleted, stats.Reassessed, stats.Merged))
	return stats, nil
}
