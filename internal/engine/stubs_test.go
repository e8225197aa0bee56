package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// fakeEmbedder returns fixed vectors per text, defaulting to a unit vector.
type fakeEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

// fakeIndex is an in-memory VectorIndex.
type fakeIndex struct {
	mu      sync.Mutex
	records map[string]*types.MemoryRecord
	order   []string

	touchErr error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{records: make(map[string]*types.MemoryRecord)}
}

func (f *fakeIndex) Insert(_ context.Context, rec *types.MemoryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(rec.Embedding) == 0 {
		return storage.ErrInvalidInput
	}
	cp := *rec
	f.records[rec.ID] = &cp
	f.order = append(f.order, rec.ID)
	return nil
}

func (f *fakeIndex) Get(_ context.Context, id string) (*types.MemoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeIndex) Search(_ context.Context, embedding []float32, k int, typeFilter types.MemoryType) ([]storage.ScoredRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var scored []storage.ScoredRecord
	for _, id := range f.order {
		rec := f.records[id]
		if typeFilter != "" && rec.Type != typeFilter {
			continue
		}
		scored = append(scored, storage.ScoredRecord{
			Record:     *rec,
			Similarity: cosine32(embedding, rec.Embedding),
		})
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
	return scored, nil
}

func (f *fakeIndex) All(_ context.Context) ([]types.MemoryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.MemoryRecord, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.records[id])
	}
	return out, nil
}

func (f *fakeIndex) Count(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records), nil
}

func (f *fakeIndex) TouchAccess(_ context.Context, id string) error {
	if f.touchErr != nil {
		return f.touchErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.AccessCount++
	rec.LastAccessed = time.Now().UTC()
	return nil
}

func (f *fakeIndex) BumpRepetition(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Repetitions++
	return nil
}

func (f *fakeIndex) SetImportance(_ context.Context, id string, importance float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Importance = importance
	return nil
}

func (f *fakeIndex) SetConnectionCount(_ context.Context, id string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.ConnectionCount = n
	return nil
}

func (f *fakeIndex) Delete(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doomed := make(map[string]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
		delete(f.records, id)
	}
	kept := f.order[:0]
	for _, id := range f.order {
		if !doomed[id] {
			kept = append(kept, id)
		}
	}
	f.order = kept
	return nil
}

var _ storage.VectorIndex = (*fakeIndex)(nil)

// fakeSessions is an in-memory SessionStore.
type fakeSessions struct {
	mu        sync.Mutex
	turns     []types.SessionTurn
	summaries []types.SessionSummary

	appendErr error
}

func (f *fakeSessions) AppendTurn(_ context.Context, turn *types.SessionTurn) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, *turn)
	return nil
}

func (f *fakeSessions) RecentTurns(_ context.Context, limit int) ([]types.SessionTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := len(f.turns) - limit
	if start < 0 {
		start = 0
	}
	return append([]types.SessionTurn(nil), f.turns[start:]...), nil
}

func (f *fakeSessions) SessionTurns(_ context.Context, sessionID string) ([]types.SessionTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.SessionTurn
	for _, t := range f.turns {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeSessions) TurnsBetween(_ context.Context, from, to time.Time, limit int) ([]types.SessionTurn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.SessionTurn
	for _, t := range f.turns {
		if !t.Timestamp.Before(from) && t.Timestamp.Before(to) {
			out = append(out, t)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSessions) SaveSummary(_ context.Context, sum *types.SessionSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, *sum)
	return nil
}

func (f *fakeSessions) RecentSummaries(_ context.Context, limit int) ([]types.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]types.SessionSummary(nil), f.summaries...)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeSessions) CountSummariesWithTopic(_ context.Context, topic string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.summaries {
		for _, t := range s.Topics {
			if t == topic {
				n++
				break
			}
		}
	}
	return n, nil
}

func (f *fakeSessions) ExpireBefore(_ context.Context, cutoff time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.turns[:0]
	removed := 0
	for _, t := range f.turns {
		if t.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	f.turns = kept
	return removed, nil
}

func (f *fakeSessions) LogInteraction(context.Context, string, string) {}

var _ storage.SessionStore = (*fakeSessions)(nil)

// fakeGraph is an in-memory GraphStore honoring the neighbor ordering
// contract.
type fakeGraph struct {
	mu        sync.Mutex
	entities  map[string]types.Entity
	byNorm    map[string]string
	relations map[[2]string]types.Relation

	batchCalls    int
	neighborCalls int
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		entities:  make(map[string]types.Entity),
		byNorm:    make(map[string]string),
		relations: make(map[[2]string]types.Relation),
	}
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (f *fakeGraph) UpsertEntity(_ context.Context, e *types.Entity) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.byNorm[e.NormName]; ok {
		return id, nil
	}
	f.entities[e.ID] = *e
	f.byNorm[e.NormName] = e.ID
	return e.ID, nil
}

func (f *fakeGraph) GetEntity(_ context.Context, id string) (*types.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &e, nil
}

func (f *fakeGraph) GetEntityByNormName(_ context.Context, normName string) (*types.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byNorm[normName]
	if !ok {
		return nil, storage.ErrNotFound
	}
	e := f.entities[id]
	return &e, nil
}

func (f *fakeGraph) GetEntities(_ context.Context, ids []string) ([]types.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Entity
	for _, id := range ids {
		if e, ok := f.entities[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeGraph) EntityCount(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entities), nil
}

func (f *fakeGraph) GetRelation(_ context.Context, sourceID, targetID string) (*types.Relation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rel, ok := f.relations[pairKey(sourceID, targetID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rel, nil
}

func (f *fakeGraph) PutRelation(_ context.Context, rel *types.Relation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relations[pairKey(rel.SourceID, rel.TargetID)] = *rel
	return nil
}

func (f *fakeGraph) neighborsLocked(entityID string) []types.Relation {
	var rels []types.Relation
	for key, rel := range f.relations {
		if key[0] == entityID || key[1] == entityID {
			rels = append(rels, rel)
		}
	}
	far := func(rel types.Relation) string {
		if rel.SourceID == entityID {
			return rel.TargetID
		}
		return rel.SourceID
	}
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].Weight != rels[j].Weight {
			return rels[i].Weight > rels[j].Weight
		}
		return far(rels[i]) < far(rels[j])
	})
	return rels
}

func (f *fakeGraph) Neighbors(_ context.Context, entityID string) ([]types.Relation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neighborCalls++
	return f.neighborsLocked(entityID), nil
}

func (f *fakeGraph) NeighborsBatch(_ context.Context, entityIDs []string) (map[string][]types.Relation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batchCalls++
	out := make(map[string][]types.Relation, len(entityIDs))
	for _, id := range entityIDs {
		out[id] = f.neighborsLocked(id)
	}
	return out, nil
}

func (f *fakeGraph) RelationCountFor(_ context.Context, entityID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.neighborsLocked(entityID)), nil
}

var _ storage.GraphStore = (*fakeGraph)(nil)

// fakeMeta is an in-memory MetaStore.
type fakeMeta struct {
	mu       sync.Mutex
	patterns map[string]types.AccessPattern
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{patterns: make(map[string]types.AccessPattern)}
}

func (f *fakeMeta) SavePatterns(_ context.Context, patterns []types.AccessPattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range patterns {
		f.patterns[p.RecordID] = p
	}
	return nil
}

func (f *fakeMeta) LoadPatterns(_ context.Context) ([]types.AccessPattern, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.AccessPattern, 0, len(f.patterns))
	for _, p := range f.patterns {
		out = append(out, p)
	}
	return out, nil
}

var _ storage.MetaStore = (*fakeMeta)(nil)

// listExtractor yields a fixed candidate list regardless of input.
type listExtractor struct {
	candidates []llm.CandidateEntity
}

func (e listExtractor) ExtractEntities(context.Context, string) ([]llm.CandidateEntity, error) {
	return e.candidates, nil
}

// fixedScorer implements llm.Summarizer with canned outputs.
type fixedScorer struct {
	importance float64
	err        error
}

func (s fixedScorer) Summarize(_ context.Context, turns []types.SessionTurn) (*types.SessionSummary, error) {
	if s.err != nil {
		return nil, s.err
	}
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Content)
		b.WriteString(" ")
	}
	return &types.SessionSummary{
		Summary:     strings.TrimSpace(b.String()),
		Importance:  s.importance,
		Repetitions: 1,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (s fixedScorer) ScoreImportance(context.Context, string) (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.importance, nil
}

var _ llm.Summarizer = fixedScorer{}

// testDecayParams returns the default coefficients used across tests.
func testDecayParams() DecayParams {
	return DecayParams{
		BaseRate:        0.01,
		KAccess:         0.5,
		KRelation:       0.1,
		KChannel:        0.3,
		TypeMultipliers: defaultTypeMultipliers,
		RecencyWindow:   72 * time.Hour,
		RecencyBoost:    1.2,
		MinRetention:    0.05,
		BatchThreshold:  64,
	}
}

func testLongTermConfig() config.LongTermConfig {
	return config.LongTermConfig{
		DupThreshold:    0.90,
		DeleteThreshold: 0.05,
		PreserveReps:    3,
		PromoteAuto:     0.60,
		PromoteLow:      0.30,
		QueryMargin:     10,
		HotBonus:        0.05,
		StalenessHours:  720,
		ReassessAccess:  5,
		ReassessBatch:   20,
		ReassessWorkers: 4,
	}
}

func newTestLongTerm(index *fakeIndex, sessions *fakeSessions, embedder *fakeEmbedder) (*LongTermMemory, *AccessTracker) {
	tracker := NewAccessTracker(newFakeMeta(), 256, 5)
	lt := NewLongTermMemory(index, sessions, embedder, tracker, testDecayParams(), testLongTermConfig())
	return lt, tracker
}

// entityID is a readable fixed ID for graph tests.
func entityID(n int) string { return fmt.Sprintf("e%03d", n) }

// newHeuristicCounter returns a TokenCounter pinned to the chars/4 fallback,
// so token costs in tests do not depend on tokenizer data being present.
func newHeuristicCounter() *TokenCounter {
	c := &TokenCounter{}
	c.once.Do(func() {})
	return c
}

func entityFixture(id, name string) *types.Entity {
	return &types.Entity{
		ID:        id,
		Name:      name,
		NormName:  normalizeName(name),
		Type:      "test",
		CreatedAt: time.Now().UTC(),
	}
}
