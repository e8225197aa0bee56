package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/pkg/types"
)

// blockingExtractor stalls until its context dies, simulating a hung
// extraction service.
type blockingExtractor struct{}

func (blockingExtractor) ExtractEntities(ctx context.Context, _ string) ([]llm.CandidateEntity, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type orchestratorFixture struct {
	orch     *ContextOrchestrator
	working  *WorkingMemory
	sessions *fakeSessions
	index    *fakeIndex
	tracker  *AccessTracker
}

func newOrchestratorFixture(t *testing.T, extractor llm.EntityExtractor) *orchestratorFixture {
	t.Helper()
	sessions := &fakeSessions{}
	index := newFakeIndex()
	working := NewWorkingMemory(sessions, 5, 3, 120)
	lt, tracker := newTestLongTerm(index, sessions, &fakeEmbedder{})
	selector := NewBudgetSelector(lt, newHeuristicCounter())
	graph := NewKnowledgeGraph(newFakeGraph(), extractor, testGraphConfig())

	return &orchestratorFixture{
		orch: NewContextOrchestrator(working, sessions, selector, graph, tracker, index,
			200*time.Millisecond, 2*time.Second),
		working:  working,
		sessions: sessions,
		index:    index,
		tracker:  tracker,
	}
}

func TestBuildSectionBudgets(t *testing.T) {
	f := newOrchestratorFixture(t, listExtractor{})
	ctx := context.Background()

	long := strings.Repeat("the conversation keeps going and going ", 10)
	require.NoError(t, f.working.Append(ctx, "s1", "user", long, ""))

	out, err := f.orch.Build(ctx, "what were we discussing", types.ContextBudget{Working: 100})
	require.NoError(t, err)
	require.Contains(t, out, "## Recent Conversation\n")

	body := strings.TrimPrefix(out, "## Recent Conversation\n")
	assert.LessOrEqual(t, len(body), 100)
	assert.True(t, strings.HasSuffix(body, TruncationMarker), "cut section must end with the marker")
}

func TestBuildSkipsZeroBudgetSections(t *testing.T) {
	f := newOrchestratorFixture(t, listExtractor{})
	ctx := context.Background()

	require.NoError(t, f.working.Append(ctx, "s1", "user", "hello there", ""))
	require.NoError(t, f.sessions.SaveSummary(ctx, &types.SessionSummary{
		SessionID: "s0", Summary: "previous session", CreatedAt: time.Now().UTC(),
	}))

	out, err := f.orch.Build(ctx, "hello", types.ContextBudget{Session: 500})
	require.NoError(t, err)
	assert.NotContains(t, out, "## Recent Conversation")
	assert.Contains(t, out, "## Past Sessions\n- previous session")
}

func TestBuildGracefulDegradation(t *testing.T) {
	f := newOrchestratorFixture(t, blockingExtractor{})
	ctx := context.Background()

	require.NoError(t, f.working.Append(ctx, "s1", "user", "hello there", ""))

	start := time.Now()
	out, err := f.orch.Build(ctx, "hello", types.ContextBudget{Working: 500, Graph: 500})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Contains(t, out, "## Recent Conversation", "healthy branches must survive a hung one")
	assert.NotContains(t, out, "## Related Entities")
}

func TestBuildLongTermSection(t *testing.T) {
	f := newOrchestratorFixture(t, listExtractor{})
	ctx := context.Background()

	require.NoError(t, f.index.Insert(ctx, &types.MemoryRecord{
		ID: "r1", Content: "the user works on compilers", Embedding: []float32{1, 0, 0},
		Type: types.TypeFact, Importance: 0.8, CreatedAt: time.Now().UTC(),
	}))

	out, err := f.orch.Build(ctx, "work", types.ContextBudget{LongTerm: 500, TotalTokens: 200})
	require.NoError(t, err)
	assert.Contains(t, out, "## Long-Term Memory\n- the user works on compilers")
}

func TestBuildMetaSection(t *testing.T) {
	f := newOrchestratorFixture(t, listExtractor{})
	ctx := context.Background()

	require.NoError(t, f.index.Insert(ctx, &types.MemoryRecord{
		ID: "hot1", Content: "frequently needed fact", Embedding: []float32{1, 0, 0},
		Type: types.TypeFact, Importance: 0.8, CreatedAt: time.Now().UTC(),
	}))
	f.tracker.Record("hot1", "chat")
	f.tracker.Recompute()

	out, err := f.orch.Build(ctx, "anything", types.ContextBudget{Meta: 500})
	require.NoError(t, err)
	assert.Contains(t, out, "## Frequently Referenced\n- frequently needed fact")
}

func TestBuildEmptyTiersYieldEmptyContext(t *testing.T) {
	f := newOrchestratorFixture(t, listExtractor{})

	out, err := f.orch.Build(context.Background(), "anything", types.ContextBudget{
		Working: 100, Session: 100, Graph: 100, Meta: 100, Temporal: 100,
	})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestTruncateToBudget(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		budget int
	}{
		{"fits", "short", 100},
		{"cut at word", strings.Repeat("word ", 40), 60},
		{"cut unicode", strings.Repeat("héllo wörld ", 20), 45},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := truncateToBudget(tc.text, tc.budget)
			if len(tc.text) <= tc.budget {
				assert.Equal(t, tc.text, got)
				return
			}
			assert.LessOrEqual(t, len(got), tc.budget)
			assert.True(t, strings.HasSuffix(got, TruncationMarker))
			assert.True(t, strings.HasPrefix(tc.text, strings.TrimSuffix(got, TruncationMarker)))
		})
	}
}

func TestTruncateToBudgetTinyBudget(t *testing.T) {
	assert.Empty(t, truncateToBudget("some long text here", len(TruncationMarker)-1))
}
