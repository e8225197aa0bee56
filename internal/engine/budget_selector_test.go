package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/types"
)

// selectorFixture seeds the index with records of equal freshness whose rank
// is controlled by embedding similarity to the default query vector.
func selectorFixture(t *testing.T, records []types.MemoryRecord) *BudgetSelector {
	t.Helper()
	index := newFakeIndex()
	now := time.Now().UTC()
	for i := range records {
		rec := records[i]
		if rec.Importance == 0 {
			rec.Importance = 0.8
		}
		rec.CreatedAt = now
		require.NoError(t, index.Insert(context.Background(), &rec))
	}
	lt, _ := newTestLongTerm(index, &fakeSessions{}, &fakeEmbedder{})
	return NewBudgetSelector(lt, newHeuristicCounter())
}

// rankedEmbedding yields vectors of decreasing similarity to {1,0,0}.
func rankedEmbedding(rank int) []float32 {
	return []float32{1, float32(rank) * 0.1, 0}
}

func TestSelectHonorsTokenBudget(t *testing.T) {
	// 40-char contents cost 10 tokens under the chars/4 heuristic.
	content := strings.Repeat("x", 40)
	var records []types.MemoryRecord
	for i := 0; i < 3; i++ {
		records = append(records, types.MemoryRecord{
			ID: entityID(i), Content: content, Embedding: rankedEmbedding(i), Type: types.TypeFact,
		})
	}
	sel := selectorFixture(t, records)

	got, err := sel.Select(context.Background(), "query", 25, nil, nil)
	require.NoError(t, err)
	assert.Len(t, got.Records, 2)
	assert.Equal(t, 20, got.TokensUsed)
	assert.LessOrEqual(t, got.TokensUsed, 25)
}

func TestSelectZeroBudget(t *testing.T) {
	sel := selectorFixture(t, []types.MemoryRecord{
		{ID: "a", Content: "something", Embedding: rankedEmbedding(0), Type: types.TypeFact},
	})
	got, err := sel.Select(context.Background(), "query", 0, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got.Records)
}

func TestSelectTopicDiversity(t *testing.T) {
	content := strings.Repeat("x", 40) // 10 tokens each
	var records []types.MemoryRecord
	for i := 0; i < 4; i++ {
		records = append(records, types.MemoryRecord{
			ID: entityID(i), Content: content, Embedding: rankedEmbedding(i),
			Type: types.TypeFact, Topic: "go",
		})
	}
	// Ranked last, different topic.
	records = append(records, types.MemoryRecord{
		ID: "cats", Content: content, Embedding: rankedEmbedding(9),
		Type: types.TypeFact, Topic: "cats",
	})
	sel := selectorFixture(t, records)

	got, err := sel.Select(context.Background(), "query", 40, nil, nil)
	require.NoError(t, err)
	require.Len(t, got.Records, 4)

	ids := make([]string, len(got.Records))
	for i, r := range got.Records {
		ids[i] = r.ID
	}
	// Two best "go" records, the diverse "cats" record, then one deferred
	// "go" record readmitted into the remaining budget.
	assert.Contains(t, ids, "cats", "an over-represented topic must not crowd out diversity")
	assert.Equal(t, "cats", ids[2])
}

func TestSelectExcludesGivenIDs(t *testing.T) {
	content := strings.Repeat("x", 40)
	sel := selectorFixture(t, []types.MemoryRecord{
		{ID: "a", Content: content, Embedding: rankedEmbedding(0), Type: types.TypeFact},
		{ID: "b", Content: content, Embedding: rankedEmbedding(1), Type: types.TypeFact},
	})

	got, err := sel.Select(context.Background(), "query", 100, map[string]bool{"a": true}, nil)
	require.NoError(t, err)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "b", got.Records[0].ID)
}

func TestSelectTemporalWindow(t *testing.T) {
	index := newFakeIndex()
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(id string, created time.Time) {
		require.NoError(t, index.Insert(ctx, &types.MemoryRecord{
			ID: id, Content: strings.Repeat("x", 40), Embedding: []float32{1, 0, 0},
			Type: types.TypeFact, Importance: 0.8, CreatedAt: created,
		}))
	}
	insert("inside", now.Add(-36*time.Hour))
	insert("outside", now.Add(-10*24*time.Hour))

	lt, _ := newTestLongTerm(index, &fakeSessions{}, &fakeEmbedder{})
	sel := NewBudgetSelector(lt, newHeuristicCounter())

	filter := &TemporalFilter{From: now.Add(-48 * time.Hour), To: now.Add(-24 * time.Hour)}
	got, err := sel.Select(ctx, "query", 100, nil, filter)
	require.NoError(t, err)
	require.Len(t, got.Records, 1)
	assert.Equal(t, "inside", got.Records[0].ID)
}

func TestSmartEvictionDropsLowestValueFirst(t *testing.T) {
	sel := selectorFixture(t, nil)
	content := strings.Repeat("x", 40) // 10 tokens

	selection := &Selection{
		Records: []types.MemoryRecord{
			{ID: "precious", Content: content, Importance: 0.9, AccessCount: 10},
			{ID: "middling", Content: content, Importance: 0.5, AccessCount: 2},
			{ID: "cheap", Content: content, Importance: 0.1, AccessCount: 0},
		},
		TokensUsed: 30,
	}

	evicted := sel.SmartEviction(selection, 15)
	assert.Equal(t, []string{"cheap", "middling"}, evicted)
}

func TestSmartEvictionNoExcess(t *testing.T) {
	sel := selectorFixture(t, nil)
	assert.Nil(t, sel.SmartEviction(&Selection{}, 0))
	assert.Nil(t, sel.SmartEviction(nil, 10))
}
