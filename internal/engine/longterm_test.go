package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

func TestAddStoresNewRecord(t *testing.T) {
	index := newFakeIndex()
	lt, _ := newTestLongTerm(index, &fakeSessions{}, &fakeEmbedder{})
	ctx := context.Background()

	id, err := lt.Add(ctx, "the user prefers dark roast coffee", types.TypePreference, 0.7)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec, err := index.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TypePreference, rec.Type)
	assert.Equal(t, 0.7, rec.Importance)
	assert.Equal(t, 1, rec.Repetitions)
}

func TestAddRejectsInvalidInput(t *testing.T) {
	lt, _ := newTestLongTerm(newFakeIndex(), &fakeSessions{}, &fakeEmbedder{})
	ctx := context.Background()

	_, err := lt.Add(ctx, "  ", types.TypeFact, 0.5)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = lt.Add(ctx, "content", "opinion", 0.5)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestAddDeduplicatesNearIdentical(t *testing.T) {
	index := newFakeIndex()
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"I like Go":      {1, 0, 0},
		"I really li Go": {0.99, 0.05, 0}, // cosine ~0.999
	}}
	lt, _ := newTestLongTerm(index, &fakeSessions{}, embedder)
	ctx := context.Background()

	first, err := lt.Add(ctx, "I like Go", types.TypePreference, 0.5)
	require.NoError(t, err)

	second, err := lt.Add(ctx, "I really li Go", types.TypePreference, 0.5)
	require.NoError(t, err)
	assert.Equal(t, first, second, "near-duplicate must collapse onto the existing record")

	rec, err := index.Get(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Repetitions)
	assert.Equal(t, 1, rec.AccessCount, "dedup counts as one access")

	n, _ := index.Count(ctx)
	assert.Equal(t, 1, n)
}

func TestAddKeepsDistinctContent(t *testing.T) {
	index := newFakeIndex()
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"I like Go":     {1, 0, 0},
		"cats are nice": {0, 1, 0},
	}}
	lt, _ := newTestLongTerm(index, &fakeSessions{}, embedder)
	ctx := context.Background()

	a, err := lt.Add(ctx, "I like Go", types.TypePreference, 0.5)
	require.NoError(t, err)
	b, err := lt.Add(ctx, "cats are nice", types.TypePreference, 0.5)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	n, _ := index.Count(ctx)
	assert.Equal(t, 2, n)
}

func TestQueryRanksAndTouches(t *testing.T) {
	index := newFakeIndex()
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"go generics":  {1, 0, 0},
		"cat behavior": {0, 1, 0},
		"about go":     {0.95, 0.05, 0},
	}}
	lt, _ := newTestLongTerm(index, &fakeSessions{}, embedder)
	ctx := context.Background()

	goID, err := lt.Add(ctx, "go generics", types.TypeFact, 0.8)
	require.NoError(t, err)
	_, err = lt.Add(ctx, "cat behavior", types.TypeFact, 0.8)
	require.NoError(t, err)

	got, err := lt.Query(ctx, "about go", 1, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, goID, got[0].Record.ID)

	rec, err := index.Get(ctx, goID)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AccessCount)
}

func TestQuerySkipsDecayedBelowFloor(t *testing.T) {
	index := newFakeIndex()
	lt, _ := newTestLongTerm(index, &fakeSessions{}, &fakeEmbedder{})
	ctx := context.Background()

	// Importance so low that the decayed score sits under DeleteThreshold.
	require.NoError(t, index.Insert(ctx, &types.MemoryRecord{
		ID:         "dead",
		Content:    "forgettable aside",
		Embedding:  []float32{1, 0, 0},
		Type:       types.TypeConversation,
		Importance: 0.04,
		CreatedAt:  time.Now().UTC(),
	}))

	got, err := lt.Query(ctx, "anything", 5, QueryOptions{})
	require.NoError(t, err)
	assert.Empty(t, got, "logically dead records must never surface")
}

func TestQueryHotBonusBreaksTie(t *testing.T) {
	index := newFakeIndex()
	lt, tracker := newTestLongTerm(index, &fakeSessions{}, &fakeEmbedder{})
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"cold", "warm"} {
		require.NoError(t, index.Insert(ctx, &types.MemoryRecord{
			ID: id, Content: id, Embedding: []float32{1, 0, 0},
			Type: types.TypeFact, Importance: 0.8, CreatedAt: now,
		}))
	}
	tracker.Record("warm", "chat")
	tracker.Recompute()

	got, err := lt.Query(ctx, "anything", 1, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "warm", got[0].Record.ID)
}

func TestQueryZeroK(t *testing.T) {
	lt, _ := newTestLongTerm(newFakeIndex(), &fakeSessions{}, &fakeEmbedder{})
	got, err := lt.Query(context.Background(), "anything", 0, QueryOptions{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPromoteThresholds(t *testing.T) {
	cases := []struct {
		name       string
		importance float64
		reps       int
		want       bool
	}{
		{"high importance", 0.60, 1, true},
		{"low importance single", 0.40, 1, false},
		{"low importance repeated", 0.40, 2, true},
		{"floor repeated", 0.30, 3, true},
		{"below floor repeated", 0.29, 3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			index := newFakeIndex()
			lt, _ := newTestLongTerm(index, &fakeSessions{}, &fakeEmbedder{})

			id, err := lt.Promote(context.Background(), &types.SessionSummary{
				SessionID:   "s1",
				Summary:     "the user is preparing a conference talk",
				Importance:  tc.importance,
				Repetitions: tc.reps,
			})
			require.NoError(t, err)
			if tc.want {
				assert.NotEmpty(t, id)
			} else {
				assert.Empty(t, id)
				n, _ := index.Count(context.Background())
				assert.Zero(t, n)
			}
		})
	}
}

func TestPromoteCountsTopicRepetitionAcrossSessions(t *testing.T) {
	sessions := &fakeSessions{}
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, sessions.SaveSummary(ctx, &types.SessionSummary{
			SessionID: "old", Summary: "talked about the move", Topics: []string{"relocation"},
		}))
	}

	index := newFakeIndex()
	lt, _ := newTestLongTerm(index, sessions, &fakeEmbedder{})

	// Importance alone is too low, but the topic has recurred.
	id, err := lt.Promote(ctx, &types.SessionSummary{
		SessionID:   "s1",
		Summary:     "planning the relocation to Berlin",
		Topics:      []string{"relocation"},
		Importance:  0.35,
		Repetitions: 1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestConsolidateDeletesDeadKeepsRepeated(t *testing.T) {
	index := newFakeIndex()
	lt, _ := newTestLongTerm(index, &fakeSessions{}, &fakeEmbedder{})
	ctx := context.Background()
	now := time.Now().UTC()

	insert := func(id string, importance float64, reps int, emb []float32) {
		require.NoError(t, index.Insert(ctx, &types.MemoryRecord{
			ID: id, Content: id, Embedding: emb, Type: types.TypeConversation,
			Importance: importance, CreatedAt: now, Repetitions: reps,
		}))
	}
	insert("dead", 0.04, 1, []float32{0, 0, 1})
	insert("protected", 0.04, 3, []float32{0, 1, 0})
	insert("alive", 0.9, 1, []float32{1, 0, 0})

	stats, err := lt.Consolidate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deleted)
	assert.Zero(t, stats.Merged)

	_, err = index.Get(ctx, "dead")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = index.Get(ctx, "protected")
	assert.NoError(t, err, "repetitions at the preserve threshold exempt a record")
	_, err = index.Get(ctx, "alive")
	assert.NoError(t, err)
}

func TestConsolidateMergesDuplicates(t *testing.T) {
	index := newFakeIndex()
	lt, _ := newTestLongTerm(index, &fakeSessions{}, &fakeEmbedder{})
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, index.Insert(ctx, &types.MemoryRecord{
		ID: "keeper", Content: "likes go", Embedding: []float32{1, 0, 0},
		Type: types.TypeFact, Importance: 0.8, CreatedAt: now, Repetitions: 1,
	}))
	require.NoError(t, index.Insert(ctx, &types.MemoryRecord{
		ID: "dupe", Content: "really likes go", Embedding: []float32{0.99, 0.05, 0},
		Type: types.TypeFact, Importance: 0.5, CreatedAt: now, Repetitions: 2,
	}))

	stats, err := lt.Consolidate(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Merged)
	assert.Zero(t, stats.Deleted)

	_, err = index.Get(ctx, "dupe")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	keeper, err := index.Get(ctx, "keeper")
	require.NoError(t, err)
	assert.Equal(t, 3, keeper.Repetitions, "absorbed repetitions accumulate on the keeper")
}

func TestConsolidateReassessesStaleAccessed(t *testing.T) {
	index := newFakeIndex()
	lt, _ := newTestLongTerm(index, &fakeSessions{}, &fakeEmbedder{})
	ctx := context.Background()

	require.NoError(t, index.Insert(ctx, &types.MemoryRecord{
		ID: "stale", Content: "old but used", Embedding: []float32{1, 0, 0},
		Type: types.TypeFact, Importance: 0.9,
		CreatedAt:   time.Now().UTC().Add(-1000 * time.Hour),
		AccessCount: 10,
	}))

	stats, err := lt.Consolidate(ctx, fixedScorer{importance: 0.42})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reassessed)

	rec, err := index.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, 0.42, rec.Importance)
}
