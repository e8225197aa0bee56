package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModelExtractorParsesArray(t *testing.T) {
	completer := &fakeCompleter{
		response: `Entities found: [{"name":" Alice ","type":"person"},{"name":"","type":"place"},{"name":"Go","type":""}]`,
	}
	e := NewModelExtractor(completer)

	entities, err := e.ExtractEntities(context.Background(), "Alice writes Go")
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.Equal(t, CandidateEntity{Name: "Alice", Type: "person"}, entities[0])
	assert.Equal(t, CandidateEntity{Name: "Go", Type: "other"}, entities[1])
}

func TestModelExtractorFallsBackOnError(t *testing.T) {
	e := NewModelExtractor(&fakeCompleter{err: errors.New("backend down")})

	entities, err := e.ExtractEntities(context.Background(), "Alice went home")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Alice", entities[0].Name)
}

func TestModelExtractorFallsBackOnGarbage(t *testing.T) {
	e := NewModelExtractor(&fakeCompleter{response: "I could not find any entities, sorry!"})

	entities, err := e.ExtractEntities(context.Background(), "Alice went home")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Alice", entities[0].Name)
}

func TestExtractJSONArray(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `[{"name":"x"}]`, `[{"name":"x"}]`},
		{"prose prefix", `Sure: [{"name":"x"}] done`, `[{"name":"x"}]`},
		{"empty array", "the answer is []", "[]"},
		{"no array", "nothing", "nothing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractJSONArray(tc.in); got != tc.want {
				t.Fatalf("extractJSONArray(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestHeuristicExtractorSpans(t *testing.T) {
	entities, err := HeuristicExtractor{}.ExtractEntities(context.Background(),
		"I met Alice Smith in New York. The weather was nice.")
	require.NoError(t, err)

	names := make([]string, 0, len(entities))
	for _, e := range entities {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"Alice Smith", "New York"}, names)
}

func TestHeuristicExtractorDedup(t *testing.T) {
	entities, err := HeuristicExtractor{}.ExtractEntities(context.Background(),
		"Alice asked and Alice answered")
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, "Alice", entities[0].Name)
}

func TestHeuristicExtractorStopwordsOnly(t *testing.T) {
	entities, err := HeuristicExtractor{}.ExtractEntities(context.Background(),
		"The weather is bad. This happens. What now")
	require.NoError(t, err)
	assert.Empty(t, entities)
}

func TestHeuristicExtractorEmptyText(t *testing.T) {
	entities, err := HeuristicExtractor{}.ExtractEntities(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entities)
}
