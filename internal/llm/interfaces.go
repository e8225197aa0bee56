// Package llm abstracts the language-model services the memory engine
// depends on: embeddings, session summarization, importance scoring and
// entity extraction. Every consumer takes these interfaces, never a concrete
// client, so tests can substitute deterministic fakes and the engine can
// degrade gracefully when a backend is down.
package llm

import (
	"context"

	"github.com/engramlabs/engram/pkg/types"
)

// Embedder produces a dense vector for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Completer produces a free-text completion for a prompt. It is the raw
// primitive the summarizer and extractor are built on.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Summarizer condenses a finished session into a durable summary and scores
// standalone content for long-term importance.
type Summarizer interface {
	// Summarize produces a summary of the given turns.
	Summarize(ctx context.Context, turns []types.SessionTurn) (*types.SessionSummary, error)

	// ScoreImportance rates content in [0,1] for long-term retention.
	ScoreImportance(ctx context.Context, content string) (float64, error)
}

// CandidateEntity is an entity mention found in text, before graph dedup.
type CandidateEntity struct {
	Name string
	Type string
}

// EntityExtractor finds entity mentions in conversational text.
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, text string) ([]CandidateEntity, error)
}
