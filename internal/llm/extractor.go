package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"unicode"
)

const extractPrompt = `Extract the named entities from the following text.
Respond with ONLY a JSON array, no prose:
[{"name": "entity name", "type": "person|place|organization|concept|other"}, ...]
Return [] if there are none.

Text:
%s`

// ModelExtractor implements EntityExtractor on top of a Completer, falling
// back to a heuristic scan when the model is unavailable so graph updates
// never stall a session write.
type ModelExtractor struct {
	completer Completer
	fallback  HeuristicExtractor
}

var _ EntityExtractor = (*ModelExtractor)(nil)

// NewModelExtractor creates an extractor backed by the given completer.
func NewModelExtractor(completer Completer) *ModelExtractor {
	return &ModelExtractor{completer: completer}
}

// ExtractEntities finds entity mentions in text.
func (e *ModelExtractor) ExtractEntities(ctx context.Context, text string) ([]CandidateEntity, error) {
	raw, err := e.completer.Complete(ctx, fmt.Sprintf(extractPrompt, text))
	if err != nil {
		log.Printf("llm: entity extraction degraded to heuristic: %v", err)
		return e.fallback.ExtractEntities(ctx, text)
	}

	var payload []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &payload); err != nil {
		log.Printf("llm: entity extraction parse failed, degraded to heuristic: %v", err)
		return e.fallback.ExtractEntities(ctx, text)
	}

	entities := make([]CandidateEntity, 0, len(payload))
	for _, p := range payload {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		typ := p.Type
		if typ == "" {
			typ = "other"
		}
		entities = append(entities, CandidateEntity{Name: name, Type: typ})
	}
	return entities, nil
}

func extractJSONArray(raw string) string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}

// HeuristicExtractor finds capitalized word spans. Crude, but it keeps the
// knowledge graph growing when no model backend is reachable.
type HeuristicExtractor struct{}

var _ EntityExtractor = HeuristicExtractor{}

// stopwords that commonly start a sentence capitalized without naming
// anything.
var heuristicStopwords = map[string]bool{
	"The": true, "A": true, "An": true, "I": true, "It": true,
	"This": true, "That": true, "What": true, "When": true, "Where": true,
	"Why": true, "How": true, "Yes": true, "No": true, "But": true,
	"And": true, "Or": true, "If": true, "So": true, "My": true,
	"You": true, "We": true, "They": true, "He": true, "She": true,
}

// ExtractEntities scans for runs of capitalized words.
func (HeuristicExtractor) ExtractEntities(_ context.Context, text string) ([]CandidateEntity, error) {
	var entities []CandidateEntity
	seen := make(map[string]bool)

	var span []string
	flush := func() {
		if len(span) == 0 {
			return
		}
		// Drop a leading stopword; one-word stopword spans vanish entirely.
		if heuristicStopwords[span[0]] {
			span = span[1:]
		}
		if len(span) > 0 {
			name := strings.Join(span, " ")
			if !seen[name] {
				seen[name] = true
				entities = append(entities, CandidateEntity{Name: name, Type: "other"})
			}
		}
		span = nil
	}

	for _, field := range strings.Fields(text) {
		word := strings.TrimFunc(field, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if word == "" {
			flush()
			continue
		}
		first := []rune(word)[0]
		if unicode.IsUpper(first) {
			span = append(span, word)
			// Trailing punctuation on the original token ends the span.
			if strings.IndexFunc(field, unicode.IsPunct) >= 0 && !strings.EqualFold(field, word) {
				flush()
			}
			continue
		}
		flush()
	}
	flush()

	return entities, nil
}
