package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/engramlabs/engram/pkg/types"
)

const summarizePrompt = `Summarize the following conversation for long-term memory.
Respond with ONLY a JSON object, no prose, with these fields:
{
  "summary": "2-3 sentence summary",
  "topics": ["topic", ...],
  "emotional_tone": "one word",
  "facts": ["standalone fact", ...],
  "insights": ["insight about the user", ...],
  "importance": 0.0
}
importance is a float in [0,1] rating how much of this session is worth keeping.

Conversation:
%s`

const scorePrompt = `Rate the long-term importance of remembering the following content
for a personal assistant, as a single float in [0,1]. Respond with ONLY the number.

Content:
%s`

// ModelSummarizer implements Summarizer on top of a Completer. Responses are
// parsed leniently: models wrap JSON in code fences or prefix it with prose
// more often than not.
type ModelSummarizer struct {
	completer Completer
}

var _ Summarizer = (*ModelSummarizer)(nil)

// NewModelSummarizer creates a summarizer backed by the given completer.
func NewModelSummarizer(completer Completer) *ModelSummarizer {
	return &ModelSummarizer{completer: completer}
}

type summaryPayload struct {
	Summary       string   `json:"summary"`
	Topics        []string `json:"topics"`
	EmotionalTone string   `json:"emotional_tone"`
	Facts         []string `json:"facts"`
	Insights      []string `json:"insights"`
	Importance    float64  `json:"importance"`
}

// Summarize condenses the turns into a durable summary.
func (s *ModelSummarizer) Summarize(ctx context.Context, turns []types.SessionTurn) (*types.SessionSummary, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("summarizer: no turns to summarize")
	}

	var transcript strings.Builder
	for _, t := range turns {
		transcript.WriteString(t.Role)
		transcript.WriteString(": ")
		transcript.WriteString(t.Content)
		transcript.WriteString("\n")
	}

	raw, err := s.completer.Complete(ctx, fmt.Sprintf(summarizePrompt, transcript.String()))
	if err != nil {
		return nil, fmt.Errorf("summarizer: %w", err)
	}

	var payload summaryPayload
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &payload); err != nil {
		return nil, fmt.Errorf("summarizer: parse response: %w", err)
	}
	if payload.Summary == "" {
		return nil, fmt.Errorf("summarizer: model returned empty summary")
	}

	return &types.SessionSummary{
		SessionID:     turns[0].SessionID,
		Summary:       payload.Summary,
		Topics:        payload.Topics,
		EmotionalTone: payload.EmotionalTone,
		Facts:         payload.Facts,
		Insights:      payload.Insights,
		Importance:    clamp01(payload.Importance),
		Repetitions:   1,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// ScoreImportance rates content in [0,1] for long-term retention.
func (s *ModelSummarizer) ScoreImportance(ctx context.Context, content string) (float64, error) {
	raw, err := s.completer.Complete(ctx, fmt.Sprintf(scorePrompt, content))
	if err != nil {
		return 0, fmt.Errorf("summarizer: score importance: %w", err)
	}

	score, err := strconv.ParseFloat(firstNumericToken(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("summarizer: parse score %q: %w", raw, err)
	}
	return clamp01(score), nil
}

// extractJSONObject returns the first top-level {...} span of the input, so
// code fences and leading prose do not break parsing.
func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}

// firstNumericToken returns the first token of raw that looks like a number.
func firstNumericToken(raw string) string {
	for _, field := range strings.Fields(raw) {
		trimmed := strings.Trim(field, "`\"',;:")
		if _, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return trimmed
		}
	}
	return strings.TrimSpace(raw)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
