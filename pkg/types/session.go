package types

import "time"

// SessionTurn is a single turn of conversation, written synchronously to the
// session archive as part of every working-memory append.
type SessionTurn struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionSummary is the condensed form of a finished session, produced by the
// summarization service at session end. Summaries are immutable once archived;
// only the expiry sweep removes them.
type SessionSummary struct {
	SessionID     string    `json:"session_id"`
	Summary       string    `json:"summary"`
	Topics        []string  `json:"topics,omitempty"`
	EmotionalTone string    `json:"emotional_tone,omitempty"`
	Facts         []string  `json:"facts,omitempty"`
	Insights      []string  `json:"insights,omitempty"`
	Importance    float64   `json:"importance"`
	Repetitions   int       `json:"repetitions"`
	CreatedAt     time.Time `json:"created_at"`
}
