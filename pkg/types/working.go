package types

import "time"

// WorkingEntry is a single turn held in the working-memory ring buffer.
// Entries are ephemeral: the buffer is rebuilt from the durable session
// archive on restart.
type WorkingEntry struct {
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	EmotionalTag string    `json:"emotional_tag,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// ContextBudget caps each section of an assembled context, in characters.
// TotalTokens additionally bounds the long-term selection by token count.
// A zero section budget means the section is skipped entirely.
type ContextBudget struct {
	Working  int `json:"working" yaml:"working"`
	Session  int `json:"session" yaml:"session"`
	LongTerm int `json:"long_term" yaml:"long_term"`
	Graph    int `json:"graph" yaml:"graph"`
	Meta     int `json:"meta" yaml:"meta"`
	Temporal int `json:"temporal" yaml:"temporal"`

	TotalTokens int `json:"total_tokens" yaml:"total_tokens"`
}

// Sum returns the total character budget across all sections.
func (b ContextBudget) Sum() int {
	return b.Working + b.Session + b.LongTerm + b.Graph + b.Meta + b.Temporal
}
