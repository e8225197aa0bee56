package types

import "time"

// MemoryType classifies a long-term memory record. The Decay Engine uses the
// type to select a decay multiplier: facts decay slowest, conversational
// snippets fastest.
type MemoryType string

const (
	TypeFact         MemoryType = "fact"
	TypePreference   MemoryType = "preference"
	TypeInsight      MemoryType = "insight"
	TypeConversation MemoryType = "conversation"
)

// ValidMemoryType reports whether t is one of the known memory types.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case TypeFact, TypePreference, TypeInsight, TypeConversation:
		return true
	}
	return false
}

// MemoryRecord is a single unit of long-term memory stored in the vector
// index. Importance is assigned at creation and only ever decays; it is never
// raised except through an explicit re-promotion.
//
// ConnectionCount is a weak reference into the knowledge graph: it is derived
// from graph state at write time and deleting the referenced entities does not
// cascade here, it only changes the score on the next decay evaluation.
type MemoryRecord struct {
	ID              string     `json:"id"`
	Content         string     `json:"content"`
	Embedding       []float32  `json:"embedding,omitempty"`
	Type            MemoryType `json:"type"`
	Importance      float64    `json:"importance"`
	CreatedAt       time.Time  `json:"created_at"`
	LastAccessed    time.Time  `json:"last_accessed"`
	AccessCount     int        `json:"access_count"`
	ConnectionCount int        `json:"connection_count"`
	Repetitions     int        `json:"repetitions"`

	// Topic groups records for the budget selector's diversity constraint.
	Topic string `json:"topic,omitempty"`

	// Extra carries forward-compatible metadata. Unknown keys written by a
	// newer schema are preserved here instead of being treated as fatal.
	Extra map[string]string `json:"extra,omitempty"`
}
