package types

import "time"

// Entity is a node in the knowledge graph. Entities are deduplicated by
// normalized name (case- and diacritic-insensitive), so NormName is unique
// within the store.
type Entity struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	NormName  string    `json:"norm_name"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Relation is a weighted edge between two entities. Weight is recomputed by
// the graph tier from mention frequency blended against a baseline, never
// incremented blindly.
type Relation struct {
	SourceID     string    `json:"source_id"`
	TargetID     string    `json:"target_id"`
	Weight       float64   `json:"weight"`
	MentionCount int       `json:"mention_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Subgraph is the bounded result of a graph traversal.
type Subgraph struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}
