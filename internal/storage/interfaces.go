// Package storage provides composable storage interfaces for the Engram
// memory engine.
//
// The layer is split into small, focused interfaces (session archive, vector
// index, graph, meta) that a single backend may implement together (the
// SQLite store does) or separately (the Postgres adapter implements only the
// vector index). Tiers receive these as explicit handles at construction;
// there are no package-level store singletons.
package storage

import (
	"context"
	"time"

	"github.com/engramlabs/engram/pkg/types"
)

// SessionStore persists turn-level conversation rows and session summaries.
// Turns are written synchronously per working-memory append (write-ahead
// discipline); summaries are written once at session end and are immutable
// except for the expiry sweep.
type SessionStore interface {
	// AppendTurn durably writes one conversation turn.
	AppendTurn(ctx context.Context, turn *types.SessionTurn) error

	// RecentTurns returns the most recent turns across sessions, newest last.
	RecentTurns(ctx context.Context, limit int) ([]types.SessionTurn, error)

	// SessionTurns returns all turns of one session in chronological order.
	SessionTurns(ctx context.Context, sessionID string) ([]types.SessionTurn, error)

	// TurnsBetween returns turns whose timestamp falls in [from, to),
	// chronological order, capped at limit.
	TurnsBetween(ctx context.Context, from, to time.Time, limit int) ([]types.SessionTurn, error)

	// SaveSummary archives a session summary.
	SaveSummary(ctx context.Context, sum *types.SessionSummary) error

	// RecentSummaries returns the most recent summaries, newest first.
	RecentSummaries(ctx context.Context, limit int) ([]types.SessionSummary, error)

	// CountSummariesWithTopic counts archived summaries tagged with topic.
	// Used to detect repeated themes for the promotion policy.
	CountSummariesWithTopic(ctx context.Context, topic string) (int, error)

	// ExpireBefore removes summaries and turns older than cutoff.
	// Returns the number of rows removed.
	ExpireBefore(ctx context.Context, cutoff time.Time) (int, error)

	// LogInteraction appends one row to the interaction log. Best-effort
	// observability; implementations must not fail the caller's operation.
	LogInteraction(ctx context.Context, op, detail string)
}

// ScoredRecord pairs a record with its similarity to a query embedding.
type ScoredRecord struct {
	Record     types.MemoryRecord
	Similarity float64
}

// VectorIndex stores long-term memory records with their embeddings and
// serves nearest-neighbor search.
type VectorIndex interface {
	// Insert adds a new record. The record must carry a non-empty embedding:
	// a record without one would break the dedup invariant.
	Insert(ctx context.Context, rec *types.MemoryRecord) error

	// Get retrieves a record by ID. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*types.MemoryRecord, error)

	// Search returns the k records nearest to embedding by cosine similarity,
	// best first. typeFilter narrows to one memory type when non-empty.
	Search(ctx context.Context, embedding []float32, k int, typeFilter types.MemoryType) ([]ScoredRecord, error)

	// All returns a read snapshot of every record, for the consolidation
	// sweep. Implementations must not hold a write lock while the caller
	// scores the snapshot.
	All(ctx context.Context) ([]types.MemoryRecord, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// TouchAccess increments access_count and refreshes last_accessed.
	TouchAccess(ctx context.Context, id string) error

	// BumpRepetition increments the repetition counter (duplicate add).
	BumpRepetition(ctx context.Context, id string) error

	// SetImportance overwrites importance after an explicit reassessment.
	SetImportance(ctx context.Context, id string, importance float64) error

	// SetConnectionCount refreshes the graph-derived connection count.
	SetConnectionCount(ctx context.Context, id string, n int) error

	// Delete hard-removes the given records. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error
}

// GraphStore persists the entity/relation graph.
//
// Neighbor lists are returned sorted by weight descending, then by the far
// entity ID ascending. Both traversal implementations depend on this ordering
// to produce identical bounded results.
type GraphStore interface {
	// UpsertEntity inserts the entity unless one with the same NormName
	// exists; either way it returns the canonical entity ID.
	UpsertEntity(ctx context.Context, e *types.Entity) (string, error)

	// GetEntity retrieves one entity by ID. Returns ErrNotFound when absent.
	GetEntity(ctx context.Context, id string) (*types.Entity, error)

	// GetEntityByNormName retrieves one entity by normalized name.
	// Returns ErrNotFound when absent.
	GetEntityByNormName(ctx context.Context, normName string) (*types.Entity, error)

	// GetEntities retrieves entities by ID, skipping unknown IDs.
	GetEntities(ctx context.Context, ids []string) ([]types.Entity, error)

	// EntityCount returns the total number of entities.
	EntityCount(ctx context.Context) (int, error)

	// GetRelation returns the relation between the (unordered) entity pair,
	// or ErrNotFound.
	GetRelation(ctx context.Context, sourceID, targetID string) (*types.Relation, error)

	// PutRelation upserts a relation with its recomputed weight.
	PutRelation(ctx context.Context, rel *types.Relation) error

	// Neighbors returns all relations touching entityID, sorted per the
	// interface contract.
	Neighbors(ctx context.Context, entityID string) ([]types.Relation, error)

	// NeighborsBatch returns the neighbor lists of many entities in one
	// round trip, each list sorted per the interface contract.
	NeighborsBatch(ctx context.Context, entityIDs []string) (map[string][]types.Relation, error)

	// RelationCountFor returns how many relations touch entityID.
	RelationCountFor(ctx context.Context, entityID string) (int, error)
}

// MetaStore persists access patterns across restarts.
type MetaStore interface {
	// SavePatterns upserts the given patterns.
	SavePatterns(ctx context.Context, patterns []types.AccessPattern) error

	// LoadPatterns returns all stored patterns.
	LoadPatterns(ctx context.Context) ([]types.AccessPattern, error)
}
