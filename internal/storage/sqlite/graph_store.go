package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// UpsertEntity inserts the entity unless one with the same normalized name
// already exists; it returns the canonical entity ID either way.
func (s *Store) UpsertEntity(ctx context.Context, e *types.Entity) (string, error) {
	if e == nil || e.NormName == "" {
		return "", fmt.Errorf("%w: entity norm_name is required", storage.ErrInvalidInput)
	}
	if e.ID == "" {
		return "", fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	// Normalized-name lookup first: dedup is by norm_name, not by ID.
	var existingID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM entities WHERE norm_name = ?`, e.NormName).Scan(&existingID)
	if err == nil {
		return existingID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("sqlite: lookup entity: %w", err)
	}

	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, name, norm_name, type, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(norm_name) DO NOTHING`,
		e.ID, e.Name, e.NormName, e.Type, created)
	if err != nil {
		return "", fmt.Errorf("sqlite: insert entity: %w", err)
	}

	// Re-read to cover the conflict path (a concurrent writer won the race).
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM entities WHERE norm_name = ?`, e.NormName).Scan(&existingID); err != nil {
		return "", fmt.Errorf("sqlite: reread entity: %w", err)
	}
	return existingID, nil
}

// GetEntity retrieves one entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	var e types.Entity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, norm_name, type, created_at FROM entities WHERE id = ?`, id).
		Scan(&e.ID, &e.Name, &e.NormName, &e.Type, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get entity: %w", err)
	}
	return &e, nil
}

// GetEntityByNormName retrieves one entity by normalized name.
func (s *Store) GetEntityByNormName(ctx context.Context, normName string) (*types.Entity, error) {
	if normName == "" {
		return nil, fmt.Errorf("%w: norm_name is required", storage.ErrInvalidInput)
	}

	var e types.Entity
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, norm_name, type, created_at FROM entities WHERE norm_name = ?`, normName).
		Scan(&e.ID, &e.Name, &e.NormName, &e.Type, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get entity by norm_name: %w", err)
	}
	return &e, nil
}

// GetEntities retrieves entities by ID, skipping unknown IDs.
func (s *Store) GetEntities(ctx context.Context, ids []string) ([]types.Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, name, norm_name, type, created_at FROM entities WHERE id IN (%s)`,
			buildInClause(len(ids))), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get entities: %w", err)
	}
	defer rows.Close()

	var entities []types.Entity
	for rows.Next() {
		var e types.Entity
		if err := rows.Scan(&e.ID, &e.Name, &e.NormName, &e.Type, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// EntityCount returns the total number of entities.
func (s *Store) EntityCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: entity count: %w", err)
	}
	return n, nil
}

// GetRelation returns the relation between the entity pair. The pair is
// stored in canonical (sorted) order, so lookups normalize first.
func (s *Store) GetRelation(ctx context.Context, sourceID, targetID string) (*types.Relation, error) {
	a, b := orderPair(sourceID, targetID)

	var rel types.Relation
	err := s.db.QueryRowContext(ctx, `
		SELECT source_id, target_id, weight, mention_count, updated_at
		FROM relations WHERE source_id = ? AND target_id = ?`, a, b).
		Scan(&rel.SourceID, &rel.TargetID, &rel.Weight, &rel.MentionCount, &rel.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get relation: %w", err)
	}
	return &rel, nil
}

// PutRelation upserts a relation with its recomputed weight.
func (s *Store) PutRelation(ctx context.Context, rel *types.Relation) error {
	if rel == nil || rel.SourceID == "" || rel.TargetID == "" {
		return fmt.Errorf("%w: relation endpoints are required", storage.ErrInvalidInput)
	}

	a, b := orderPair(rel.SourceID, rel.TargetID)
	updated := rel.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relations (source_id, target_id, weight, mention_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, target_id) DO UPDATE SET
			weight = excluded.weight,
			mention_count = excluded.mention_count,
			updated_at = excluded.updated_at`,
		a, b, rel.Weight, rel.MentionCount, updated)
	if err != nil {
		return fmt.Errorf("sqlite: put relation: %w", err)
	}
	return nil
}

// Neighbors returns all relations touching entityID, sorted by weight
// descending then far-entity ID ascending, per the GraphStore contract.
func (s *Store) Neighbors(ctx context.Context, entityID string) ([]types.Relation, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, target_id, weight, mention_count, updated_at
		FROM relations WHERE source_id = ? OR target_id = ?`, entityID, entityID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: neighbors: %w", err)
	}
	defer rows.Close()

	rels, err := scanRelations(rows)
	if err != nil {
		return nil, err
	}
	sortNeighborList(rels, entityID)
	return rels, nil
}

// NeighborsBatch returns the neighbor lists of many entities in one round
// trip. Each list carries the same ordering as Neighbors.
func (s *Store) NeighborsBatch(ctx context.Context, entityIDs []string) (map[string][]types.Relation, error) {
	result := make(map[string][]types.Relation, len(entityIDs))
	if len(entityIDs) == 0 {
		return result, nil
	}

	args := make([]interface{}, 0, len(entityIDs)*2)
	for _, id := range entityIDs {
		args = append(args, id)
	}
	in := buildInClause(len(entityIDs))
	args = append(args, args...)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT source_id, target_id, weight, mention_count, updated_at
		FROM relations WHERE source_id IN (%s) OR target_id IN (%s)`, in, in), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: neighbors batch: %w", err)
	}
	defer rows.Close()

	rels, err := scanRelations(rows)
	if err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(entityIDs))
	for _, id := range entityIDs {
		wanted[id] = true
	}
	for _, rel := range rels {
		if wanted[rel.SourceID] {
			result[rel.SourceID] = append(result[rel.SourceID], rel)
		}
		if wanted[rel.TargetID] {
			result[rel.TargetID] = append(result[rel.TargetID], rel)
		}
	}
	for id := range result {
		sortNeighborList(result[id], id)
	}
	return result, nil
}

// RelationCountFor returns how many relations touch entityID.
func (s *Store) RelationCountFor(ctx context.Context, entityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM relations WHERE source_id = ? OR target_id = ?`,
		entityID, entityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: relation count: %w", err)
	}
	return n, nil
}

func scanRelations(rows *sql.Rows) ([]types.Relation, error) {
	var rels []types.Relation
	for rows.Next() {
		var rel types.Relation
		if err := rows.Scan(&rel.SourceID, &rel.TargetID, &rel.Weight, &rel.MentionCount, &rel.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan relation: %w", err)
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// sortNeighborList orders relations by weight descending, then by the
// far-entity ID ascending. Traversal determinism depends on this.
func sortNeighborList(rels []types.Relation, selfID string) {
	far := func(r types.Relation) string {
		if r.SourceID == selfID {
			return r.TargetID
		}
		return r.SourceID
	}
	sort.Slice(rels, func(i, j int) bool {
		if rels[i].Weight != rels[j].Weight {
			return rels[i].Weight > rels[j].Weight
		}
		return far(rels[i]) < far(rels[j])
	})
}

// orderPair returns the pair in canonical storage order.
func orderPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}
