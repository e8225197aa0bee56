package engine

import (
	"context"
	"fmt"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// TraversalBounds caps a traversal's result size. Zero fields fall back to
// the configured defaults.
type TraversalBounds struct {
	MaxDepth     int
	MaxEntities  int
	MaxPerHop    int
	MaxRelations int
}

func (g *KnowledgeGraph) bounds(b TraversalBounds) TraversalBounds {
	if b.MaxDepth <= 0 {
		b.MaxDepth = g.cfg.MaxDepth
	}
	if b.MaxEntities <= 0 {
		b.MaxEntities = g.cfg.MaxEntities
	}
	if b.MaxPerHop <= 0 {
		b.MaxPerHop = g.cfg.MaxPerHop
	}
	if b.MaxRelations <= 0 {
		b.MaxRelations = g.cfg.MaxRelations
	}
	return b
}

// Traverse explores breadth-first from the seed set, bounded by depth,
// per-hop admissions, total entities and total relations.
//
// Two implementations exist: a reference walk that loads neighbor lists one
// entity at a time, and a bulk walk that fetches each frontier's neighbor
// lists in a single round trip. The bulk path engages automatically on large
// graphs and changes performance only; both walks visit entities in exactly
// the same order because the store sorts every neighbor list by weight then
// far-entity ID.
func (g *KnowledgeGraph) Traverse(ctx context.Context, seeds []string, bounds TraversalBounds) (*types.Subgraph, error) {
	b := g.bounds(bounds)

	total, err := g.store.EntityCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: entity count: %w", err)
	}
	if total > g.cfg.AccelThreshold {
		return g.traverseBulk(ctx, seeds, b)
	}
	return g.traverseNaive(ctx, seeds, b)
}

// walkState carries the shared BFS bookkeeping of both traversal paths.
type walkState struct {
	bounds    TraversalBounds
	visited   map[string]bool
	order     []string
	relSeen   map[[2]string]bool
	relations []types.Relation
}

func newWalkState(seeds []string, b TraversalBounds) *walkState {
	s := &walkState{
		bounds:  b,
		visited: make(map[string]bool),
		relSeen: make(map[[2]string]bool),
	}
	for _, id := range seeds {
		if id == "" || s.visited[id] {
			continue
		}
		if len(s.order) >= b.MaxEntities {
			break
		}
		s.visited[id] = true
		s.order = append(s.order, id)
	}
	return s
}

// expand processes one frontier entity's neighbor list and returns the newly
// admitted entities. The list must already carry the store's ordering.
func (s *walkState) expand(selfID string, rels []types.Relation, admittedThisHop *int) []string {
	var admitted []string
	for _, rel := range rels {
		far := rel.TargetID
		if far == selfID {
			far = rel.SourceID
		}

		if !s.visited[far] {
			if *admittedThisHop >= s.bounds.MaxPerHop || len(s.order) >= s.bounds.MaxEntities {
				continue
			}
			s.visited[far] = true
			s.order = append(s.order, far)
			admitted = append(admitted, far)
			*admittedThisHop++
		}

		key := [2]string{rel.SourceID, rel.TargetID}
		if key[0] > key[1] {
			key[0], key[1] = key[1], key[0]
		}
		if !s.relSeen[key] && len(s.relations) < s.bounds.MaxRelations {
			s.relSeen[key] = true
			s.relations = append(s.relations, rel)
		}
	}
	return admitted
}

func (g *KnowledgeGraph) traverseNaive(ctx context.Context, seeds []string, b TraversalBounds) (*types.Subgraph, error) {
	state := newWalkState(seeds, b)
	frontier := append([]string(nil), state.order...)

	for depth := 0; depth < b.MaxDepth && len(frontier) > 0; depth++ {
		admittedThisHop := 0
		var next []string
		for _, id := range frontier {
			rels, err := g.store.Neighbors(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("graph: neighbors of %s: %w", id, err)
			}
			next = append(next, state.expand(id, rels, &admittedThisHop)...)
		}
		frontier = next
	}

	return g.assemble(ctx, state)
}

func (g *KnowledgeGraph) traverseBulk(ctx context.Context, seeds []string, b TraversalBounds) (*types.Subgraph, error) {
	state := newWalkState(seeds, b)
	frontier := append([]string(nil), state.order...)

	for depth := 0; depth < b.MaxDepth && len(frontier) > 0; depth++ {
		batch, err := g.store.NeighborsBatch(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("graph: neighbors batch: %w", err)
		}

		admittedThisHop := 0
		var next []string
		for _, id := range frontier {
			next = append(next, state.expand(id, batch[id], &admittedThisHop)...)
		}
		frontier = next
	}

	return g.assemble(ctx, state)
}

// assemble resolves the visited IDs to entities, preserving visit order.
func (g *KnowledgeGraph) assemble(ctx context.Context, state *walkState) (*types.Subgraph, error) {
	entities, err := g.store.GetEntities(ctx, state.order)
	if err != nil {
		return nil, fmt.Errorf("graph: resolve entities: %w", err)
	}

	byID := make(map[string]types.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}
	ordered := make([]types.Entity, 0, len(entities))
	for _, id := range state.order {
		if e, ok := byID[id]; ok {
			ordered = append(ordered, e)
		}
	}

	return &types.Subgraph{Entities: ordered, Relations: state.relations}, nil
}

// FindPath returns the shortest path from source to target by hop count, as
// an entity ID sequence including both endpoints. A disconnected pair yields
// nil, not an error.
func (g *KnowledgeGraph) FindPath(ctx context.Context, source, target string) ([]string, error) {
	if source == "" || target == "" {
		return nil, fmt.Errorf("graph: %w: both endpoints required", storage.ErrInvalidInput)
	}
	if source == target {
		return []string{source}, nil
	}

	parent := map[string]string{source: ""}
	frontier := []string{source}

	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			rels, err := g.store.Neighbors(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("graph: neighbors of %s: %w", id, err)
			}
			for _, rel := range rels {
				far := rel.TargetID
				if far == id {
					far = rel.SourceID
				}
				if _, seen := parent[far]; seen {
					continue
				}
				parent[far] = id
				if far == target {
					return rebuildPath(parent, target), nil
				}
				next = append(next, far)
			}
		}
		frontier = next
	}
	return nil, nil
}

func rebuildPath(parent map[string]string, target string) []string {
	var reversed []string
	for id := target; id != ""; id = parent[id] {
		reversed = append(reversed, id)
	}
	path := make([]string, len(reversed))
	for i, id := range reversed {
		path[len(reversed)-1-i] = id
	}
	return path
}
