package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/engramlabs/engram/pkg/types"
)

// SavePatterns upserts the full set of access patterns.
func (s *Store) SavePatterns(ctx context.Context, patterns []types.AccessPattern) error {
	if len(patterns) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin save patterns: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO access_patterns (record_id, access_count, channel_diversity, last_hot_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(record_id) DO UPDATE SET
			access_count = excluded.access_count,
			channel_diversity = excluded.channel_diversity,
			last_hot_at = excluded.last_hot_at`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare save patterns: %w", err)
	}
	defer stmt.Close()

	for _, p := range patterns {
		if _, err := stmt.ExecContext(ctx, p.RecordID, p.AccessCount, p.ChannelDiversity, nullIfZeroTime(p.LastHotAt)); err != nil {
			return fmt.Errorf("sqlite: save pattern %s: %w", p.RecordID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit save patterns: %w", err)
	}
	return nil
}

// LoadPatterns returns all persisted access patterns.
func (s *Store) LoadPatterns(ctx context.Context) ([]types.AccessPattern, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, access_count, channel_diversity, last_hot_at FROM access_patterns`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load patterns: %w", err)
	}
	defer rows.Close()

	var patterns []types.AccessPattern
	for rows.Next() {
		var p types.AccessPattern
		var lastHot sql.NullTime
		if err := rows.Scan(&p.RecordID, &p.AccessCount, &p.ChannelDiversity, &lastHot); err != nil {
			return nil, fmt.Errorf("sqlite: scan pattern: %w", err)
		}
		if lastHot.Valid {
			p.LastHotAt = lastHot.Time
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

func nullIfZeroTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
