package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// AppendTurn durably writes one conversation turn. This is the mirror write
// behind every working-memory append, so it must complete (or fail loudly)
// before the append is acknowledged.
func (s *Store) AppendTurn(ctx context.Context, turn *types.SessionTurn) error {
	if turn == nil || turn.SessionID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}
	if turn.Content == "" {
		return fmt.Errorf("%w: turn content is required", storage.ErrInvalidInput)
	}

	ts := turn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, created_at)
		VALUES (?, ?, ?, ?)`,
		turn.SessionID, turn.Role, turn.Content, ts)
	if err != nil {
		return fmt.Errorf("sqlite: append turn: %w", err)
	}
	return nil
}

// RecentTurns returns the most recent turns across all sessions, oldest
// first so callers can render them chronologically.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]types.SessionTurn, error) {
	if limit < 1 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, role, content, created_at
		FROM (
			SELECT session_id, role, content, created_at, id
			FROM messages ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// SessionTurns returns all turns of one session in chronological order.
func (s *Store) SessionTurns(ctx context.Context, sessionID string) ([]types.SessionTurn, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, role, content, created_at
		FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: session turns: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// TurnsBetween returns turns whose timestamp falls in [from, to).
func (s *Store) TurnsBetween(ctx context.Context, from, to time.Time, limit int) ([]types.SessionTurn, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, role, content, created_at
		FROM messages
		WHERE created_at >= ? AND created_at < ?
		ORDER BY id ASC LIMIT ?`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: turns between: %w", err)
	}
	defer rows.Close()

	return scanTurns(rows)
}

// SaveSummary archives a session summary (upsert on session ID so a retried
// end-of-session call is harmless).
func (s *Store) SaveSummary(ctx context.Context, sum *types.SessionSummary) error {
	if sum == nil || sum.SessionID == "" {
		return fmt.Errorf("%w: session ID is required", storage.ErrInvalidInput)
	}

	topicsJSON, err := json.Marshal(sum.Topics)
	if err != nil {
		return fmt.Errorf("sqlite: marshal topics: %w", err)
	}
	factsJSON, err := json.Marshal(sum.Facts)
	if err != nil {
		return fmt.Errorf("sqlite: marshal facts: %w", err)
	}
	insightsJSON, err := json.Marshal(sum.Insights)
	if err != nil {
		return fmt.Errorf("sqlite: marshal insights: %w", err)
	}

	created := sum.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, summary, topics, emotional_tone, facts, insights, importance, repetitions, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			summary = excluded.summary,
			topics = excluded.topics,
			emotional_tone = excluded.emotional_tone,
			facts = excluded.facts,
			insights = excluded.insights,
			importance = excluded.importance,
			repetitions = excluded.repetitions`,
		sum.SessionID, sum.Summary, string(topicsJSON), sum.EmotionalTone,
		string(factsJSON), string(insightsJSON), sum.Importance, sum.Repetitions, created)
	if err != nil {
		return fmt.Errorf("sqlite: save summary: %w", err)
	}
	return nil
}

// RecentSummaries returns the most recent summaries, newest first.
func (s *Store) RecentSummaries(ctx context.Context, limit int) ([]types.SessionSummary, error) {
	if limit < 1 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, summary, topics, emotional_tone, facts, insights, importance, repetitions, created_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: recent summaries: %w", err)
	}
	defer rows.Close()

	var sums []types.SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		sums = append(sums, *sum)
	}
	return sums, rows.Err()
}

// CountSummariesWithTopic counts archived summaries whose topics array
// contains topic. Topics are stored as a JSON array, so a LIKE match on the
// quoted form is sufficient here.
func (s *Store) CountSummariesWithTopic(ctx context.Context, topic string) (int, error) {
	if topic == "" {
		return 0, nil
	}

	var n int
	pattern := `%"` + topic + `"%`
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE topics LIKE ?`, pattern).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: count summaries with topic: %w", err)
	}
	return n, nil
}

// ExpireBefore removes summaries and turns older than cutoff and returns the
// number of rows removed.
func (s *Store) ExpireBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res1, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: expire messages: %w", err)
	}
	res2, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: expire sessions: %w", err)
	}

	var total int64
	if n, err := res1.RowsAffected(); err == nil {
		total += n
	}
	if n, err := res2.RowsAffected(); err == nil {
		total += n
	}
	return int(total), nil
}

// LogInteraction appends one row to the interaction log. Failures are logged
// and swallowed: observability must never fail the caller's operation.
func (s *Store) LogInteraction(ctx context.Context, op, detail string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interaction_logs (op, detail, created_at) VALUES (?, ?, ?)`,
		op, detail, time.Now().UTC())
	if err != nil {
		log.Printf("sqlite: interaction log %s: %v", op, err)
	}
}

func scanTurns(rows *sql.Rows) ([]types.SessionTurn, error) {
	var turns []types.SessionTurn
	for rows.Next() {
		var t types.SessionTurn
		if err := rows.Scan(&t.SessionID, &t.Role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("sqlite: scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func scanSummary(rows *sql.Rows) (*types.SessionSummary, error) {
	var sum types.SessionSummary
	var topicsJSON, factsJSON, insightsJSON, tone sql.NullString

	if err := rows.Scan(&sum.SessionID, &sum.Summary, &topicsJSON, &tone,
		&factsJSON, &insightsJSON, &sum.Importance, &sum.Repetitions, &sum.CreatedAt); err != nil {
		return nil, fmt.Errorf("sqlite: scan summary: %w", err)
	}

	if tone.Valid {
		sum.EmotionalTone = tone.String
	}
	if err := unmarshalJSONField(topicsJSON, &sum.Topics); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal topics: %w", err)
	}
	if err := unmarshalJSONField(factsJSON, &sum.Facts); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal facts: %w", err)
	}
	if err := unmarshalJSONField(insightsJSON, &sum.Insights); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal insights: %w", err)
	}
	return &sum, nil
}

func unmarshalJSONField(ns sql.NullString, dest interface{}) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dest)
}
