package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

const recordColumns = `
	id, content, embedding, dimension, type, importance,
	created_at, last_accessed, access_count, connection_count,
	repetitions, topic, extra
`

// fallbackMaxCandidates caps how many rows the in-process ranking path loads
// when pgvector is unavailable. Newest records first.
const fallbackMaxCandidates = 10_000

// Insert adds a new record. The embedding is stored twice when pgvector is
// available: raw bytes for portability and a native vector for indexed search.
func (s *Store) Insert(ctx context.Context, rec *types.MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	if len(rec.Embedding) == 0 {
		return fmt.Errorf("%w: record embedding is required", storage.ErrInvalidInput)
	}
	if len(rec.Embedding) != s.dimension {
		return fmt.Errorf("%w: got %d dimensions, store expects %d",
			storage.ErrDimensionMismatch, len(rec.Embedding), s.dimension)
	}

	var extraJSON []byte
	if len(rec.Extra) > 0 {
		var err error
		extraJSON, err = json.Marshal(rec.Extra)
		if err != nil {
			return fmt.Errorf("postgres: marshal extra: %w", err)
		}
	}

	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	if s.pgvectorAvailable {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory_records (
				id, content, embedding, embedding_vec, dimension, type, importance,
				created_at, last_accessed, access_count, connection_count,
				repetitions, topic, extra
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			rec.ID, rec.Content, serializeEmbedding(rec.Embedding),
			pgvector.NewVector(rec.Embedding), len(rec.Embedding),
			rec.Type, rec.Importance, created, nullableTime(rec.LastAccessed),
			rec.AccessCount, rec.ConnectionCount, rec.Repetitions,
			nullableString(rec.Topic), nullableBytes(extraJSON))
		if err != nil {
			return fmt.Errorf("postgres: insert record: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_records (
			id, content, embedding, dimension, type, importance,
			created_at, last_accessed, access_count, connection_count,
			repetitions, topic, extra
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID, rec.Content, serializeEmbedding(rec.Embedding), len(rec.Embedding),
		rec.Type, rec.Importance, created, nullableTime(rec.LastAccessed),
		rec.AccessCount, rec.ConnectionCount, rec.Repetitions,
		nullableString(rec.Topic), nullableBytes(extraJSON))
	if err != nil {
		return fmt.Errorf("postgres: insert record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get record: %w", err)
	}
	return rec, nil
}

// Search returns the k nearest records by cosine similarity. The native
// pgvector path orders by the <=> cosine distance operator; without the
// extension we load candidates and rank in process, same as the SQLite store.
func (s *Store) Search(ctx context.Context, embedding []float32, k int, typeFilter types.MemoryType) ([]storage.ScoredRecord, error) {
	if len(embedding) == 0 || k <= 0 {
		return nil, nil
	}
	if len(embedding) != s.dimension {
		return nil, fmt.Errorf("%w: got %d dimensions, store expects %d",
			storage.ErrDimensionMismatch, len(embedding), s.dimension)
	}

	if s.pgvectorAvailable {
		return s.searchNative(ctx, embedding, k, typeFilter)
	}
	return s.searchFallback(ctx, embedding, k, typeFilter)
}

func (s *Store) searchNative(ctx context.Context, embedding []float32, k int, typeFilter types.MemoryType) ([]storage.ScoredRecord, error) {
	vec := pgvector.NewVector(embedding)

	query := `SELECT ` + recordColumns + `, embedding_vec <=> $1 AS distance
		FROM memory_records WHERE embedding_vec IS NOT NULL`
	args := []interface{}{vec}
	if typeFilter != "" {
		query += ` AND type = $2 ORDER BY distance ASC, id ASC LIMIT $3`
		args = append(args, typeFilter, k)
	} else {
		query += ` ORDER BY distance ASC, id ASC LIMIT $2`
		args = append(args, k)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer rows.Close()

	var results []storage.ScoredRecord
	for rows.Next() {
		rec, distance, err := scanRecordWithDistance(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan search row: %w", err)
		}
		results = append(results, storage.ScoredRecord{
			Record:     *rec,
			Similarity: 1 - distance,
		})
	}
	return results, rows.Err()
}

func (s *Store) searchFallback(ctx context.Context, embedding []float32, k int, typeFilter types.MemoryType) ([]storage.ScoredRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM memory_records`
	var args []interface{}
	if typeFilter != "" {
		query += ` WHERE type = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, typeFilter, fallbackMaxCandidates)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, fallbackMaxCandidates)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: fallback search: %w", err)
	}
	defer rows.Close()

	var results []storage.ScoredRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan fallback row: %w", err)
		}
		if len(rec.Embedding) != len(embedding) {
			continue
		}
		results = append(results, storage.ScoredRecord{
			Record:     *rec,
			Similarity: cosineSimilarity(embedding, rec.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Record.ID < results[j].Record.ID
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// All returns a read snapshot of every record.
func (s *Store) All(ctx context.Context) ([]types.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list records: %w", err)
	}
	defer rows.Close()

	var records []types.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count records: %w", err)
	}
	return n, nil
}

// TouchAccess increments access_count and refreshes last_accessed.
func (s *Store) TouchAccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_records
		SET access_count = access_count + 1, last_accessed = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: touch access: %w", err)
	}
	return requireRow(res)
}

// BumpRepetition increments the repetition counter.
func (s *Store) BumpRepetition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_records SET repetitions = repetitions + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: bump repetition: %w", err)
	}
	return requireRow(res)
}

// SetImportance overwrites importance after a reassessment.
func (s *Store) SetImportance(ctx context.Context, id string, importance float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_records SET importance = $1 WHERE id = $2`, importance, id)
	if err != nil {
		return fmt.Errorf("postgres: set importance: %w", err)
	}
	return requireRow(res)
}

// SetConnectionCount refreshes the graph-derived connection count.
func (s *Store) SetConnectionCount(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memory_records SET connection_count = $1 WHERE id = $2`, n, id)
	if err != nil {
		return fmt.Errorf("postgres: set connection count: %w", err)
	}
	return requireRow(res)
}

// Delete hard-removes the given records. Unknown IDs are ignored.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	parts := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM memory_records WHERE id IN (%s)`, strings.Join(parts, ",")), args...)
	if err != nil {
		return fmt.Errorf("postgres: delete records: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*types.MemoryRecord, error) {
	var rec types.MemoryRecord
	var embedding []byte
	var dimension int
	var lastAccessed sql.NullTime
	var topic, extra sql.NullString

	err := row.Scan(&rec.ID, &rec.Content, &embedding, &dimension, &rec.Type,
		&rec.Importance, &rec.CreatedAt, &lastAccessed, &rec.AccessCount,
		&rec.ConnectionCount, &rec.Repetitions, &topic, &extra)
	if err != nil {
		return nil, err
	}
	fillRecord(&rec, embedding, lastAccessed, topic, extra)
	return &rec, nil
}

func scanRecordWithDistance(row rowScanner) (*types.MemoryRecord, float64, error) {
	var rec types.MemoryRecord
	var embedding []byte
	var dimension int
	var lastAccessed sql.NullTime
	var topic, extra sql.NullString
	var distance float64

	err := row.Scan(&rec.ID, &rec.Content, &embedding, &dimension, &rec.Type,
		&rec.Importance, &rec.CreatedAt, &lastAccessed, &rec.AccessCount,
		&rec.ConnectionCount, &rec.Repetitions, &topic, &extra, &distance)
	if err != nil {
		return nil, 0, err
	}
	fillRecord(&rec, embedding, lastAccessed, topic, extra)
	return &rec, distance, nil
}

func fillRecord(rec *types.MemoryRecord, embedding []byte, lastAccessed sql.NullTime, topic, extra sql.NullString) {
	if len(embedding) > 0 {
		rec.Embedding = deserializeEmbedding(embedding)
	}
	if lastAccessed.Valid {
		rec.LastAccessed = lastAccessed.Time
	}
	if topic.Valid {
		rec.Topic = topic.String
	}
	if extra.Valid && extra.String != "" {
		// Unknown or malformed extra payloads are tolerated, not fatal.
		var m map[string]string
		if err := json.Unmarshal([]byte(extra.String), &m); err == nil {
			rec.Extra = m
		}
	}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
