package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/engramlabs/engram/internal/storage"
	"github.com/engramlabs/engram/pkg/types"
)

// recordColumns is the canonical SELECT column list for memory_records.
// It must match the scan order in scanRecord.
const recordColumns = `
	id, content, embedding, dimension, type, importance,
	created_at, last_accessed, access_count, connection_count, repetitions,
	topic, extra
`

// searchMaxCandidates caps the number of embeddings loaded during a search.
// Candidates are selected newest first, so recent memories are always
// considered. Typical agent datasets stay well under this.
const searchMaxCandidates = 10_000

// Insert adds a new record to the vector index.
func (s *Store) Insert(ctx context.Context, rec *types.MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}
	if rec.Content == "" {
		return fmt.Errorf("%w: record content is required", storage.ErrInvalidInput)
	}
	if len(rec.Embedding) == 0 {
		// A record without an embedding can never be matched by the dedup
		// search, so it is rejected rather than silently stored.
		return fmt.Errorf("%w: record embedding is required", storage.ErrInvalidInput)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.LastAccessed.IsZero() {
		rec.LastAccessed = rec.CreatedAt
	}

	var extraJSON []byte
	if len(rec.Extra) > 0 {
		var err error
		extraJSON, err = json.Marshal(rec.Extra)
		if err != nil {
			return fmt.Errorf("sqlite: marshal extra: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Content, serializeEmbedding(rec.Embedding), len(rec.Embedding),
		string(rec.Type), rec.Importance, rec.CreatedAt, rec.LastAccessed,
		rec.AccessCount, rec.ConnectionCount, rec.Repetitions,
		nullIfEmpty(rec.Topic), nullIfEmptyBytes(extraJSON))
	if err != nil {
		return fmt.Errorf("sqlite: insert record: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.MemoryRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: record ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

// Search ranks all stored embeddings by cosine similarity in Go and returns
// the k best. SQLite has no native vector type; for indexed ANN search use
// the postgres adapter.
func (s *Store) Search(ctx context.Context, embedding []float32, k int, typeFilter types.MemoryType) ([]storage.ScoredRecord, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: query embedding is required", storage.ErrInvalidInput)
	}
	if k < 1 {
		k = 10
	}

	query := `SELECT ` + recordColumns + ` FROM memory_records`
	args := []interface{}{}
	if typeFilter != "" {
		query += ` WHERE type = ?`
		args = append(args, string(typeFilter))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, searchMaxCandidates)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search records: %w", err)
	}
	defer rows.Close()

	var scored []storage.ScoredRecord
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		sim := cosineSimilarity(embedding, rec.Embedding)
		scored = append(scored, storage.ScoredRecord{Record: *rec, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: search rows: %w", err)
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		return scored[i].Record.ID < scored[j].Record.ID
	})

	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// All returns a read snapshot of every record for the consolidation sweep.
// No lock is held once the rows are drained; scoring happens off this copy.
func (s *Store) All(ctx context.Context) ([]types.MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: snapshot records: %w", err)
	}
	defer rows.Close()

	var recs []types.MemoryRecord
	for rows.Next() {
		rec, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count records: %w", err)
	}
	return n, nil
}

// TouchAccess atomically increments access_count and refreshes last_accessed.
func (s *Store) TouchAccess(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_records
		SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: touch access: %w", err)
	}
	return requireRow(res)
}

// BumpRepetition increments the repetition counter for a duplicate add.
func (s *Store) BumpRepetition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_records SET repetitions = repetitions + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: bump repetition: %w", err)
	}
	return requireRow(res)
}

// SetImportance overwrites importance after an explicit reassessment.
func (s *Store) SetImportance(ctx context.Context, id string, importance float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_records SET importance = ? WHERE id = ?`, importance, id)
	if err != nil {
		return fmt.Errorf("sqlite: set importance: %w", err)
	}
	return requireRow(res)
}

// SetConnectionCount refreshes the graph-derived connection count.
func (s *Store) SetConnectionCount(ctx context.Context, id string, n int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_records SET connection_count = ? WHERE id = ?`, n, id)
	if err != nil {
		return fmt.Errorf("sqlite: set connection count: %w", err)
	}
	return requireRow(res)
}

// Delete hard-removes the given records. Unknown IDs are ignored.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM memory_records WHERE id IN (%s)`, buildInClause(len(ids))), args...)
	if err != nil {
		return fmt.Errorf("sqlite: delete records: %w", err)
	}
	return nil
}

// requireRow translates "zero rows affected" into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*types.MemoryRecord, error) {
	var rec types.MemoryRecord
	var blob []byte
	var dim int
	var typ string
	var topic, extraJSON sql.NullString

	if err := row.Scan(&rec.ID, &rec.Content, &blob, &dim, &typ, &rec.Importance,
		&rec.CreatedAt, &rec.LastAccessed, &rec.AccessCount, &rec.ConnectionCount,
		&rec.Repetitions, &topic, &extraJSON); err != nil {
		return nil, err
	}

	rec.Type = types.MemoryType(typ)
	if topic.Valid {
		rec.Topic = topic.String
	}
	if extraJSON.Valid && extraJSON.String != "" {
		// Unknown metadata keys from a newer schema are preserved, not fatal.
		if err := json.Unmarshal([]byte(extraJSON.String), &rec.Extra); err != nil {
			rec.Extra = nil
		}
	}

	embedding, err := deserializeEmbedding(blob, dim)
	if err != nil {
		return nil, fmt.Errorf("sqlite: record %s: %w", rec.ID, err)
	}
	rec.Embedding = embedding
	return &rec, nil
}

func scanRecordRows(rows *sql.Rows) (*types.MemoryRecord, error) {
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan record: %w", err)
	}
	return rec, nil
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 when either vector has zero magnitude or lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfEmptyBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
