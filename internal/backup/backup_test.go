package backup

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO notes (body) VALUES ('remember this')")
	require.NoError(t, err)
	return path
}

func TestRunProducesVerifiedSnapshot(t *testing.T) {
	source := seedDatabase(t)
	dir := t.TempDir()
	svc := NewService(source, dir, Retention{Daily: 7, Weekly: 4, Monthly: 6})

	dest, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(dest))

	copy, err := sql.Open("sqlite", dest)
	require.NoError(t, err)
	defer copy.Close()

	var body string
	require.NoError(t, copy.QueryRow("SELECT body FROM notes").Scan(&body))
	assert.Equal(t, "remember this", body)

	snaps, err := svc.List()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, dest, snaps[0].Path)
	assert.Positive(t, snaps[0].Size)
}

func TestVerifyRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.db")
	require.NoError(t, os.WriteFile(path, []byte("not a database"), 0o644))

	err := Verify(context.Background(), path)
	require.Error(t, err)
}

func TestRunMissingSource(t *testing.T) {
	svc := NewService(filepath.Join(t.TempDir(), "missing.db"), t.TempDir(), Retention{})

	_, err := svc.Run(context.Background())
	require.Error(t, err)
}
