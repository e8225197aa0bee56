// Package backup produces consistent point-in-time snapshots of the SQLite
// memory database and prunes old snapshots by a tiered retention policy.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Snapshot is one backup file on disk.
type Snapshot struct {
	Path      string
	Timestamp time.Time
	Size      int64
}

// Service snapshots one SQLite database into a directory.
type Service struct {
	sourcePath string
	dir        string
	retention  Retention
}

// NewService returns a Service writing snapshots of sourcePath into dir.
func NewService(sourcePath, dir string, retention Retention) *Service {
	return &Service{sourcePath: sourcePath, dir: dir, retention: retention}
}

// Run takes one snapshot, verifies it, and prunes old snapshots. The new
// snapshot is removed again if verification fails.
func (s *Service) Run(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}

	name := fmt.Sprintf("engram-%s.db", time.Now().UTC().Format("20060102-150405"))
	dest := filepath.Join(s.dir, name)

	if err := snapshotSQLite(ctx, s.sourcePath, dest); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	if err := Verify(ctx, dest); err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("backup: verify %s: %w", name, err)
	}

	if removed, err := s.prune(); err != nil {
		log.Printf("backup: prune: %v", err)
	} else if removed > 0 {
		log.Printf("backup: pruned %d old snapshots", removed)
	}
	return dest, nil
}

// snapshotSQLite copies the database with VACUUM INTO, which yields a
// consistent snapshot even under WAL with a concurrent writer.
func snapshotSQLite(ctx context.Context, sourcePath, destPath string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping source: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

// Verify runs PRAGMA integrity_check against a snapshot.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return err
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

// List returns all snapshots in the backup directory, newest first.
func (s *Service) List() ([]Snapshot, error) {
	return listSnapshots(s.dir)
}
