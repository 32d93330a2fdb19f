// Package backup creates consistent point-in-time snapshots of the SQLite
// database. Snapshots use VACUUM INTO, which is safe under WAL mode, so they
// can be taken while a daemon is running.
package backup

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Snapshot copies the database at dbPath into dir, named by timestamp.
// Returns the path of the snapshot file.
func Snapshot(dbPath, dir string) (string, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return "", fmt.Errorf("backup: source database: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("backup: create directory: %w", err)
	}

	dest := filepath.Join(dir, fmt.Sprintf("recall-%s.db", time.Now().UTC().Format("20060102T150405Z")))

	// Read-only open: the snapshot must never mutate the source.
	src, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", dbPath))
	if err != nil {
		return "", fmt.Errorf("backup: open source: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := src.Ping(); err != nil {
		return "", fmt.Errorf("backup: source unreadable: %w", err)
	}

	// VACUUM INTO produces a compacted, consistent copy even mid-WAL.
	if _, err := src.Exec(fmt.Sprintf("VACUUM INTO '%s'", dest)); err != nil {
		return "", fmt.Errorf("backup: vacuum into %s: %w", dest, err)
	}
	return dest, nil
}

// Prune removes the oldest snapshots in dir beyond keep. Snapshot files sort
// chronologically by name, so pruning is a name sort, not an mtime scan.
func Prune(dir string, keep int) (removed int, err error) {
	if keep < 1 {
		return 0, fmt.Errorf("backup: keep must be >= 1, got %d", keep)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "recall-*.db"))
	if err != nil {
		return 0, fmt.Errorf("backup: scan %s: %w", dir, err)
	}
	if len(matches) <= keep {
		return 0, nil
	}

	sort.Strings(matches)
	for _, path := range matches[:len(matches)-keep] {
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("backup: remove %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}
