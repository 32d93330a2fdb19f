// Package sqlite implements the Recall storage interfaces on a single SQLite
// database: content items, the FTS5 lexical index, embeddings, and the entity
// co-occurrence graph.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/pkg/types"
)

// maxTextBytes caps a single captured item. Larger payloads are capture bugs,
// not content.
const maxTextBytes = 1 << 20 // 1 MiB

// Store implements storage.ContentStore, storage.LexicalIndex,
// storage.EmbeddingStore, storage.VectorIndex and storage.EntityGraph on one
// SQLite database.
type Store struct {
	db *sql.DB
}

// Ensure *Store implements storage.ContentStore at compile time.
var _ storage.ContentStore = (*Store)(nil)

// New opens a SQLite store with WAL self-healing. If the initial open fails
// due to stale WAL files (left behind by a crashed process), it verifies no
// other process holds them and retries once after removing the stale
// -shm/-wal files.
func New(dsn string) (*Store, error) {
	st, err := open(dsn)
	if err == nil {
		return st, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || dbPath == ":memory:" {
		return nil, err
	}

	if !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	st, retryErr := open(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	log.Printf("sqlite: recovered from stale WAL files for %s", dbPath)
	return st, nil
}

// open opens the database, configures WAL mode, and creates the schema.
func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Using a single open
	// connection serialises writes and avoids SQLITE_BUSY errors under
	// concurrent load. WAL mode lets readers proceed without blocking the
	// writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// NormalizeText produces the canonical form used for content hashing: leading
// and trailing whitespace trimmed, internal whitespace runs collapsed to a
// single space. Case is preserved; "Meeting" and "meeting" are different
// content.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// HashText returns the hex SHA-256 digest of the normalized text.
func HashText(text string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(NormalizeText(text))))
}

// Add ingests a content item. The item row and its lexical index row are
// written in one transaction, so a successful Add is immediately searchable.
// Re-capturing identical normalized text bumps last_seen_at and capture_count
// on the existing row and reports duplicate=true.
func (s *Store) Add(ctx context.Context, text string, source types.SourceType, metadata types.Metadata) (*types.ContentItem, bool, error) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil, false, fmt.Errorf("%w: text is empty", storage.ErrInvalidInput)
	}
	if len(text) > maxTextBytes {
		return nil, false, fmt.Errorf("%w: text exceeds %d bytes", storage.ErrInvalidInput, maxTextBytes)
	}
	if !types.IsValidSourceType(source) {
		return nil, false, fmt.Errorf("%w: unknown source type %q", storage.ErrInvalidInput, source)
	}

	hash := HashText(text)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Duplicate capture: bump sighting metadata and return the stored item.
	existing, err := getByHashTx(ctx, tx, hash)
	if err != nil && err != storage.ErrNotFound {
		return nil, false, err
	}
	if existing != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE content_items
			SET last_seen_at = ?, capture_count = capture_count + 1
			WHERE id = ?`,
			now.UnixMicro(), existing.ID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to update sighting: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit: %w", err)
		}
		existing.LastSeenAt = now
		existing.CaptureCount++
		return existing, true, nil
	}

	item := &types.ContentItem{
		ID:             uuid.NewString(),
		ContentHash:    hash,
		Text:           text,
		Source:         source,
		Metadata:       metadata,
		CreatedAt:      now,
		LastSeenAt:     now,
		CaptureCount:   1,
		EmbeddingState: types.EmbeddingPending,
		EntityState:    types.EntityPending,
	}

	var metadataJSON []byte
	if metadata != nil {
		metadataJSON, err = json.Marshal(metadata)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO content_items
			(id, content_hash, text, source_type, metadata,
			 created_at, last_seen_at, capture_count,
			 embedding_state, entity_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		item.ID, item.ContentHash, item.Text, string(item.Source),
		nullableBytes(metadataJSON),
		now.UnixMicro(), now.UnixMicro(),
		string(item.EmbeddingState), string(item.EntityState))
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert content: %w", err)
	}

	rowid, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read rowid: %w", err)
	}

	// Lexical index row in the same transaction. There is no async gap:
	// either both rows land or neither does.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO content_fts(rowid, text) VALUES (?, ?)`,
		rowid, item.Text); err != nil {
		return nil, false, fmt.Errorf("failed to index content: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit: %w", err)
	}

	return item, false, nil
}

// Get retrieves an item by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.ContentItem, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: id is required", storage.ErrInvalidInput)
	}
	return s.queryOneItem(ctx, `WHERE id = ?`, id)
}

// GetByHash retrieves an item by its content hash.
func (s *Store) GetByHash(ctx context.Context, hash string) (*types.ContentItem, error) {
	if hash == "" {
		return nil, fmt.Errorf("%w: hash is required", storage.ErrInvalidInput)
	}
	return s.queryOneItem(ctx, `WHERE content_hash = ?`, hash)
}

const itemColumns = `id, content_hash, text, source_type, metadata,
	created_at, last_seen_at, capture_count,
	embedding_state, entity_state, last_error`

func (s *Store) queryOneItem(ctx context.Context, where string, args ...any) (*types.ContentItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM content_items `+where, args...)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query item: %w", err)
	}
	return item, nil
}

func getByHashTx(ctx context.Context, tx *sql.Tx, hash string) (*types.ContentItem, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM content_items WHERE content_hash = ?`, hash)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query item by hash: %w", err)
	}
	return item, nil
}

// List pages through items newest-first using a keyset cursor on
// (created_at, id).
func (s *Store) List(ctx context.Context, opts storage.ListOptions) (*storage.Page[*types.ContentItem], error) {
	opts.Normalize()

	cursor, err := storage.DecodeCursor(opts.Cursor)
	if err != nil {
		return nil, err
	}

	var (
		conds []string
		args  []any
	)
	if !cursor.IsZero() {
		conds = append(conds, `(created_at < ? OR (created_at = ? AND id < ?))`)
		cm := cursor.CreatedAt.UnixMicro()
		args = append(args, cm, cm, cursor.ID)
	}
	if opts.Source != "" {
		conds = append(conds, `source_type = ?`)
		args = append(args, string(opts.Source))
	}
	if !opts.Since.IsZero() {
		conds = append(conds, `created_at >= ?`)
		args = append(args, opts.Since.UnixMicro())
	}
	if !opts.Until.IsZero() {
		conds = append(conds, `created_at < ?`)
		args = append(args, opts.Until.UnixMicro())
	}

	query := `SELECT ` + itemColumns + ` FROM content_items`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	// Fetch one extra row to detect whether another window exists.
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, opts.Limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*types.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate items: %w", err)
	}

	page := &storage.Page[*types.ContentItem]{}
	if len(items) > opts.Limit {
		items = items[:opts.Limit]
		last := items[len(items)-1]
		page.NextCursor = storage.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}.Encode()
	}
	page.Items = items
	return page, nil
}

// PendingItems returns items with pending embedding or entity state, oldest
// first.
func (s *Store) PendingItems(ctx context.Context, limit int) ([]*types.ContentItem, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM content_items
		WHERE embedding_state = ? OR entity_state = ?
		ORDER BY created_at ASC
		LIMIT ?`,
		string(types.EmbeddingPending), string(types.EntityPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending items: %w", err)
	}
	defer rows.Close()

	var items []*types.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetEmbeddingState transitions an item's embedding pipeline state.
func (s *Store) SetEmbeddingState(ctx context.Context, id string, state types.EmbeddingState, lastErr string) error {
	return s.setState(ctx, id, "embedding_state", string(state), lastErr)
}

// SetEntityState transitions an item's entity pipeline state.
func (s *Store) SetEntityState(ctx context.Context, id string, state types.EntityState, lastErr string) error {
	return s.setState(ctx, id, "entity_state", string(state), lastErr)
}

func (s *Store) setState(ctx context.Context, id, column, state, lastErr string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE content_items SET `+column+` = ?, last_error = ? WHERE id = ?`,
		state, lastErr, id)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Stats reports store totals and pipeline lag counters.
func (s *Store) Stats(ctx context.Context) (*types.Stats, error) {
	stats := &types.Stats{
		BySource:     make(map[string]int64),
		ByEntityType: make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM content_items`).Scan(&stats.TotalItems); err != nil {
		return nil, fmt.Errorf("failed to count items: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT source_type, COUNT(*) FROM content_items GROUP BY source_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by source: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var source string
		var n int64
		if err := rows.Scan(&source, &n); err != nil {
			return nil, fmt.Errorf("failed to scan source count: %w", err)
		}
		stats.BySource[source] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := s.db.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM entities GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by entity type: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var typ string
		var n int64
		if err := typeRows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("failed to scan entity type count: %w", err)
		}
		stats.ByEntityType[typ] = n
	}
	if err := typeRows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities`).Scan(&stats.TotalEntities); err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entity_edges`).Scan(&stats.TotalEdges); err != nil {
		return nil, fmt.Errorf("failed to count edges: %w", err)
	}

	counters := []struct {
		column, state string
		dest          *int64
	}{
		{"embedding_state", string(types.EmbeddingPending), &stats.PendingEmbeddings},
		{"embedding_state", string(types.EmbeddingFailed), &stats.FailedEmbeddings},
		{"entity_state", string(types.EntityPending), &stats.PendingExtractions},
		{"entity_state", string(types.EntityFailed), &stats.FailedExtractions},
	}
	for _, c := range counters {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM content_items WHERE `+c.column+` = ?`,
			c.state).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count %s=%s: %w", c.column, c.state, err)
		}
	}

	return stats, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanItem.
type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*types.ContentItem, error) {
	var (
		item                   types.ContentItem
		source                 string
		metadataJSON           sql.NullString
		createdAt, lastSeenAt  int64
		embedState, entitState string
	)
	err := row.Scan(&item.ID, &item.ContentHash, &item.Text, &source,
		&metadataJSON, &createdAt, &lastSeenAt, &item.CaptureCount,
		&embedState, &entitState, &item.LastError)
	if err != nil {
		return nil, err
	}
	item.Source = types.SourceType(source)
	item.CreatedAt = time.UnixMicro(createdAt).UTC()
	item.LastSeenAt = time.UnixMicro(lastSeenAt).UTC()
	item.EmbeddingState = types.EmbeddingState(embedState)
	item.EntityState = types.EntityState(entitState)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &item.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &item, nil
}

// microTime converts a stored UnixMicro value back to UTC time.
func microTime(micros int64) time.Time {
	return time.UnixMicro(micros).UTC()
}

// nullableBytes converts a possibly-empty byte slice to a NULL-able SQL value.
func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN, stripping any
// file: prefix and query parameters.
func dbPathFromDSN(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// isRecoverableWALError reports whether an open error looks like stale WAL
// leftovers rather than a corrupt database.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the given database path
// AND no other process currently holds them open (via lsof).
// Returns false if lsof is unavailable (conservative: no deletion).
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		// lsof exits non-zero when no files are open, which means stale.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

// removeStaleWAL removes -shm and -wal files for the given database path.
func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: failed to remove stale %s: %v", path, err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
