package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/pkg/types"
)

// Ensure *Store implements storage.EmbeddingStore at compile time.
var _ storage.EmbeddingStore = (*Store)(nil)

// StoreEmbedding stores the vector for a content item. One row per item:
// a newer vector (re-embedding under a new model version) replaces the old
// one. Item pipeline state is the engine's to transition; this only persists
// the vector. Returns ErrNotFound when no such item exists.
func (s *Store) StoreEmbedding(ctx context.Context, rec *types.EmbeddingRecord) error {
	if rec == nil || rec.ContentID == "" {
		return fmt.Errorf("%w: content ID is required", storage.ErrInvalidInput)
	}
	if len(rec.Vector) == 0 {
		return fmt.Errorf("%w: embedding vector cannot be empty", storage.ErrInvalidInput)
	}
	if rec.ModelVersion == "" {
		return fmt.Errorf("%w: model version is required", storage.ErrInvalidInput)
	}

	blob := serializeVector(rec.Vector)
	now := rec.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// An unknown item must surface as ErrNotFound, not as the raw foreign
	// key violation the insert would produce.
	var one int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM content_items WHERE id = ?`, rec.ContentID).Scan(&one)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check content item: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO embeddings (content_id, vector, dimension, model_version, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			model_version = excluded.model_version,
			created_at = excluded.created_at`,
		rec.ContentID, blob, len(rec.Vector), rec.ModelVersion, now.UnixMicro())
	if err != nil {
		return fmt.Errorf("failed to store embedding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit embedding: %w", err)
	}
	return nil
}

// GetEmbedding retrieves the stored vector for a content item.
func (s *Store) GetEmbedding(ctx context.Context, contentID string) (*types.EmbeddingRecord, error) {
	if contentID == "" {
		return nil, fmt.Errorf("%w: content ID is required", storage.ErrInvalidInput)
	}

	var (
		blob      []byte
		dim       int
		model     string
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT vector, dimension, model_version, created_at
		FROM embeddings WHERE content_id = ?`, contentID).
		Scan(&blob, &dim, &model, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}

	vec, err := deserializeVector(blob, dim)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize embedding: %w", err)
	}
	return &types.EmbeddingRecord{
		ContentID:    contentID,
		Vector:       vec,
		ModelVersion: model,
		CreatedAt:    microTime(createdAt),
	}, nil
}

// StaleEmbeddings returns content IDs whose stored vector was produced by a
// different model version, oldest first.
func (s *Store) StaleEmbeddings(ctx context.Context, modelVersion string, limit int) ([]string, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_id FROM embeddings
		WHERE model_version != ?
		ORDER BY created_at ASC
		LIMIT ?`, modelVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stale embedding: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// serializeVector packs a float64 slice as little-endian IEEE 754 bytes.
func serializeVector(vec []float64) []byte {
	buf := make([]byte, len(vec)*8)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	return buf
}

// deserializeVector unpacks a BLOB written by serializeVector. dimension
// validates the buffer size.
func deserializeVector(buf []byte, dimension int) ([]float64, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*8 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dimension*8, len(buf))
	}
	vec := make([]float64, dimension)
	for i := range vec {
		vec[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[i*8:]))
	}
	return vec, nil
}
