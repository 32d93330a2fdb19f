package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/pkg/types"
)

// Ensure *Store implements storage.EntityGraph at compile time.
var _ storage.EntityGraph = (*Store)(nil)

// RecordMentions replaces the mention set for a content item and recomputes
// aggregates and co-occurrence edges for every affected entity from the
// mention table. Recomputing instead of incrementing makes the operation
// idempotent: re-extracting an item leaves counts unchanged.
func (s *Store) RecordMentions(ctx context.Context, itemID string, observedAt int64, mentions []types.Mention) error {
	if itemID == "" {
		return fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	affected := make(map[string]bool)

	// Entities previously linked to this item are affected too: a
	// re-extraction may have dropped them.
	oldRows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT entity_id FROM entity_mentions WHERE content_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("failed to query prior mentions: %w", err)
	}
	for oldRows.Next() {
		var id string
		if err := oldRows.Scan(&id); err != nil {
			oldRows.Close()
			return fmt.Errorf("failed to scan prior mention: %w", err)
		}
		affected[id] = true
	}
	if err := oldRows.Err(); err != nil {
		oldRows.Close()
		return err
	}
	oldRows.Close()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entity_mentions WHERE content_id = ?`, itemID); err != nil {
		return fmt.Errorf("failed to clear prior mentions: %w", err)
	}

	for _, m := range mentions {
		if m.Text == "" || !types.IsValidEntityType(m.Type) {
			return fmt.Errorf("%w: mention %q has invalid text or type", storage.ErrInvalidInput, m.Text)
		}
		entityID := types.EntityID(m.Text, m.Type)
		affected[entityID] = true

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, canonical_text, type, mention_count, first_seen, last_seen)
			VALUES (?, ?, ?, 0, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			entityID, strings.Join(strings.Fields(m.Text), " "), string(m.Type),
			observedAt, observedAt); err != nil {
			return fmt.Errorf("failed to upsert entity: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entity_mentions
				(content_id, entity_id, mention_text, start_offset, end_offset, observed_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(content_id, entity_id, start_offset) DO NOTHING`,
			itemID, entityID, m.Text, m.Start, m.End, observedAt); err != nil {
			return fmt.Errorf("failed to insert mention: %w", err)
		}
	}

	if len(affected) > 0 {
		ids := make([]string, 0, len(affected))
		for id := range affected {
			ids = append(ids, id)
		}
		if err := recomputeEntities(ctx, tx, ids); err != nil {
			return err
		}
		if err := recomputeEdges(ctx, tx, ids); err != nil {
			return err
		}
	}

	// The extraction pipeline completes atomically with the graph update.
	if _, err := tx.ExecContext(ctx,
		`UPDATE content_items SET entity_state = ?, last_error = '' WHERE id = ?`,
		string(types.EntityDone), itemID); err != nil {
		return fmt.Errorf("failed to mark item extracted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mentions: %w", err)
	}
	return nil
}

// recomputeEntities refreshes aggregates for the given entity IDs from the
// mention table, removing entities left with no mentions.
func recomputeEntities(ctx context.Context, tx *sql.Tx, ids []string) error {
	ph, args := placeholders(ids)

	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET
			mention_count = (SELECT COUNT(DISTINCT content_id) FROM entity_mentions WHERE entity_id = entities.id),
			first_seen    = COALESCE((SELECT MIN(observed_at) FROM entity_mentions WHERE entity_id = entities.id), first_seen),
			last_seen     = COALESCE((SELECT MAX(observed_at) FROM entity_mentions WHERE entity_id = entities.id), last_seen)
		WHERE id IN (`+ph+`)`, args...); err != nil {
		return fmt.Errorf("failed to recompute entity aggregates: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entities WHERE id IN (`+ph+`) AND mention_count = 0`, args...); err != nil {
		return fmt.Errorf("failed to prune empty entities: %w", err)
	}
	return nil
}

// recomputeEdges rebuilds co-occurrence edges touching the given entity IDs.
// Edge weight is the number of content items in which both entities appear;
// pairs are stored once with entity_a < entity_b.
func recomputeEdges(ctx context.Context, tx *sql.Tx, ids []string) error {
	ph, args := placeholders(ids)

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM entity_edges
		WHERE entity_a IN (`+ph+`) OR entity_b IN (`+ph+`)`,
		append(append([]any{}, args...), args...)...); err != nil {
		return fmt.Errorf("failed to clear edges: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entity_edges (entity_a, entity_b, weight)
		SELECT m1.entity_id, m2.entity_id, COUNT(DISTINCT m1.content_id)
		FROM entity_mentions m1
		JOIN entity_mentions m2
			ON m1.content_id = m2.content_id AND m1.entity_id < m2.entity_id
		WHERE m1.entity_id IN (`+ph+`) OR m2.entity_id IN (`+ph+`)
		GROUP BY m1.entity_id, m2.entity_id`,
		append(append([]any{}, args...), args...)...); err != nil {
		return fmt.Errorf("failed to rebuild edges: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity by ID.
func (s *Store) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_text, type, mention_count, first_seen, last_seen
		FROM entities WHERE id = ?`, id)
	ent, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return ent, nil
}

// TopEntities returns the most-mentioned entities, optionally filtered by
// type. Ties break alphabetically so results are deterministic.
func (s *Store) TopEntities(ctx context.Context, entityType types.EntityType, limit int) ([]*types.Entity, error) {
	if limit < 1 {
		limit = 20
	}

	query := `
		SELECT id, canonical_text, type, mention_count, first_seen, last_seen
		FROM entities`
	var args []any
	if entityType != "" {
		if !types.IsValidEntityType(entityType) {
			return nil, fmt.Errorf("%w: unknown entity type %q", storage.ErrInvalidInput, entityType)
		}
		query += ` WHERE type = ?`
		args = append(args, string(entityType))
	}
	query += ` ORDER BY mention_count DESC, canonical_text ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query top entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entities []*types.Entity
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, ent)
	}
	return entities, rows.Err()
}

// Neighbors returns the co-occurrence neighborhood of an entity ranked by
// edge weight.
func (s *Store) Neighbors(ctx context.Context, entityID string, limit int) ([]types.Neighbor, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if limit < 1 {
		limit = 20
	}

	// Verify the entity exists so an unknown ID is distinguishable from a
	// node with no neighbors.
	if _, err := s.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT e.id, e.canonical_text, e.type, e.mention_count, e.first_seen, e.last_seen,
			edges.weight
		FROM (
			SELECT entity_b AS other, weight FROM entity_edges WHERE entity_a = ?
			UNION ALL
			SELECT entity_a AS other, weight FROM entity_edges WHERE entity_b = ?
		) edges
		JOIN entities e ON e.id = edges.other
		ORDER BY edges.weight DESC, e.canonical_text ASC
		LIMIT ?`, entityID, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var neighbors []types.Neighbor
	for rows.Next() {
		var (
			ent                  types.Entity
			typ                  string
			firstSeen, lastSeen  int64
			weight               int
		)
		if err := rows.Scan(&ent.ID, &ent.CanonicalText, &typ,
			&ent.MentionCount, &firstSeen, &lastSeen, &weight); err != nil {
			return nil, fmt.Errorf("failed to scan neighbor: %w", err)
		}
		ent.Type = types.EntityType(typ)
		ent.FirstSeen = microTime(firstSeen)
		ent.LastSeen = microTime(lastSeen)
		neighbors = append(neighbors, types.Neighbor{Entity: &ent, Weight: weight})
	}
	return neighbors, rows.Err()
}

// EntityItems returns the IDs of content items mentioning the entity, newest
// first.
func (s *Store) EntityItems(ctx context.Context, entityID string, limit int) ([]string, error) {
	if entityID == "" {
		return nil, fmt.Errorf("%w: entity ID is required", storage.ErrInvalidInput)
	}
	if limit < 1 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.content_id
		FROM entity_mentions m
		JOIN content_items c ON c.id = m.content_id
		WHERE m.entity_id = ?
		ORDER BY c.created_at DESC
		LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan entity item: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RebuildGraph recomputes all entity aggregates and co-occurrence edges from
// the stored mentions.
func (s *Store) RebuildGraph(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET
			mention_count = (SELECT COUNT(DISTINCT content_id) FROM entity_mentions WHERE entity_id = entities.id),
			first_seen    = COALESCE((SELECT MIN(observed_at) FROM entity_mentions WHERE entity_id = entities.id), first_seen),
			last_seen     = COALESCE((SELECT MAX(observed_at) FROM entity_mentions WHERE entity_id = entities.id), last_seen)`); err != nil {
		return 0, fmt.Errorf("failed to recompute aggregates: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entities WHERE mention_count = 0`); err != nil {
		return 0, fmt.Errorf("failed to prune entities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_edges`); err != nil {
		return 0, fmt.Errorf("failed to clear edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO entity_edges (entity_a, entity_b, weight)
		SELECT m1.entity_id, m2.entity_id, COUNT(DISTINCT m1.content_id)
		FROM entity_mentions m1
		JOIN entity_mentions m2
			ON m1.content_id = m2.content_id AND m1.entity_id < m2.entity_id
		GROUP BY m1.entity_id, m2.entity_id`); err != nil {
		return 0, fmt.Errorf("failed to rebuild edges: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rebuild: %w", err)
	}
	return count, nil
}

func scanEntity(row scanner) (*types.Entity, error) {
	var (
		ent                 types.Entity
		typ                 string
		firstSeen, lastSeen int64
	)
	if err := row.Scan(&ent.ID, &ent.CanonicalText, &typ,
		&ent.MentionCount, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	ent.Type = types.EntityType(typ)
	ent.FirstSeen = microTime(firstSeen)
	ent.LastSeen = microTime(lastSeen)
	return &ent, nil
}

// placeholders renders an IN-clause placeholder list with its args.
func placeholders(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}
