package sqlite

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/pkg/types"
)

// Ensure *Store implements storage.LexicalIndex at compile time.
var _ storage.LexicalIndex = (*Store)(nil)

// Search performs FTS5-backed full-text search over content items.
//
// The query string is compiled to an FTS5 MATCH expression first; a query
// that fails to compile is rejected with types.QuerySyntaxError and is never
// rewritten into something weaker. Terms are ANDed, "quoted phrases" match
// adjacently, and a trailing * makes a term a prefix match.
//
// FTS5 bm25 rank values are negative (more negative is better), so ordering
// by rank ASC puts the best results first. Equal-relevance ties break
// newest-first so results are deterministic.
func (s *Store) Search(ctx context.Context, query string, opts storage.SearchOptions) ([]types.SearchResult, error) {
	opts.Normalize()

	matchExpr, err := CompileQuery(query)
	if err != nil {
		return nil, err
	}

	var (
		conds = []string{`content_fts MATCH ?`}
		args  = []any{matchExpr}
	)
	if opts.Source != "" {
		conds = append(conds, `c.source_type = ?`)
		args = append(args, string(opts.Source))
	}
	if !opts.Since.IsZero() {
		conds = append(conds, `c.created_at >= ?`)
		args = append(args, opts.Since.UnixMicro())
	}
	if !opts.Until.IsZero() {
		conds = append(conds, `c.created_at < ?`)
		args = append(args, opts.Until.UnixMicro())
	}
	args = append(args, opts.Limit)

	querySQL := `
		SELECT ` + prefixedItemColumns("c") + `,
			rank,
			snippet(content_fts, 0, '', '', '…', 12)
		FROM content_fts fts
		JOIN content_items c ON c.rowid = fts.rowid
		WHERE ` + strings.Join(conds, ` AND `) + `
		ORDER BY rank ASC, c.created_at DESC, c.id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search MATCH %q: %w", matchExpr, err)
	}
	defer func() { _ = rows.Close() }()

	type hit struct {
		item    *types.ContentItem
		rank    float64
		snippet string
	}
	var hits []hit
	for rows.Next() {
		var (
			item                   types.ContentItem
			source                 string
			metadataJSON           []byte
			createdAt, lastSeenAt  int64
			embedState, entitState string
			rank                   float64
			snip                   string
		)
		if err := rows.Scan(&item.ID, &item.ContentHash, &item.Text, &source,
			&metadataJSON, &createdAt, &lastSeenAt, &item.CaptureCount,
			&embedState, &entitState, &item.LastError,
			&rank, &snip); err != nil {
			return nil, fmt.Errorf("sqlite: search scan: %w", err)
		}
		fillItem(&item, source, metadataJSON, createdAt, lastSeenAt, embedState, entitState)
		hits = append(hits, hit{item: &item, rank: rank, snippet: snip})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: search iterate: %w", err)
	}

	// bm25 rank is an unbounded negative value. Normalize within the result
	// set so the best hit scores 1.0 and callers can fuse legs on a common
	// scale.
	var best float64
	for _, h := range hits {
		if -h.rank > best {
			best = -h.rank
		}
	}

	results := make([]types.SearchResult, 0, len(hits))
	for _, h := range hits {
		score := 0.0
		if best > 0 {
			score = -h.rank / best
		}
		results = append(results, types.SearchResult{
			Item:    h.item,
			Score:   score,
			Scores:  types.ScoreBreakdown{Lexical: score, Fused: score},
			Snippet: h.snippet,
		})
	}
	return results, nil
}

// Verify returns the IDs of content items missing from the lexical index.
// A healthy store always returns an empty slice; a non-empty result means the
// index needs a Reindex.
//
// Scanning content_fts itself cannot detect drift: reads of an
// external-content table resolve through content_items, so it always looks
// complete. The docsize shadow table holds the rows the index actually has.
func (s *Store) Verify(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id FROM content_items c
		WHERE c.rowid NOT IN (SELECT id FROM content_fts_docsize)`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: verify lexical index: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var missing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: verify scan: %w", err)
		}
		missing = append(missing, id)
	}
	return missing, rows.Err()
}

// Reindex rebuilds the lexical index from the content table.
func (s *Store) Reindex(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: reindex begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The 'delete-all' command resets an external-content FTS5 table.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO content_fts(content_fts) VALUES ('delete-all')`); err != nil {
		return 0, fmt.Errorf("sqlite: reindex reset: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO content_fts(rowid, text) SELECT rowid, text FROM content_items`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: reindex repopulate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: reindex count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: reindex commit: %w", err)
	}
	return int(n), nil
}

// CompileQuery converts a user query into an FTS5 MATCH expression.
//
// Grammar: space-separated terms are ANDed; "double quotes" group a phrase;
// a trailing * on a term requests prefix matching. Anything else — an
// unbalanced quote, a bare or mid-term *, an empty query — is a syntax error.
// Every term is emitted double-quoted so FTS5 operator keywords (AND, NEAR)
// in user text stay plain terms.
func CompileQuery(query string) (string, error) {
	runes := []rune(query)
	var parts []string

	i := 0
	for i < len(runes) {
		switch {
		case unicode.IsSpace(runes[i]):
			i++

		case runes[i] == '"':
			start := i
			i++
			phraseStart := i
			for i < len(runes) && runes[i] != '"' {
				i++
			}
			if i >= len(runes) {
				return "", &types.QuerySyntaxError{
					Query: query, Pos: start, Reason: "unterminated phrase",
				}
			}
			phrase := strings.TrimSpace(string(runes[phraseStart:i]))
			i++ // closing quote
			if phrase == "" {
				return "", &types.QuerySyntaxError{
					Query: query, Pos: start, Reason: "empty phrase",
				}
			}
			parts = append(parts, `"`+escapeFTSQuotes(phrase)+`"`)

		case runes[i] == '*':
			return "", &types.QuerySyntaxError{
				Query: query, Pos: i, Reason: "* is only valid at the end of a term",
			}

		default:
			start := i
			for i < len(runes) && !unicode.IsSpace(runes[i]) && runes[i] != '"' {
				i++
			}
			term := string(runes[start:i])

			prefix := false
			if strings.HasSuffix(term, "*") {
				prefix = true
				term = strings.TrimSuffix(term, "*")
				if term == "" {
					return "", &types.QuerySyntaxError{
						Query: query, Pos: start, Reason: "* is only valid at the end of a term",
					}
				}
			}
			if strings.ContainsRune(term, '*') {
				return "", &types.QuerySyntaxError{
					Query: query, Pos: start, Reason: "* is only valid at the end of a term",
				}
			}

			quoted := `"` + escapeFTSQuotes(term) + `"`
			if prefix {
				quoted += "*"
			}
			parts = append(parts, quoted)
		}
	}

	if len(parts) == 0 {
		return "", &types.QuerySyntaxError{Query: query, Pos: 0, Reason: "empty query"}
	}

	// Adjacent parts are implicitly ANDed by FTS5.
	return strings.Join(parts, " "), nil
}

// escapeFTSQuotes doubles embedded double quotes per FTS5 string rules.
func escapeFTSQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `""`)
}

// prefixedItemColumns renders itemColumns with a table alias for joins.
func prefixedItemColumns(alias string) string {
	cols := strings.Split(itemColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// fillItem populates the typed fields of a scanned content item.
func fillItem(item *types.ContentItem, source string, metadataJSON []byte,
	createdAt, lastSeenAt int64, embedState, entitState string) {
	item.Source = types.SourceType(source)
	item.CreatedAt = microTime(createdAt)
	item.LastSeenAt = microTime(lastSeenAt)
	item.EmbeddingState = types.EmbeddingState(embedState)
	item.EntityState = types.EntityState(entitState)
	if len(metadataJSON) > 0 {
		// Best effort: a corrupt metadata blob should not hide the item.
		_ = item.Metadata.UnmarshalJSON(metadataJSON)
	}
}
