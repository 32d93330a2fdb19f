package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/unifiedai/recall/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrBadCursor indicates an unparseable pagination cursor.
	ErrBadCursor = errors.New("malformed pagination cursor")
)

// Page is one window of a keyset-paginated result set.
type Page[T any] struct {
	// Items is the slice of results for the current window.
	Items []T

	// NextCursor resumes listing after the last item. Empty when the
	// listing is exhausted.
	NextCursor string
}

// Cursor is a keyset pagination position: the (created_at, id) pair of the
// last item served. Keyset cursors stay stable under concurrent inserts,
// unlike offsets.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixMicro(), 10) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by Encode. An empty token yields the
// zero cursor (start from the newest item).
func DecodeCursor(token string) (Cursor, error) {
	if token == "" {
		return Cursor{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Cursor{}, ErrBadCursor
	}
	micros, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrBadCursor, err)
	}
	return Cursor{CreatedAt: time.UnixMicro(micros).UTC(), ID: parts[1]}, nil
}

// IsZero reports whether the cursor is the start-of-listing position.
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// ListOptions provides pagination and filtering options for list operations.
// Listing is always newest-first by (created_at, id).
type ListOptions struct {
	// Limit is the number of items per window (default: 20, max: 100).
	Limit int

	// Cursor resumes a prior listing. Empty starts from the newest item.
	Cursor string

	// Source filters by capture source. Empty means no filter.
	Source types.SourceType

	// Since filters to items created at or after this time.
	// Zero value means no lower bound.
	Since time.Time

	// Until filters to items created strictly before this time.
	// Zero value means no upper bound.
	Until time.Time
}

// Normalize applies defaults and caps to the ListOptions.
func (o *ListOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}

// SearchOptions provides filtering options for search operations.
type SearchOptions struct {
	// Limit is the maximum number of results to return (default: 10, max: 100).
	Limit int

	// Source filters results by capture source. Empty means no filter.
	Source types.SourceType

	// Since filters to items created at or after this time.
	// Zero value means no lower bound.
	Since time.Time

	// Until filters to items created strictly before this time.
	// Zero value means no upper bound.
	Until time.Time
}

// Normalize applies defaults and caps to the SearchOptions.
func (o *SearchOptions) Normalize() {
	if o.Limit < 1 {
		o.Limit = 10
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}
