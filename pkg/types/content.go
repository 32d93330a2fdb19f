package types

import "time"

// SourceType identifies which capture surface produced a content item.
type SourceType string

// Capture sources. Capture daemons and the browser-extension bridge are
// external collaborators; the store only records which one an item came from.
const (
	SourceScreen    SourceType = "screen"
	SourceClipboard SourceType = "clipboard"
	SourceFile      SourceType = "file"
	SourceBrowser   SourceType = "browser"
	SourceManual    SourceType = "manual"
)

// ValidSourceTypes contains all recognised source type values.
var ValidSourceTypes = []SourceType{
	SourceScreen,
	SourceClipboard,
	SourceFile,
	SourceBrowser,
	SourceManual,
}

// IsValidSourceType checks if the given source type is recognised.
func IsValidSourceType(s SourceType) bool {
	for _, v := range ValidSourceTypes {
		if s == v {
			return true
		}
	}
	return false
}

// EmbeddingState tracks where an item sits in the async embedding pipeline.
type EmbeddingState string

const (
	// EmbeddingPending means the item is queued but not yet embedded.
	// A pending item is lexically searchable and absent from vector results.
	EmbeddingPending EmbeddingState = "pending"

	// EmbeddingDone means an EmbeddingRecord exists and the item is
	// vector-searchable.
	EmbeddingDone EmbeddingState = "embedded"

	// EmbeddingFailed means retries were exhausted (or the input was
	// permanently rejected). Terminal unless explicitly retried.
	EmbeddingFailed EmbeddingState = "failed"
)

// EntityState tracks the async entity-extraction status for an item,
// independent from the embedding state. A failure on one side never blocks
// the other.
type EntityState string

const (
	EntityPending EntityState = "pending"
	EntityDone    EntityState = "extracted"
	EntityFailed  EntityState = "failed"
)

// Well-known metadata keys per source type. Unknown keys pass through
// opaquely; these are the ones capture daemons are expected to set.
//
//	screen:    app, window
//	clipboard: app
//	file:      path
//	browser:   url, title
const (
	MetaKeyApp    = "app"
	MetaKeyWindow = "window"
	MetaKeyPath   = "path"
	MetaKeyURL    = "url"
	MetaKeyTitle  = "title"
)

// ContentItem is the atomic unit of captured text. Text is immutable after
// creation; duplicate captures of identical normalized text update only the
// last-seen metadata on the existing item.
type ContentItem struct {
	// ID is an opaque unique identifier.
	ID string `json:"id"`

	// ContentHash is the SHA-256 digest of the normalized text.
	// Unique across the store: it is the dedup authority.
	ContentHash string `json:"content_hash"`

	// Text is the captured UTF-8 text, stored as received (normalization is
	// applied only for hashing).
	Text string `json:"text"`

	// Source identifies the capture surface that produced the item.
	Source SourceType `json:"source_type"`

	// Metadata holds source-specific key/value pairs in capture order.
	Metadata Metadata `json:"metadata,omitempty"`

	// CreatedAt is when the item was first stored.
	CreatedAt time.Time `json:"created_at"`

	// LastSeenAt is when identical content was most recently captured.
	// Equal to CreatedAt until a duplicate sighting occurs.
	LastSeenAt time.Time `json:"last_seen_at"`

	// CaptureCount is how many times identical normalized text was captured.
	CaptureCount int `json:"capture_count"`

	// EmbeddingState tracks the async embedding pipeline for this item.
	EmbeddingState EmbeddingState `json:"embedding_state"`

	// EntityState tracks the async entity extraction for this item.
	EntityState EntityState `json:"entity_state"`

	// LastError holds the most recent pipeline error for this item, if any.
	LastError string `json:"last_error,omitempty"`
}

// EmbeddingRecord is the stored vector for a content item under a specific
// model version. Re-embedding under a new model version supersedes the old
// record rather than duplicating it.
type EmbeddingRecord struct {
	ContentID    string    `json:"content_id"`
	Vector       []float64 `json:"vector"`
	ModelVersion string    `json:"model_version"`
	CreatedAt    time.Time `json:"created_at"`
}
