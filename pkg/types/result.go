package types

// SearchMode selects which retrieval paths a query exercises.
type SearchMode string

const (
	SearchModeLexical SearchMode = "lexical"
	SearchModeVector  SearchMode = "vector"
	SearchModeHybrid  SearchMode = "hybrid"
)

// IsValidSearchMode checks if the given mode is recognised.
func IsValidSearchMode(m SearchMode) bool {
	switch m {
	case SearchModeLexical, SearchModeVector, SearchModeHybrid:
		return true
	}
	return false
}

// ScoreBreakdown carries the per-path scores that produced a result's final
// rank. Paths that did not contribute report zero.
type ScoreBreakdown struct {
	// Lexical is the normalized full-text relevance score in [0,1].
	Lexical float64 `json:"lexical"`

	// Vector is the cosine similarity of the query and item embeddings,
	// normalized to [0,1].
	Vector float64 `json:"vector"`

	// Fused is the weighted combination the result was ranked by.
	Fused float64 `json:"fused"`
}

// SearchResult is one ranked hit returned by a query.
type SearchResult struct {
	Item    *ContentItem   `json:"item"`
	Score   float64        `json:"score"`
	Scores  ScoreBreakdown `json:"scores"`
	Snippet string         `json:"snippet,omitempty"`
}

// SearchResponse is the full answer to a query.
type SearchResponse struct {
	Results []SearchResult `json:"results"`

	// Degraded is set when a hybrid query lost its vector path (index
	// unavailable or timed out) and fell back to lexical-only ranking.
	Degraded bool `json:"degraded"`

	// Warning carries a human-readable note when Degraded is set.
	Warning string `json:"warning,omitempty"`
}

// Stats summarizes the state of the store and its async pipelines.
type Stats struct {
	TotalItems    int64            `json:"total_items"`
	BySource      map[string]int64 `json:"by_source"`
	ByEntityType  map[string]int64 `json:"by_entity_type"`
	TotalEntities int64            `json:"total_entities"`
	TotalEdges    int64            `json:"total_edges"`

	// Embedding pipeline lag. PendingEmbeddings > 0 means recent captures
	// are not yet visible to vector search.
	PendingEmbeddings int64 `json:"pending_embeddings"`
	FailedEmbeddings  int64 `json:"failed_embeddings"`

	PendingExtractions int64 `json:"pending_extractions"`
	FailedExtractions  int64 `json:"failed_extractions"`
}
