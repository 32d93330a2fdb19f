package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/unifiedai/recall/internal/engine"
	"github.com/unifiedai/recall/internal/storage"
	"github.com/unifiedai/recall/pkg/types"
)

// pendingBacklogWarnAt is the embedding backlog size above which /api/stats
// starts warning that vector results lag recent captures.
const pendingBacklogWarnAt = 100

// Handlers contains the HTTP handlers for the REST API. Request deadlines
// come from the timeout middleware in front of the mux, not from the
// handlers themselves.
type Handlers struct {
	engine *engine.Engine
}

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// AddRequest is the request body for POST /api/add.
type AddRequest struct {
	Text     string           `json:"text"`
	Source   types.SourceType `json:"source"`
	Metadata types.Metadata   `json:"metadata,omitempty"`
}

// AddResponse is the response for POST /api/add.
type AddResponse struct {
	Item      *types.ContentItem `json:"item"`
	Duplicate bool               `json:"duplicate"`
}

// ItemsResponse is the response for GET /api/items.
type ItemsResponse struct {
	Items      []*types.ContentItem `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

// EntityItemsResponse is the response for GET /api/entities/{id}/items.
type EntityItemsResponse struct {
	EntityID string   `json:"entity_id"`
	ItemIDs  []string `json:"item_ids"`
}

// NeighborsResponse is the response for GET /api/entities/{id}/neighbors.
type NeighborsResponse struct {
	EntityID  string           `json:"entity_id"`
	Neighbors []types.Neighbor `json:"neighbors"`
}

// IndexHealth reports whether the async indexes are keeping up with ingest.
type IndexHealth struct {
	Status   string   `json:"status"`
	Warnings []string `json:"warnings,omitempty"`
}

// StatsResponse is the response for GET /api/stats.
type StatsResponse struct {
	*types.Stats
	IndexHealth IndexHealth `json:"index_health"`
}

// Add handles POST /api/add.
func (h *Handlers) Add(w http.ResponseWriter, r *http.Request) {
	var req AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body", err)
		return
	}

	item, duplicate, err := h.engine.Add(r.Context(), req.Text, req.Source, req.Metadata)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	status := http.StatusCreated
	if duplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, AddResponse{Item: item, Duplicate: duplicate})
}

// Search handles GET /api/search.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := storage.SearchOptions{
		Limit:  parseInt(q.Get("limit"), 0),
		Source: types.SourceType(q.Get("source")),
	}
	var err error
	if opts.Since, err = parseTime(q.Get("since")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid since timestamp", err)
		return
	}
	if opts.Until, err = parseTime(q.Get("until")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid until timestamp", err)
		return
	}

	resp, err := h.engine.Search(r.Context(), q.Get("q"), types.SearchMode(q.Get("mode")), opts)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListItems handles GET /api/items.
func (h *Handlers) ListItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	opts := storage.ListOptions{
		Limit:  parseInt(q.Get("limit"), 0),
		Cursor: q.Get("cursor"),
		Source: types.SourceType(q.Get("source")),
	}
	var err error
	if opts.Since, err = parseTime(q.Get("since")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid since timestamp", err)
		return
	}
	if opts.Until, err = parseTime(q.Get("until")); err != nil {
		respondError(w, http.StatusBadRequest, "invalid until timestamp", err)
		return
	}

	page, err := h.engine.List(r.Context(), opts)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ItemsResponse{Items: page.Items, NextCursor: page.NextCursor})
}

// GetItem handles GET /api/items/{id}.
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "item ID is required", nil)
		return
	}

	item, err := h.engine.Get(r.Context(), id)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// TopEntities handles GET /api/entities/top.
func (h *Handlers) TopEntities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	typ := types.EntityType(q.Get("type"))
	if typ != "" && !types.IsValidEntityType(typ) {
		respondError(w, http.StatusBadRequest, "unknown entity type", nil)
		return
	}

	entities, err := h.engine.TopEntities(r.Context(), typ, parseInt(q.Get("limit"), 20))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"entities": entities})
}

// Neighbors handles GET /api/entities/{id}/neighbors.
func (h *Handlers) Neighbors(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "entity ID is required", nil)
		return
	}

	neighbors, err := h.engine.Neighbors(r.Context(), id, parseInt(r.URL.Query().Get("limit"), 20))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if neighbors == nil {
		neighbors = []types.Neighbor{}
	}
	respondJSON(w, http.StatusOK, NeighborsResponse{EntityID: id, Neighbors: neighbors})
}

// EntityItems handles GET /api/entities/{id}/items.
func (h *Handlers) EntityItems(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "entity ID is required", nil)
		return
	}

	ids, err := h.engine.EntityItems(r.Context(), id, parseInt(r.URL.Query().Get("limit"), 20))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, EntityItemsResponse{EntityID: id, ItemIDs: ids})
}

// Stats handles GET /api/stats.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		respondEngineError(w, err)
		return
	}

	health := IndexHealth{Status: "ok"}
	if stats.PendingEmbeddings > pendingBacklogWarnAt {
		health.Status = "lagging"
		health.Warnings = append(health.Warnings,
			"embedding backlog of "+strconv.FormatInt(stats.PendingEmbeddings, 10)+
				" items; recent captures are not yet vector-searchable")
	}
	if stats.FailedEmbeddings > 0 {
		health.Warnings = append(health.Warnings,
			strconv.FormatInt(stats.FailedEmbeddings, 10)+" items failed embedding")
	}
	if stats.FailedExtractions > 0 {
		health.Warnings = append(health.Warnings,
			strconv.FormatInt(stats.FailedExtractions, 10)+" items failed entity extraction")
	}

	respondJSON(w, http.StatusOK, StatsResponse{Stats: stats, IndexHealth: health})
}

// respondEngineError maps engine and storage errors onto HTTP status codes.
func respondEngineError(w http.ResponseWriter, err error) {
	var (
		valErr   *types.ValidationError
		synErr   *types.QuerySyntaxError
		availErr *types.EngineUnavailableError
	)
	switch {
	case errors.As(err, &valErr), errors.As(err, &synErr),
		errors.Is(err, storage.ErrInvalidInput), errors.Is(err, storage.ErrBadCursor):
		respondError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found", nil)
	case errors.As(err, &availErr), errors.Is(err, types.ErrEngineClosed):
		respondError(w, http.StatusServiceUnavailable, err.Error(), nil)
	case errors.Is(err, types.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "request timed out", nil)
	default:
		// Internal details stay in the log, not in the response body.
		log.Printf("server: internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

// parseInt parses an integer from a string, returning defaultValue if parsing fails.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// parseTime parses an RFC 3339 timestamp; empty input yields the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers already sent; nothing to do but log.
		log.Printf("server: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]interface{}{"error": err.Error()}
	}
	respondJSON(w, statusCode, errResp)
}
