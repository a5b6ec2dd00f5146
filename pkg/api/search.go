package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/testsabirweb/slack_archive/pkg/search"
)

// Search errors
var (
	ErrInvalidAlpha = errors.New("hybrid_alpha must be between 0 and 1")
	ErrInvalidLimit = errors.New("limit must be between 1 and 100")
)

// SearchRequest represents a hybrid search query
type SearchRequest struct {
	// Query is the search query text. An empty query matches nothing.
	Query string `json:"query"`

	// HybridAlpha balances lexical and vector ranking: 0 is pure
	// full-text, 1 is pure vector. Defaults to 0.5 when omitted.
	HybridAlpha *float64 `json:"hybrid_alpha,omitempty"`

	// Limit is the maximum number of results (default: 50, max: 100)
	Limit int `json:"limit,omitempty"`
}

// Validate checks the bounds and applies defaults.
func (r *SearchRequest) Validate() error {
	if r.HybridAlpha != nil && (*r.HybridAlpha < 0 || *r.HybridAlpha > 1) {
		return ErrInvalidAlpha
	}
	if r.Limit < 0 || r.Limit > search.MaxLimit {
		return ErrInvalidLimit
	}
	if r.Limit == 0 {
		r.Limit = search.DefaultLimit
	}
	return nil
}

// Alpha returns the mixing weight, defaulted when the request omits it.
func (r *SearchRequest) Alpha() float64 {
	if r.HybridAlpha == nil {
		return search.DefaultAlpha
	}
	return *r.HybridAlpha
}

// SearchResponse represents the search API response
type SearchResponse struct {
	// Ranked results, best first
	Results []search.Result `json:"results"`

	// Number of results returned
	Count int `json:"count"`

	// Echo of the query and the effective mixing weight
	Query string  `json:"query"`
	Alpha float64 `json:"hybrid_alpha"`

	// Query processing time in milliseconds
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}

// handleSearch runs a hybrid query. An empty query is not an error; it
// returns an empty result list.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	started := time.Now()
	results, err := s.searcher.Search(r.Context(), req.Query, req.Alpha(), req.Limit)
	if err != nil {
		s.logger.Error("search failed", "query", req.Query, "error", err)
		s.respondError(w, http.StatusInternalServerError, "search failed")
		return
	}

	s.respond(w, http.StatusOK, SearchResponse{
		Results:          results,
		Count:            len(results),
		Query:            req.Query,
		Alpha:            req.Alpha(),
		ProcessingTimeMs: time.Since(started).Milliseconds(),
	})
}
