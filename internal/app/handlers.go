package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"docengine/api/internal/access"
	"docengine/api/internal/docs"
	"docengine/api/internal/relay"
	"docengine/api/internal/search"
	"docengine/api/internal/store"
)

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"store": map[string]any{"status": "ok"},
	}
	if err := s.docs.Store().Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["store"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if s.relay != nil {
		checks["relay"] = map[string]any{"status": "ok"}
		if err := s.relay.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["relay"] = map[string]any{"status": "error", "error": err.Error()}
		}
	}
	if s.search != nil && s.search.Enabled() {
		checks["search"] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleGetDoc(w http.ResponseWriter, r *http.Request) {
	result, err := s.docs.GetDoc(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleGetDocs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs   []string        `json:"ids"`
		Types []store.DocType `json:"types"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.docs.GetDocs(r.Context(), body.IDs, body.Types)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleGetContent(w http.ResponseWriter, r *http.Request) {
	result, err := s.docs.GetContentByParentID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleGetGroups(w http.ResponseWriter, r *http.Request) {
	result, err := s.docs.GetGroups(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleGetUserGroups(w http.ResponseWriter, r *http.Request) {
	result, err := s.docs.GetUserGroups(r.Context(), claimsFrom(r.Context()).UserAccess)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleQuery always applies the token's access map; a userAccess in the
// body is ignored.
func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var opts docs.QueryOptions
	if err := decodeBody(r, &opts); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	opts.UserAccess = claimsFrom(r.Context()).UserAccess
	result, err := s.docs.QueryDocs(r.Context(), opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleUpsert(w http.ResponseWriter, r *http.Request) {
	var doc store.Doc
	if err := decodeBody(r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if doc == nil {
		doc = store.Doc{}
	}
	result, err := s.docs.UpsertDoc(r.Context(), doc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleWatermark(w http.ResponseWriter, r *http.Request) {
	latest, err := s.docs.LatestDocUpdatedTime(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response := map[string]any{"latestUpdatedTimeUtc": latest}
	if s.relay != nil {
		relayed, err := s.relay.Watermark(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		response["relayWatermark"] = relayed
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil || !s.search.Enabled() {
		writeError(w, http.StatusNotFound, "SEARCH_DISABLED", "Search is not configured", nil)
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	text := strings.TrimSpace(r.URL.Query().Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
		return
	}
	response := s.search.Search(r.Context(), search.Query{
		Text:   text,
		Grants: search.GrantsFor(claimsFrom(r.Context()).UserAccess),
		Limit:  limit,
		Offset: offset,
	})
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "HISTORY_DISABLED", "History is not configured", nil)
		return
	}
	limit, err := queryInt(r, "limit", 20)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	commits, err := s.history.History(chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (s *HTTPServer) handleHistoryVersion(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "HISTORY_DISABLED", "History is not configured", nil)
		return
	}
	doc, err := s.history.Version(chi.URLParam(r, "id"), chi.URLParam(r, "hash"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"doc": doc})
}

// handleChangesSince pages through the relay stream. next is the last entry
// read, visible or not, so callers never re-read filtered entries.
func (s *HTTPServer) handleChangesSince(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeError(w, http.StatusNotFound, "RELAY_DISABLED", "Change relay is not configured", nil)
		return
	}
	count, err := queryInt(r, "count", 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	after := strings.TrimSpace(r.URL.Query().Get("after"))
	entries, err := s.relay.Since(r.Context(), after, int64(count))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	userAccess := claimsFrom(r.Context()).UserAccess
	visible := make([]relay.Entry, 0, len(entries))
	next := after
	for _, entry := range entries {
		next = entry.ID
		if access.CanSee(userAccess, entry.Doc) {
			visible = append(visible, entry)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": visible, "next": next})
}
