package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"docengine/api/internal/access"
	"docengine/api/internal/auth"
	"docengine/api/internal/docs"
	"docengine/api/internal/store"
)

var testSecret = []byte("test-secret")

func seedDocs() []store.Doc {
	return []store.Doc{
		{store.FieldID: "group-a", store.FieldType: "group", store.FieldUpdatedTime: int64(100), "name": "A"},
		{store.FieldID: "group-b", store.FieldType: "group", store.FieldUpdatedTime: int64(110), "name": "B"},
		{store.FieldID: "post-a", store.FieldType: "post", store.FieldMemberOf: []string{"group-a"}, store.FieldUpdatedTime: int64(200), "title": "A post"},
		{store.FieldID: "post-b", store.FieldType: "post", store.FieldMemberOf: []string{"group-b"}, store.FieldUpdatedTime: int64(300), "title": "B post"},
		{store.FieldID: "content-a", store.FieldType: "content", store.FieldParentID: "post-a", store.FieldParentType: "post", store.FieldMemberOf: []string{"group-a"}, store.FieldUpdatedTime: int64(210)},
	}
}

func newTestServer(t *testing.T, opts Options) (*HTTPServer, *docs.Service) {
	t.Helper()
	st := store.NewMemoryStore()
	st.Seed(seedDocs()...)
	svc := docs.NewService(st, docs.Options{})
	t.Cleanup(svc.Close)
	opts.Docs = svc
	opts.JWTSecret = testSecret
	return NewHTTPServer(opts), svc
}

func tokenFor(t *testing.T, userAccess access.Map) string {
	t.Helper()
	claims := auth.Claims{UserAccess: userAccess}
	claims.Subject = "user-1"
	token, err := auth.IssueToken(testSecret, claims, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func groupAAccess() access.Map {
	return access.Map{
		store.DocTypePost:  {"group-a"},
		store.DocTypeGroup: {"group-a"},
	}
}

func do(t *testing.T, server *HTTPServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &payload)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return response
}

func docIDs(t *testing.T, response map[string]any) []string {
	t.Helper()
	raw, ok := response["docs"].([]any)
	if !ok {
		t.Fatalf("response has no docs array: %v", response)
	}
	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		doc, _ := item.(map[string]any)
		id, _ := doc[store.FieldID].(string)
		ids = append(ids, id)
	}
	return ids
}

func TestHealthAndReady(t *testing.T) {
	server, _ := newTestServer(t, Options{})

	rr := do(t, server, http.MethodGet, "/api/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}
	if decode(t, rr)["ok"] != true {
		t.Fatalf("health body = %s", rr.Body.String())
	}
	if id := rr.Header().Get("X-Request-ID"); !strings.HasPrefix(id, "req-") {
		t.Fatalf("X-Request-ID = %q, want a generated req- id", id)
	}

	rr = do(t, server, http.MethodGet, "/api/ready", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("ready status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if decode(t, rr)["status"] != "ready" {
		t.Fatalf("ready body = %s", rr.Body.String())
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server, _ := newTestServer(t, Options{})

	rr := do(t, server, http.MethodGet, "/api/groups", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token status = %d, want 401", rr.Code)
	}

	rr = do(t, server, http.MethodGet, "/api/groups", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d, want 401", rr.Code)
	}
	if decode(t, rr)["code"] != "UNAUTHORIZED" {
		t.Fatalf("bad token body = %s", rr.Body.String())
	}
}

func TestGetDocMissingIsEmptyList(t *testing.T) {
	server, _ := newTestServer(t, Options{})
	token := tokenFor(t, access.Map{})

	rr := do(t, server, http.MethodGet, "/api/docs/missing", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ids := docIDs(t, decode(t, rr)); len(ids) != 0 {
		t.Fatalf("docs = %v, want empty", ids)
	}

	rr = do(t, server, http.MethodGet, "/api/docs/post-a", token, nil)
	if ids := docIDs(t, decode(t, rr)); len(ids) != 1 || ids[0] != "post-a" {
		t.Fatalf("docs = %v, want [post-a]", ids)
	}
}

func TestBatchAndContentRoutes(t *testing.T) {
	server, _ := newTestServer(t, Options{})
	token := tokenFor(t, access.Map{})

	rr := do(t, server, http.MethodPost, "/api/docs/batch", token, map[string]any{
		"ids":   []string{"post-b", "group-a", "post-a"},
		"types": []string{"post"},
	})
	ids := docIDs(t, decode(t, rr))
	if len(ids) != 2 || ids[0] != "post-b" || ids[1] != "post-a" {
		t.Fatalf("batch docs = %v, want [post-b post-a]", ids)
	}

	rr = do(t, server, http.MethodGet, "/api/docs/post-a/content", token, nil)
	ids = docIDs(t, decode(t, rr))
	if len(ids) != 1 || ids[0] != "content-a" {
		t.Fatalf("content docs = %v", ids)
	}
}

func TestGroupRoutes(t *testing.T) {
	server, _ := newTestServer(t, Options{})
	token := tokenFor(t, groupAAccess())

	rr := do(t, server, http.MethodGet, "/api/groups", token, nil)
	if ids := docIDs(t, decode(t, rr)); len(ids) != 2 {
		t.Fatalf("groups = %v, want both", ids)
	}

	rr = do(t, server, http.MethodGet, "/api/user-groups", token, nil)
	if ids := docIDs(t, decode(t, rr)); len(ids) != 1 || ids[0] != "group-a" {
		t.Fatalf("user groups = %v, want [group-a]", ids)
	}
}

func TestQueryUsesTokenAccess(t *testing.T) {
	server, _ := newTestServer(t, Options{})
	token := tokenFor(t, groupAAccess())

	rr := do(t, server, http.MethodPost, "/api/query", token, map[string]any{
		"types":      []string{"post"},
		"userAccess": map[string]any{"post": []string{"group-a", "group-b"}},
		"sort":       []map[string]string{{"updatedTimeUtc": "asc"}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	response := decode(t, rr)
	if _, ok := response["warnings"]; ok {
		t.Fatalf("warnings leaked: %v", response)
	}
	ids := docIDs(t, response)
	if len(ids) != 2 || ids[0] != "post-a" || ids[1] != "content-a" {
		t.Fatalf("query docs = %v, want [post-a content-a]", ids)
	}

	rr = do(t, server, http.MethodPost, "/api/query", token, map[string]any{"sort": "bad"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad sort status = %d, want 400", rr.Code)
	}
}

func TestQueryWithEmptyBody(t *testing.T) {
	server, _ := newTestServer(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/api/query", nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, groupAAccess()))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	found := false
	for _, id := range docIDs(t, decode(t, rr)) {
		if id == "post-a" {
			found = true
		}
	}
	if !found {
		t.Fatalf("empty query did not return post-a: %s", rr.Body.String())
	}
}

func TestUpsertRoute(t *testing.T) {
	server, _ := newTestServer(t, Options{})
	token := tokenFor(t, access.Map{})

	rr := do(t, server, http.MethodPost, "/api/docs", token, map[string]any{"val": "a"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing id status = %d, want 422", rr.Code)
	}
	if decode(t, rr)["code"] != "INVALID_DOCUMENT" {
		t.Fatalf("missing id body = %s", rr.Body.String())
	}

	rr = do(t, server, http.MethodPost, "/api/docs", token, map[string]any{"_id": "x", "val": "a"})
	if rr.Code != http.StatusOK {
		t.Fatalf("insert status = %d, body = %s", rr.Code, rr.Body.String())
	}
	changes, _ := decode(t, rr)["changes"].(map[string]any)
	if changes["val"] != "a" || changes[store.FieldID] != "x" {
		t.Fatalf("insert changes = %v", changes)
	}

	rr = do(t, server, http.MethodPost, "/api/docs", token, map[string]any{"_id": "x", "val": "a"})
	response := decode(t, rr)
	if response["message"] != docs.IdenticalMessage {
		t.Fatalf("identical response = %v", response)
	}
	if _, ok := response["changes"]; ok {
		t.Fatalf("identical response carries changes: %v", response)
	}

	rr = do(t, server, http.MethodPost, "/api/docs", token, map[string]any{"_id": "x", "val": "b"})
	changes, _ = decode(t, rr)["changes"].(map[string]any)
	if len(changes) != 2 || changes["val"] != "b" {
		t.Fatalf("update changes = %v, want val and _id", changes)
	}
}

func TestWatermarkRoute(t *testing.T) {
	server, svc := newTestServer(t, Options{})
	token := tokenFor(t, access.Map{})

	rr := do(t, server, http.MethodGet, "/api/watermark", token, nil)
	if got := decode(t, rr)["latestUpdatedTimeUtc"]; got != float64(300) {
		t.Fatalf("watermark = %v, want 300", got)
	}

	if _, err := svc.UpsertDoc(context.Background(), store.Doc{store.FieldID: "later", "val": 1}); err != nil {
		t.Fatalf("UpsertDoc() error = %v", err)
	}
	rr = do(t, server, http.MethodGet, "/api/watermark", token, nil)
	if got, _ := decode(t, rr)["latestUpdatedTimeUtc"].(float64); got <= 300 {
		t.Fatalf("watermark = %v, want > 300", got)
	}
}

func TestOptionalBackendsReportDisabled(t *testing.T) {
	server, _ := newTestServer(t, Options{})
	token := tokenFor(t, access.Map{})

	for path, code := range map[string]string{
		"/api/search?q=hello":       "SEARCH_DISABLED",
		"/api/docs/post-a/history":  "HISTORY_DISABLED",
		"/api/changes/since?after=": "RELAY_DISABLED",
	} {
		rr := do(t, server, http.MethodGet, path, token, nil)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("%s status = %d, want 404", path, rr.Code)
		}
		if decode(t, rr)["code"] != code {
			t.Fatalf("%s body = %s", path, rr.Body.String())
		}
	}
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	server, _ := newTestServer(t, Options{})
	rr := do(t, server, http.MethodGet, "/api/nope", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rr.Code)
	}
	if decode(t, rr)["code"] != "NOT_FOUND" {
		t.Fatalf("body = %s", rr.Body.String())
	}
}
