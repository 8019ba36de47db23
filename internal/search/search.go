package search

import (
	"context"

	"docengine/api/internal/access"
	"docengine/api/internal/store"
)

// Indexed are the document types that reach the search index. Content
// documents of these types are indexed too.
var Indexed = []store.DocType{store.DocTypePost, store.DocTypeTag}

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string        `json:"id"`
	Type       store.DocType `json:"type"`
	AccessType store.DocType `json:"accessType"`
	Title      string        `json:"title"`
	Snippet    string        `json:"snippet"`
	Language   string        `json:"language,omitempty"`
	ParentID   string        `json:"parentId,omitempty"`
}

// Query describes a search request. Grants holds the visible groups per
// indexed type; a type without groups contributes no hits.
type Query struct {
	Text   string
	Grants map[store.DocType][]string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data we index for a document.
type Record struct {
	ID             string   `json:"id"`
	Type           string   `json:"type"`
	AccessType     string   `json:"accessType"`
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	Text           string   `json:"text"`
	Language       string   `json:"language,omitempty"`
	MemberOf       []string `json:"memberOf"`
	ParentID       string   `json:"parentId,omitempty"`
	UpdatedTimeUtc int64    `json:"updatedTimeUtc"`
}

// RecordFromDoc maps a stored document to its index record. It reports false
// for documents that are not searchable.
func RecordFromDoc(doc store.Doc) (Record, bool) {
	accessType := doc.AccessType()
	if !isIndexed(accessType) || doc.Type() == store.DocTypeChange {
		return Record{}, false
	}
	memberOf := doc.MemberOf()
	if memberOf == nil {
		memberOf = []string{}
	}
	return Record{
		ID:             doc.ID(),
		Type:           string(doc.Type()),
		AccessType:     string(accessType),
		Title:          firstNonBlank(doc.String("title"), doc.String("name")),
		Summary:        firstNonBlank(doc.String("summary"), doc.String("description")),
		Text:           firstNonBlank(doc.String("text"), doc.String("body")),
		Language:       doc.String(store.FieldLanguage),
		MemberOf:       memberOf,
		ParentID:       doc.String(store.FieldParentID),
		UpdatedTimeUtc: doc.UpdatedTime(),
	}, true
}

// GrantsFor resolves the access map into search grants.
func GrantsFor(m access.Map) map[store.DocType][]string {
	return access.Resolve(m, Indexed)
}

func isIndexed(docType store.DocType) bool {
	for _, candidate := range Indexed {
		if candidate == docType {
			return true
		}
	}
	return false
}
