package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"

	"docengine/api/internal/store"
)

const idxDocuments = "docengine_documents"

var errUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Searcher and the index writes via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error; the health loop picks it up later.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    logger.Named("search"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDocuments,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create index (may already exist)", zap.String("index", idxDocuments), zap.Error(err))
	}

	index := m.client.Index(idxDocuments)
	filterable := []interface{}{"accessType", "memberOf", "type", "language", "parentId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", zap.String("index", idxDocuments), zap.Error(err))
	}
	searchable := []string{"title", "summary", "text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", zap.String("index", idxDocuments), zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}
	filter, ok := meiliFilter(q.Grants)
	if !ok {
		return nil, 0, nil
	}

	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID:              idxDocuments,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			Filter:                filter,
			AttributesToHighlight: []string{"title", "summary", "text"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit))
		}
	}
	return results, total, nil
}

// meiliFilter renders the grants as one filter expression. It reports false
// when nothing is granted.
func meiliFilter(grants map[store.DocType][]string) (string, bool) {
	types := make([]string, 0, len(grants))
	for docType, groups := range grants {
		if len(groups) > 0 {
			types = append(types, string(docType))
		}
	}
	if len(types) == 0 {
		return "", false
	}
	sort.Strings(types)

	clauses := make([]string, 0, len(types))
	for _, docType := range types {
		groups := grants[store.DocType(docType)]
		quoted := make([]string, len(groups))
		for i, group := range groups {
			quoted[i] = fmt.Sprintf("%q", group)
		}
		clauses = append(clauses, fmt.Sprintf("(accessType = %q AND memberOf IN [%s])", docType, strings.Join(quoted, ", ")))
	}
	return strings.Join(clauses, " OR "), true
}

func hitToResult(hit meili.Hit) Result {
	return Result{
		ID:         decodeString(hit, "id"),
		Type:       store.DocType(decodeString(hit, "type")),
		AccessType: store.DocType(decodeString(hit, "accessType")),
		Title:      firstNonBlank(decodeFormattedString(hit, "title"), decodeString(hit, "title")),
		Snippet: firstNonBlank(
			decodeFormattedString(hit, "summary"),
			decodeFormattedString(hit, "text"),
			decodeString(hit, "summary"),
			decodeString(hit, "text"),
		),
		Language: decodeString(hit, "language"),
		ParentID: decodeString(hit, "parentId"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]any
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	value, _ := formatted[key].(string)
	return strings.TrimSpace(value)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func (m *Meili) IndexRecord(record Record) error {
	_, err := m.client.Index(idxDocuments).AddDocuments([]Record{record}, nil)
	return err
}

func (m *Meili) DeleteRecord(id string) error {
	_, err := m.client.Index(idxDocuments).DeleteDocument(id, nil)
	return err
}

// IndexRecords bulk-indexes records.
func (m *Meili) IndexRecords(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDocuments).AddDocuments(records, nil)
	return err
}
