package search

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"docengine/api/internal/store"
)

// searchVector must stay identical to the expression of documents_search_idx.
const searchVector = `to_tsvector('simple',
		coalesce(body->>'title', '') || ' ' ||
		coalesce(body->>'name', '') || ' ' ||
		coalesce(body->>'summary', '') || ' ' ||
		coalesce(body->>'text', ''))`

const searchAccessType = `CASE WHEN type = 'content' THEN COALESCE(body->>'parentType', '') ELSE type END`

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; when Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	countSQL, dataSQL, args, ok := buildSearchQuery(q)
	if !ok {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var docType, accessType string
		if err := rows.Scan(&r.ID, &docType, &accessType, &r.Title, &r.Snippet, &r.Language, &r.ParentID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = store.DocType(docType)
		r.AccessType = store.DocType(accessType)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// buildSearchQuery returns the count and data statements sharing args. It
// reports false for blank text or empty grants.
func buildSearchQuery(q Query) (string, string, []any, bool) {
	if strings.TrimSpace(q.Text) == "" {
		return "", "", nil, false
	}

	types := make([]string, 0, len(q.Grants))
	for docType, groups := range q.Grants {
		if len(groups) > 0 {
			types = append(types, string(docType))
		}
	}
	if len(types) == 0 {
		return "", "", nil, false
	}
	sort.Strings(types)

	args := []any{q.Text}
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}
	tsQuery := "plainto_tsquery('simple', $1)"

	grants := make([]string, 0, len(types))
	for _, docType := range types {
		grants = append(grants, fmt.Sprintf("((%s) = %s AND body->'memberOf' ?| %s::text[])",
			searchAccessType, arg(docType), arg(q.Grants[store.DocType(docType)])))
	}
	where := fmt.Sprintf("type IN ('post', 'tag', 'content') AND %s @@ %s AND (%s)",
		searchVector, tsQuery, strings.Join(grants, " OR "))

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	countSQL := "SELECT count(*) FROM documents WHERE " + where
	dataSQL := fmt.Sprintf(`SELECT id, type, %s AS access_type,
			coalesce(nullif(body->>'title', ''), body->>'name', '') AS title,
			ts_headline('simple', coalesce(nullif(body->>'summary', ''), body->>'text', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			coalesce(body->>'language', '') AS language,
			coalesce(body->>'parentId', '') AS parent_id
		FROM documents
		WHERE %s
		ORDER BY ts_rank(%s, %s) DESC, updated_time_utc DESC, id ASC
		LIMIT %d OFFSET %d`,
		searchAccessType, tsQuery, where, searchVector, tsQuery, limit, offset)
	return countSQL, dataSQL, args, true
}

// LoadAllRecords returns all searchable records for full reindexing.
func LoadAllRecords(ctx context.Context, st store.Store) ([]Record, error) {
	docs, _, err := st.Find(ctx, store.Selector{Types: Indexed})
	if err != nil {
		return nil, fmt.Errorf("load searchable documents: %w", err)
	}
	records := make([]Record, 0, len(docs))
	for _, doc := range docs {
		if record, ok := RecordFromDoc(doc); ok {
			records = append(records, record)
		}
	}
	return records, nil
}
