package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const accessTypeExpr = `CASE
	WHEN type = 'content' AND COALESCE(body->>'parentType', '') <> '' THEN body->>'parentType'
	WHEN type = 'change' AND COALESCE(body->>'docType', '') <> '' THEN body->>'docType'
	ELSE type END`

const scopeIDExpr = `CASE
	WHEN type = 'change' AND COALESCE(body->>'docId', '') <> '' THEN body->>'docId'
	ELSE id END`

// PostgresStore keeps each document as a JSONB body next to the columns the
// engine filters and orders on.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Doc, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE id=$1`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return decodeBody(body)
}

func (s *PostgresStore) GetMany(ctx context.Context, ids []string) ([]Doc, error) {
	if len(ids) == 0 {
		return []Doc{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM documents WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	return scanBodies(rows)
}

func (s *PostgresStore) Find(ctx context.Context, sel Selector) ([]Doc, []string, error) {
	query, args := buildFindQuery(sel)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("find documents: %w", err)
	}
	items, err := scanBodies(rows)
	if err != nil {
		return nil, nil, err
	}
	return items, nil, nil
}

func buildFindQuery(sel Selector) (string, []any) {
	var args []any
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	var where []string
	if len(sel.IDs) > 0 {
		where = append(where, "id = ANY("+arg(sel.IDs)+")")
	}
	if len(sel.Types) > 0 {
		types := arg(docTypeStrings(sel.Types))
		where = append(where, fmt.Sprintf("(type = ANY(%s) OR (type = 'content' AND body->>'parentType' = ANY(%s)))", types, types))
	}
	if sel.ContentOnly {
		where = append(where, "type = 'content'")
	}
	if len(sel.Languages) > 0 {
		where = append(where, "(type = 'content' AND body->>'language' = ANY("+arg(sel.Languages)+"))")
	}
	if sel.ParentID != "" {
		where = append(where, "body->>'parentId' = "+arg(sel.ParentID))
	}
	if sel.From != nil {
		where = append(where, "updated_time_utc >= "+arg(*sel.From))
	}
	if sel.To != nil {
		where = append(where, "updated_time_utc <= "+arg(*sel.To))
	}
	if sel.Access != nil {
		var grants []string
		if len(sel.Access.Unscoped) > 0 {
			grants = append(grants, fmt.Sprintf("(%s) = ANY(%s)", accessTypeExpr, arg(docTypeStrings(sel.Access.Unscoped))))
		}
		for docType, ids := range sel.Access.ByID {
			if len(ids) == 0 {
				continue
			}
			grants = append(grants, fmt.Sprintf("((%s) = %s AND (%s) = ANY(%s))", accessTypeExpr, arg(string(docType)), scopeIDExpr, arg(ids)))
		}
		for docType, groups := range sel.Access.ByMember {
			if len(groups) == 0 {
				continue
			}
			grants = append(grants, fmt.Sprintf("((%s) = %s AND body->'memberOf' ?| %s::text[])", accessTypeExpr, arg(string(docType)), arg(groups)))
		}
		if len(grants) == 0 {
			where = append(where, "FALSE")
		} else {
			where = append(where, "("+strings.Join(grants, " OR ")+")")
		}
	}

	query := "SELECT body FROM documents"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	order := make([]string, 0, len(sel.Sort)+2)
	for _, field := range sel.Sort {
		direction := "ASC"
		if field.Desc {
			direction = "DESC"
		}
		switch field.Field {
		case FieldUpdatedTime:
			order = append(order, "updated_time_utc "+direction)
		case FieldID:
			order = append(order, "id "+direction)
		default:
			order = append(order, fmt.Sprintf("body->(%s::text) %s", arg(field.Field), direction))
		}
	}
	order = append(order, "updated_time_utc ASC", "id ASC")
	query += " ORDER BY " + strings.Join(order, ", ")

	if sel.Limit > 0 {
		query += " LIMIT " + arg(sel.Limit)
	}
	return query, args
}

func (s *PostgresStore) Put(ctx context.Context, doc Doc, expectedRev string) (Doc, error) {
	id := doc.ID()
	if id == "" {
		return nil, ErrMissingID
	}
	written := doc.Clone()
	rev, err := NextRev(expectedRev, written)
	if err != nil {
		return nil, err
	}
	written[FieldRev] = rev
	body, err := json.Marshal(written)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	var result sql.Result
	if expectedRev == "" {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO documents (id, rev, type, updated_time_utc, body)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, id, rev, string(written.Type()), written.UpdatedTime(), body)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE documents SET rev=$2, type=$3, updated_time_utc=$4, body=$5
			WHERE id=$1 AND rev=$6
		`, id, rev, string(written.Type()), written.UpdatedTime(), body, expectedRev)
	}
	if err != nil {
		return nil, fmt.Errorf("put document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("put document rows: %w", err)
	}
	if affected == 0 {
		return nil, ErrConflict
	}
	return written, nil
}

func (s *PostgresStore) LatestUpdatedTime(ctx context.Context) (int64, error) {
	var latest int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(updated_time_utc), 0) FROM documents`).Scan(&latest); err != nil {
		return 0, fmt.Errorf("latest updated time: %w", err)
	}
	return latest, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanBodies(rows *sql.Rows) ([]Doc, error) {
	defer rows.Close()
	items := make([]Doc, 0)
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		doc, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		items = append(items, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func decodeBody(body []byte) (Doc, error) {
	var doc Doc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode document body: %w", err)
	}
	return doc, nil
}

func docTypeStrings(types []DocType) []string {
	out := make([]string, len(types))
	for i, docType := range types {
		out[i] = string(docType)
	}
	return out
}
