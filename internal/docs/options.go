package docs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"docengine/api/internal/access"
	"docengine/api/internal/store"
)

// QueryOptions drives QueryDocs. UserAccess is required for any result; a
// nil Groups means every group the access map grants.
type QueryOptions struct {
	Types       []store.DocType `json:"types,omitempty"`
	Groups      []string        `json:"groups,omitempty"`
	UserAccess  access.Map      `json:"userAccess,omitempty"`
	ContentOnly bool            `json:"contentOnly,omitempty"`
	Languages   []string        `json:"languages,omitempty"`
	From        *int64          `json:"from,omitempty"`
	To          *int64          `json:"to,omitempty"`
	Sort        Sort            `json:"sort,omitempty"`
	Limit       int             `json:"limit,omitempty"`
}

// Sort accepts both {"field":"updatedTimeUtc","desc":true} and the shorthand
// {"updatedTimeUtc":"desc"} per entry.
type Sort []store.SortField

func (s *Sort) UnmarshalJSON(data []byte) error {
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("sort must be an array of objects: %w", err)
	}
	out := make(Sort, 0, len(raw))
	for _, entry := range raw {
		if fieldRaw, ok := entry["field"]; ok {
			var field store.SortField
			if err := json.Unmarshal(fieldRaw, &field.Field); err != nil {
				return fmt.Errorf("sort field: %w", err)
			}
			if descRaw, ok := entry["desc"]; ok {
				if err := json.Unmarshal(descRaw, &field.Desc); err != nil {
					return fmt.Errorf("sort desc: %w", err)
				}
			}
			out = append(out, field)
			continue
		}
		if len(entry) != 1 {
			return errors.New("sort entry must name exactly one field")
		}
		for name, dirRaw := range entry {
			var direction string
			if err := json.Unmarshal(dirRaw, &direction); err != nil {
				return fmt.Errorf("sort direction for %s: %w", name, err)
			}
			switch strings.ToLower(direction) {
			case "asc":
				out = append(out, store.SortField{Field: name})
			case "desc":
				out = append(out, store.SortField{Field: name, Desc: true})
			default:
				return fmt.Errorf("sort direction for %s must be asc or desc", name)
			}
		}
	}
	*s = out
	return nil
}
