package store

import (
	"bytes"
	"encoding/json"
	"sort"
)

type SortField struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc"`
}

// AccessFilter lists, per access type, which groups make a document visible.
// A type absent from all three lists is denied.
type AccessFilter struct {
	Unscoped []DocType
	ByID     map[DocType][]string
	ByMember map[DocType][]string
}

// Selector is the backend-neutral composite predicate executed by Find.
// Zero fields do not restrict.
type Selector struct {
	IDs         []string
	Types       []DocType
	ContentOnly bool
	Access      *AccessFilter
	Languages   []string
	ParentID    string
	From        *int64
	To          *int64
	Sort        []SortField
	Limit       int
}

func (f *AccessFilter) Allows(doc Doc) bool {
	if f == nil {
		return true
	}
	docType := doc.AccessType()
	for _, unscoped := range f.Unscoped {
		if unscoped == docType {
			return true
		}
	}
	if groups, ok := f.ByID[docType]; ok {
		return containsString(groups, doc.ScopeID())
	}
	if groups, ok := f.ByMember[docType]; ok {
		for _, member := range doc.MemberOf() {
			if containsString(groups, member) {
				return true
			}
		}
	}
	return false
}

// TypeMatches reports whether doc is one of types. Content documents also
// match through their parent type.
func TypeMatches(types []DocType, doc Doc) bool {
	if len(types) == 0 {
		return true
	}
	docType := doc.Type()
	for _, candidate := range types {
		if candidate == docType {
			return true
		}
		if docType == DocTypeContent && candidate == DocType(doc.String(FieldParentType)) {
			return true
		}
	}
	return false
}

func (s Selector) Match(doc Doc) bool {
	if len(s.IDs) > 0 && !containsString(s.IDs, doc.ID()) {
		return false
	}
	if !TypeMatches(s.Types, doc) {
		return false
	}
	if s.ContentOnly && doc.Type() != DocTypeContent {
		return false
	}
	if len(s.Languages) > 0 {
		if doc.Type() != DocTypeContent || !containsString(s.Languages, doc.String(FieldLanguage)) {
			return false
		}
	}
	if s.ParentID != "" && doc.String(FieldParentID) != s.ParentID {
		return false
	}
	if s.From != nil || s.To != nil {
		updated := doc.UpdatedTime()
		if s.From != nil && updated < *s.From {
			return false
		}
		if s.To != nil && updated > *s.To {
			return false
		}
	}
	return s.Access.Allows(doc)
}

// SortDocs orders docs by fields, then updatedTimeUtc ascending, then _id.
func SortDocs(docs []Doc, fields []SortField) {
	sort.SliceStable(docs, func(i, j int) bool {
		return Less(docs[i], docs[j], fields)
	})
}

func Less(a, b Doc, fields []SortField) bool {
	for _, field := range fields {
		cmp := CompareValues(a[field.Field], b[field.Field])
		if cmp == 0 {
			continue
		}
		if field.Desc {
			return cmp > 0
		}
		return cmp < 0
	}
	if at, bt := a.UpdatedTime(), b.UpdatedTime(); at != bt {
		return at < bt
	}
	return a.ID() < b.ID()
}

// CompareValues orders missing/null < bool < number < string < composite.
func CompareValues(a, b any) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch ra {
	case 0:
		return 0
	case 1:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case !ab:
			return -1
		default:
			return 1
		}
	case 2:
		af, bf := toFloat(a), toFloat(b)
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	case 3:
		as, bs := a.(string), b.(string)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	default:
		aj, _ := json.Marshal(a)
		bj, _ := json.Marshal(b)
		return bytes.Compare(aj, bj)
	}
}

func valueRank(value any) int {
	switch value.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int, int32, int64, float32, float64, json.Number:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func toFloat(value any) float64 {
	switch v := value.(type) {
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case float32:
		return float64(v)
	case float64:
		return v
	case json.Number:
		parsed, _ := v.Float64()
		return parsed
	default:
		return 0
	}
}

func containsString(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}
