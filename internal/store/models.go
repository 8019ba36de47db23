package store

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

type DocType string

const (
	DocTypeUser     DocType = "user"
	DocTypeGroup    DocType = "group"
	DocTypePost     DocType = "post"
	DocTypeTag      DocType = "tag"
	DocTypeLanguage DocType = "language"
	DocTypeContent  DocType = "content"
	DocTypeChange   DocType = "change"
	DocTypeRedirect DocType = "redirect"
)

const (
	FieldID          = "_id"
	FieldRev         = "_rev"
	FieldType        = "type"
	FieldMemberOf    = "memberOf"
	FieldUpdatedTime = "updatedTimeUtc"
	FieldParentID    = "parentId"
	FieldParentType  = "parentType"
	FieldLanguage    = "language"
	FieldDocID       = "docId"
	FieldDocType     = "docType"
	FieldChange      = "change"
)

// Doc is an open field map. Values are JSON-shaped.
type Doc map[string]any

func (d Doc) ID() string {
	value, _ := d[FieldID].(string)
	return value
}

func (d Doc) Rev() string {
	value, _ := d[FieldRev].(string)
	return value
}

func (d Doc) Type() DocType {
	value, _ := d[FieldType].(string)
	return DocType(value)
}

func (d Doc) String(field string) string {
	value, _ := d[field].(string)
	return value
}

// ScopeID is the id self-scoped access is checked against: the described
// document's id for a Change record, the document's own id otherwise.
func (d Doc) ScopeID() string {
	if d.Type() == DocTypeChange {
		if id := d.String(FieldDocID); id != "" {
			return id
		}
	}
	return d.ID()
}

// AccessType is the type a document is access-checked and type-filtered as.
// Content documents inherit their parent's type, change records the type of
// the document they describe.
func (d Doc) AccessType() DocType {
	switch d.Type() {
	case DocTypeContent:
		if parent := d.String(FieldParentType); parent != "" {
			return DocType(parent)
		}
	case DocTypeChange:
		if docType := d.String(FieldDocType); docType != "" {
			return DocType(docType)
		}
	}
	return d.Type()
}

func (d Doc) MemberOf() []string {
	switch value := d[FieldMemberOf].(type) {
	case []string:
		return value
	case []any:
		groups := make([]string, 0, len(value))
		for _, item := range value {
			if group, ok := item.(string); ok {
				groups = append(groups, group)
			}
		}
		return groups
	default:
		return nil
	}
}

// UpdatedTime returns updatedTimeUtc in UTC milliseconds, 0 when unset.
func (d Doc) UpdatedTime() int64 {
	value, ok := Int64(d[FieldUpdatedTime])
	if !ok {
		return 0
	}
	return value
}

// Clone returns a deep copy so callers never share nested maps or slices
// with a store.
func (d Doc) Clone() Doc {
	if d == nil {
		return nil
	}
	out := make(Doc, len(d))
	for key, value := range d {
		out[key] = cloneValue(value)
	}
	return out
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = cloneValue(item)
		}
		return out
	case Doc:
		return v.Clone()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	default:
		return v
	}
}

// Int64 converts the numeric shapes produced by encoding/json, bson and
// callers into an int64.
func Int64(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return int64(v), true
	case float32:
		return int64(v), true
	case json.Number:
		if parsed, err := v.Int64(); err == nil {
			return parsed, true
		}
		parsed, err := strconv.ParseFloat(string(v), 64)
		if err != nil {
			return 0, false
		}
		return int64(parsed), true
	default:
		return 0, false
	}
}

func NowMillis() int64 {
	return time.Now().UTC().UnixMilli()
}
