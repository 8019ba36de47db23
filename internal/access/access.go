// Package access turns a caller-supplied access map into the group sets that
// grant visibility per document type. It never expands group membership
// transitively; the authorization collaborator pre-expands grants.
package access

import (
	"docengine/api/internal/store"
)

// Map is the per-request grant of visible group ids keyed by document type.
type Map map[store.DocType][]string

type Scope int

const (
	// ScopeMember types are visible through their memberOf set.
	ScopeMember Scope = iota
	// ScopeSelf types are visible when their own id is a granted group.
	ScopeSelf
	// ScopeNone types carry no group semantics and bypass access checks.
	ScopeNone
)

func ScopeOf(docType store.DocType) Scope {
	switch docType {
	case store.DocTypeGroup:
		return ScopeSelf
	case store.DocTypeLanguage, store.DocTypeRedirect:
		return ScopeNone
	default:
		return ScopeMember
	}
}

// KnownTypes are the types a query without an explicit type list covers.
var KnownTypes = []store.DocType{
	store.DocTypeUser,
	store.DocTypeGroup,
	store.DocTypePost,
	store.DocTypeTag,
	store.DocTypeLanguage,
	store.DocTypeContent,
	store.DocTypeChange,
	store.DocTypeRedirect,
}

// VisibleGroups returns the ordered, de-duplicated groups granted for a type.
// A type without an entry yields an empty set.
func VisibleGroups(m Map, docType store.DocType) []string {
	if m == nil {
		return []string{}
	}
	return dedupe(m[docType])
}

// Resolve computes VisibleGroups for every requested type.
func Resolve(m Map, types []store.DocType) map[store.DocType][]string {
	out := make(map[store.DocType][]string, len(types))
	for _, docType := range types {
		out[docType] = VisibleGroups(m, docType)
	}
	return out
}

// Narrow intersects the visible set with an explicit group filter. A nil
// filter leaves the visible set unchanged; the result is never wider than
// visible.
func Narrow(visible, explicit []string) []string {
	if explicit == nil {
		return visible
	}
	allowed := make(map[string]struct{}, len(explicit))
	for _, group := range explicit {
		allowed[group] = struct{}{}
	}
	out := make([]string, 0, len(visible))
	for _, group := range visible {
		if _, ok := allowed[group]; ok {
			out = append(out, group)
		}
	}
	return out
}

// GroupIDs returns the Group documents the map grants visibility into.
func GroupIDs(m Map) []string {
	return VisibleGroups(m, store.DocTypeGroup)
}

// Grants reports whether m makes any type among types visible. An empty
// types list checks every type in m. Content and change records are checked
// as another type, so any group grant counts for them. A type without group
// semantics counts once m grants any group-scoped type or names it directly.
func Grants(m Map, types []store.DocType) bool {
	if len(types) == 0 {
		return grantsAny(m) || grantsUnscoped(m)
	}
	for _, docType := range types {
		switch {
		case docType == store.DocTypeContent || docType == store.DocTypeChange:
			if grantsAny(m) {
				return true
			}
		case ScopeOf(docType) == ScopeNone:
			if unscopedVisible(m, docType) {
				return true
			}
		case len(VisibleGroups(m, docType)) > 0:
			return true
		}
	}
	return false
}

func grantsAny(m Map) bool {
	for docType := range m {
		if ScopeOf(docType) != ScopeNone && len(VisibleGroups(m, docType)) > 0 {
			return true
		}
	}
	return false
}

func grantsUnscoped(m Map) bool {
	for docType := range m {
		if ScopeOf(docType) == ScopeNone && len(VisibleGroups(m, docType)) > 0 {
			return true
		}
	}
	return false
}

func unscopedVisible(m Map, docType store.DocType) bool {
	return grantsAny(m) || len(VisibleGroups(m, docType)) > 0
}

// Filter builds the access part of a store selector. Rules cover every known
// type plus any custom type present in the map; documents are checked by
// their access type. Explicit groups narrow member-scoped types only.
// Unscoped types pass once the map grants a group-scoped type or names the
// unscoped type itself.
func Filter(m Map, explicitGroups []string) *store.AccessFilter {
	types := append([]store.DocType{}, KnownTypes...)
	for docType := range m {
		if !containsType(types, docType) {
			types = append(types, docType)
		}
	}
	filter := &store.AccessFilter{
		ByID:     map[store.DocType][]string{},
		ByMember: map[store.DocType][]string{},
	}
	for _, docType := range types {
		switch ScopeOf(docType) {
		case ScopeNone:
			if unscopedVisible(m, docType) {
				filter.Unscoped = append(filter.Unscoped, docType)
			}
		case ScopeSelf:
			filter.ByID[docType] = VisibleGroups(m, docType)
		default:
			filter.ByMember[docType] = Narrow(VisibleGroups(m, docType), explicitGroups)
		}
	}
	return filter
}

// CanSee reports whether a single document is visible under the map. It is
// used for live feeds where no store query is involved.
func CanSee(m Map, doc store.Doc) bool {
	return Filter(m, nil).Allows(doc)
}

func containsType(types []store.DocType, docType store.DocType) bool {
	for _, item := range types {
		if item == docType {
			return true
		}
	}
	return false
}

func dedupe(groups []string) []string {
	seen := make(map[string]struct{}, len(groups))
	out := make([]string, 0, len(groups))
	for _, group := range groups {
		if group == "" {
			continue
		}
		if _, ok := seen[group]; ok {
			continue
		}
		seen[group] = struct{}{}
		out = append(out, group)
	}
	return out
}
