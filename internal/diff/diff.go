// Package diff computes field-level change sets between a stored document and
// an incoming one.
package diff

import (
	"bytes"
	"encoding/json"

	"docengine/api/internal/store"
)

// ChangeSet maps a field name to its new value.
type ChangeSet map[string]any

// bookkeeping fields are owned by the engine and never part of a change.
var bookkeeping = map[string]bool{
	store.FieldID:          true,
	store.FieldRev:         true,
	store.FieldUpdatedTime: true,
}

// Compare returns the fields of incoming that differ from existing. A nil
// existing document means every meaningful incoming field is new. identical
// is true when nothing remains after exclusions.
func Compare(existing, incoming store.Doc) (changes ChangeSet, identical bool) {
	changes = ChangeSet{}
	for field, value := range incoming {
		if bookkeeping[field] {
			continue
		}
		current, present := existing[field]
		if value == nil && (!present || current == nil) {
			continue
		}
		if present && Equal(current, value) {
			continue
		}
		changes[field] = value
	}
	if existing == nil && len(changes) == 0 {
		// A brand new document is never identical to nothing.
		return changes, false
	}
	return changes, len(changes) == 0
}

// Merge applies incoming on top of existing. Incoming wins on every field it
// carries, fields it omits are preserved. Neither argument is mutated.
func Merge(existing, incoming store.Doc) store.Doc {
	merged := existing.Clone()
	if merged == nil {
		merged = store.Doc{}
	}
	for field, value := range incoming.Clone() {
		if field == store.FieldRev {
			continue
		}
		merged[field] = value
	}
	return merged
}

// Equal compares two JSON-shaped values by their canonical encoding, so 1 and
// 1.0 or []string and []any with the same items are equal.
func Equal(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}
