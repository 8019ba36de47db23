package store

import (
	"context"
	"sync"
)

// MemoryStore keeps documents in process. Every read and write copies, so a
// reader never observes a partially applied document.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]Doc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Doc)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *MemoryStore) GetMany(ctx context.Context, ids []string) ([]Doc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Doc, 0, len(ids))
	for _, id := range ids {
		if doc, ok := s.docs[id]; ok {
			items = append(items, doc.Clone())
		}
	}
	return items, nil
}

func (s *MemoryStore) Find(ctx context.Context, sel Selector) ([]Doc, []string, error) {
	s.mu.RLock()
	items := make([]Doc, 0)
	for _, doc := range s.docs {
		if sel.Match(doc) {
			items = append(items, doc.Clone())
		}
	}
	s.mu.RUnlock()

	SortDocs(items, sel.Sort)
	if sel.Limit > 0 && len(items) > sel.Limit {
		items = items[:sel.Limit]
	}
	return items, nil, nil
}

func (s *MemoryStore) Put(ctx context.Context, doc Doc, expectedRev string) (Doc, error) {
	id := doc.ID()
	if id == "" {
		return nil, ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.docs[id]
	switch {
	case !exists && expectedRev != "":
		return nil, ErrConflict
	case exists && current.Rev() != expectedRev:
		return nil, ErrConflict
	}

	written := doc.Clone()
	rev, err := NextRev(expectedRev, written)
	if err != nil {
		return nil, err
	}
	written[FieldRev] = rev
	s.docs[id] = written
	return written.Clone(), nil
}

func (s *MemoryStore) LatestUpdatedTime(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest int64
	for _, doc := range s.docs {
		if updated := doc.UpdatedTime(); updated > latest {
			latest = updated
		}
	}
	return latest, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Seed writes documents verbatim, bypassing revision checks. Used for
// fixtures and bulk imports.
func (s *MemoryStore) Seed(docs ...Doc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range docs {
		written := doc.Clone()
		if written.Rev() == "" {
			if rev, err := NextRev("", written); err == nil {
				written[FieldRev] = rev
			}
		}
		s.docs[written.ID()] = written
	}
}
