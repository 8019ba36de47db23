package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrMissingID = errors.New("document has no _id")

	// ErrConflict means the stored revision no longer matches the revision the
	// writer read.
	ErrConflict = errors.New("document update conflict")
)

// Store is the persistent capability the document service depends on.
type Store interface {
	Get(ctx context.Context, id string) (Doc, error)
	GetMany(ctx context.Context, ids []string) ([]Doc, error)
	// Find returns matching documents, ordered and limited as the selector
	// asks, plus any advisory warnings reported by the backend.
	Find(ctx context.Context, sel Selector) ([]Doc, []string, error)
	// Put writes doc when the stored revision equals expectedRev ("" means the
	// document must not exist yet). It assigns and returns the new _rev.
	Put(ctx context.Context, doc Doc, expectedRev string) (Doc, error)
	LatestUpdatedTime(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}
