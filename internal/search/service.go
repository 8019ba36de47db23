package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"docengine/api/internal/notify"
	"docengine/api/internal/store"
)

// index is the write side of Meili.
type index interface {
	Searcher
	IndexRecord(record Record) error
	IndexRecords(records []Record) error
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres full-text search when one is configured.
type Service struct {
	primary  index
	fallback Searcher
	log      *zap.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured; pgfts may be nil outside the postgres backend.
func NewService(meili *Meili, pgfts *PgFTS, logger *zap.Logger) *Service {
	s := &Service{log: zapOrNop(logger).Named("search")}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

func zapOrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Enabled reports whether any backend can answer queries.
func (s *Service) Enabled() bool {
	return s.primary != nil || s.fallback != nil
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back", zap.Error(err))
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// Handle indexes one update event; it is the search consumer's worker
// function. Events are skipped while Meilisearch is unhealthy.
func (s *Service) Handle(_ context.Context, event notify.Event) error {
	if s.primary == nil || !s.primary.Healthy() {
		return nil
	}
	record, ok := RecordFromDoc(event.Doc)
	if !ok {
		return nil
	}
	if err := s.primary.IndexRecord(record); err != nil {
		return fmt.Errorf("index %s: %w", record.ID, err)
	}
	return nil
}

// ReindexAll pushes every searchable document in st to Meilisearch. Called at
// startup when Meilisearch is healthy.
func (s *Service) ReindexAll(ctx context.Context, st store.Store) error {
	if s.primary == nil || !s.primary.Healthy() {
		return nil
	}
	records, err := LoadAllRecords(ctx, st)
	if err != nil {
		return err
	}
	if err := s.primary.IndexRecords(records); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	s.log.Info("search index rebuilt", zap.Int("records", len(records)))
	return nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
