// Package docs is the document engine: access-filtered queries, diff-aware
// upserts serialized per document id, and the update feed.
package docs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"docengine/api/internal/access"
	"docengine/api/internal/diff"
	"docengine/api/internal/keylock"
	"docengine/api/internal/metrics"
	"docengine/api/internal/notify"
	"docengine/api/internal/store"
	"docengine/api/internal/util"
)

const IdenticalMessage = "Document is identical to the one in the database"

const defaultMaxRetries = 5

var ErrInvalidDocument = errors.New("invalid document: the passed document does not have an '_id' property")

type Result struct {
	Docs []store.Doc `json:"docs"`
}

// UpsertResult carries Message for a no-op write and Changes plus Doc
// otherwise. Changes holds the modified fields and _id.
type UpsertResult struct {
	Message string         `json:"message,omitempty"`
	Changes diff.ChangeSet `json:"changes,omitempty"`
	Doc     store.Doc      `json:"doc,omitempty"`
}

func (r UpsertResult) Identical() bool {
	return r.Message == IdenticalMessage
}

type Options struct {
	// MaxRetries bounds the internal read-diff-write cycles repeated after a
	// revision conflict. Zero uses the default.
	MaxRetries int
	Logger     *zap.Logger
	Hub        *notify.Hub
	// Now returns UTC milliseconds. Tests pin it.
	Now func() int64
}

type Service struct {
	store      store.Store
	hub        *notify.Hub
	locks      *keylock.Arena
	logger     *zap.Logger
	now        func() int64
	maxRetries int
}

func NewService(st store.Store, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := opts.Hub
	if hub == nil {
		hub = notify.NewHub(logger)
	}
	now := opts.Now
	if now == nil {
		now = store.NowMillis
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Service{
		store:      st,
		hub:        hub,
		locks:      keylock.New(),
		logger:     logger.Named("docs"),
		now:        now,
		maxRetries: maxRetries,
	}
}

func (s *Service) Store() store.Store {
	return s.store
}

func (s *Service) Hub() *notify.Hub {
	return s.hub
}

// PendingLocks reports document ids currently being written or awaited.
func (s *Service) PendingLocks() int {
	return s.locks.Len()
}

// GetDoc returns the document as a single-element list, or an empty list
// when it does not exist.
func (s *Service) GetDoc(ctx context.Context, id string) (Result, error) {
	defer observe("get_doc", time.Now())
	doc, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Docs: []store.Doc{}}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Docs: []store.Doc{doc}}, nil
}

// GetDocs returns the documents among ids whose type is one of types, in the
// order ids were given. An empty types list keeps every type.
func (s *Service) GetDocs(ctx context.Context, ids []string, types []store.DocType) (Result, error) {
	defer observe("get_docs", time.Now())
	found, err := s.store.GetMany(ctx, ids)
	if err != nil {
		return Result{}, err
	}
	byID := make(map[string]store.Doc, len(found))
	for _, doc := range found {
		byID[doc.ID()] = doc
	}
	docs := make([]store.Doc, 0, len(found))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		doc, ok := byID[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		if len(types) > 0 && !containsType(types, doc.Type()) {
			continue
		}
		docs = append(docs, doc)
	}
	return Result{Docs: docs}, nil
}

// GetContentByParentID is unfiltered by access. It serves trusted
// server-side flows only.
func (s *Service) GetContentByParentID(ctx context.Context, parentID string) (Result, error) {
	defer observe("get_content_by_parent", time.Now())
	if parentID == "" {
		return Result{Docs: []store.Doc{}}, nil
	}
	docs, _, err := s.store.Find(ctx, store.Selector{ParentID: parentID, ContentOnly: true})
	if err != nil {
		return Result{}, err
	}
	return Result{Docs: docs}, nil
}

func (s *Service) GetGroups(ctx context.Context) (Result, error) {
	defer observe("get_groups", time.Now())
	return s.findGroups(ctx, store.Selector{Types: []store.DocType{store.DocTypeGroup}})
}

// GetUserGroups returns the Group documents the access map grants for type
// group. Grants under other types do not count.
func (s *Service) GetUserGroups(ctx context.Context, userAccess access.Map) (Result, error) {
	defer observe("get_user_groups", time.Now())
	ids := access.GroupIDs(userAccess)
	if len(ids) == 0 {
		return Result{Docs: []store.Doc{}}, nil
	}
	return s.findGroups(ctx, store.Selector{IDs: ids, Types: []store.DocType{store.DocTypeGroup}})
}

func (s *Service) findGroups(ctx context.Context, sel store.Selector) (Result, error) {
	sel.Sort = []store.SortField{{Field: store.FieldID}}
	found, warnings, err := s.store.Find(ctx, sel)
	if err != nil {
		return Result{}, err
	}
	s.dropWarnings("groups", warnings)
	docs := make([]store.Doc, 0, len(found))
	for _, doc := range found {
		// Content documents of groups match the type filter through their
		// parent; only the groups themselves belong here.
		if doc.Type() == store.DocTypeGroup {
			docs = append(docs, doc)
		}
	}
	return Result{Docs: docs}, nil
}

var defaultSort = []store.SortField{{Field: store.FieldUpdatedTime, Desc: true}}

// QueryDocs runs the composite access, type, content, language and time
// window predicate. An access map granting no requested group-scoped type
// yields no documents, not even languages.
func (s *Service) QueryDocs(ctx context.Context, opts QueryOptions) (Result, error) {
	defer observe("query_docs", time.Now())
	sel := store.Selector{
		Types:       opts.Types,
		ContentOnly: opts.ContentOnly,
		Access:      access.Filter(opts.UserAccess, opts.Groups),
		Languages:   opts.Languages,
		From:        opts.From,
		To:          opts.To,
		Sort:        opts.Sort,
		Limit:       opts.Limit,
	}
	if len(sel.Sort) == 0 {
		sel.Sort = defaultSort
	}
	if sel.From != nil && sel.To != nil && *sel.From > *sel.To {
		return Result{Docs: []store.Doc{}}, nil
	}
	if !access.Grants(opts.UserAccess, opts.Types) {
		return Result{Docs: []store.Doc{}}, nil
	}

	docs, warnings, err := s.store.Find(ctx, sel)
	if err != nil {
		return Result{}, err
	}
	s.dropWarnings("query", warnings)
	return Result{Docs: docs}, nil
}

func (s *Service) dropWarnings(operation string, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	s.logger.Debug("store warnings suppressed",
		zap.String("operation", operation),
		zap.Strings("warnings", warnings))
}

func (s *Service) LatestDocUpdatedTime(ctx context.Context) (int64, error) {
	defer observe("latest_updated_time", time.Now())
	return s.store.LatestUpdatedTime(ctx)
}

// UpsertDoc merges doc onto the stored version of the same _id. Calls for
// one id run one at a time; calls for different ids do not wait on each
// other.
func (s *Service) UpsertDoc(ctx context.Context, doc store.Doc) (UpsertResult, error) {
	id := doc.ID()
	if strings.TrimSpace(id) == "" {
		metrics.UpsertsTotal.WithLabelValues("invalid").Inc()
		return UpsertResult{}, ErrInvalidDocument
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		result, err := s.upsertOnce(ctx, id, doc)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			metrics.UpsertsTotal.WithLabelValues("error").Inc()
			return UpsertResult{}, err
		}
		if attempt >= s.maxRetries {
			metrics.UpsertsTotal.WithLabelValues("error").Inc()
			return UpsertResult{}, fmt.Errorf("upsert %s after %d retries: %w", id, attempt, err)
		}
		metrics.UpsertRetriesTotal.Inc()
		s.logger.Debug("revision conflict, retrying upsert",
			zap.String("id", id),
			zap.Int("attempt", attempt+1))
	}
}

func (s *Service) upsertOnce(ctx context.Context, id string, incoming store.Doc) (UpsertResult, error) {
	existing, err := s.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		existing = nil
	} else if err != nil {
		return UpsertResult{}, err
	}

	changes, identical := diff.Compare(existing, incoming)
	if identical {
		metrics.UpsertsTotal.WithLabelValues("identical").Inc()
		return UpsertResult{Message: IdenticalMessage}, nil
	}

	merged := diff.Merge(existing, incoming)
	merged[store.FieldID] = id
	updated := s.now()
	if prev := existing.UpdatedTime(); prev > updated {
		updated = prev
	}
	merged[store.FieldUpdatedTime] = updated

	written, err := s.store.Put(ctx, merged, existing.Rev())
	if err != nil {
		return UpsertResult{}, err
	}

	record := changeRecord(written, changes)
	if _, err := s.store.Put(ctx, record, ""); err != nil {
		// The document is durable; feed it so consumers stay current and
		// report the missing change record to the caller.
		s.publish(written)
		return UpsertResult{}, fmt.Errorf("persist change record for %s: %w", id, err)
	}
	s.publish(written, record)

	outcome := "updated"
	if existing == nil {
		outcome = "created"
	}
	metrics.UpsertsTotal.WithLabelValues(outcome).Inc()
	s.logger.Debug("document upserted",
		zap.String("id", id),
		zap.String("outcome", outcome),
		zap.String("rev", written.Rev()),
		zap.Int("changed_fields", len(changes)))

	result := make(diff.ChangeSet, len(changes)+1)
	for field, value := range changes {
		result[field] = value
	}
	result[store.FieldID] = id
	return UpsertResult{Changes: result, Doc: written.Clone()}, nil
}

// changeRecord builds the Change document describing one write. It carries
// the written document's memberOf so consumers can apply the same access
// predicate to it.
func changeRecord(written store.Doc, changes diff.ChangeSet) store.Doc {
	change := make(map[string]any, len(changes))
	for field, value := range changes {
		change[field] = value
	}
	record := store.Doc{
		store.FieldID:          util.NewID("change"),
		store.FieldType:        string(store.DocTypeChange),
		store.FieldDocID:       written.ID(),
		store.FieldDocType:     string(written.Type()),
		store.FieldChange:      change,
		store.FieldUpdatedTime: written.UpdatedTime(),
	}
	if memberOf := written.MemberOf(); memberOf != nil {
		record[store.FieldMemberOf] = append([]string{}, memberOf...)
	}
	return record
}

func (s *Service) publish(docs ...store.Doc) {
	for _, event := range s.hub.Publish(docs...) {
		kind := "document"
		if event.IsChange() {
			kind = "change"
		}
		metrics.NotificationsTotal.WithLabelValues(kind).Inc()
	}
}

// On registers handler for every update event. Pass the returned
// subscription to Off to stop.
func (s *Service) On(name string, handler notify.Handler) *notify.Subscription {
	return s.hub.On(name, handler)
}

func (s *Service) Off(sub *notify.Subscription) {
	if sub != nil {
		sub.Cancel()
	}
}

func (s *Service) Subscribe(name string) *notify.Subscription {
	return s.hub.Subscribe(name)
}

func (s *Service) Close() {
	s.hub.Close()
}

func observe(operation string, start time.Time) {
	metrics.QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func containsType(types []store.DocType, docType store.DocType) bool {
	for _, candidate := range types {
		if candidate == docType {
			return true
		}
	}
	return false
}
