package store

import (
	"context"
	"errors"
	"testing"
)

func seedContractDocs(t *testing.T, ctx context.Context, s Store) {
	t.Helper()
	fixtures := []Doc{
		{FieldID: "group-admins", FieldType: "group", FieldUpdatedTime: int64(100), "name": "Admins"},
		{FieldID: "group-editors", FieldType: "group", FieldUpdatedTime: int64(110), "name": "Editors"},
		{FieldID: "post-1", FieldType: "post", FieldMemberOf: []string{"group-editors"}, FieldUpdatedTime: int64(200), "title": "First"},
		{FieldID: "post-2", FieldType: "post", FieldMemberOf: []string{"group-admins"}, FieldUpdatedTime: int64(300), "title": "Second"},
		{FieldID: "content-1-en", FieldType: "content", FieldParentID: "post-1", FieldParentType: "post", FieldLanguage: "lang-eng", FieldMemberOf: []string{"group-editors"}, FieldUpdatedTime: int64(210)},
		{FieldID: "content-1-fr", FieldType: "content", FieldParentID: "post-1", FieldParentType: "post", FieldLanguage: "lang-fra", FieldMemberOf: []string{"group-editors"}, FieldUpdatedTime: int64(220)},
		{FieldID: "lang-eng", FieldType: "language", FieldUpdatedTime: int64(50), "name": "English"},
		{FieldID: "change-group-admins", FieldType: "change", FieldDocID: "group-admins", FieldDocType: "group", FieldUpdatedTime: int64(120), FieldChange: map[string]any{"name": "Admins"}},
	}
	for _, doc := range fixtures {
		if _, err := s.Put(ctx, doc, ""); err != nil {
			t.Fatalf("Put(%s) error = %v", doc.ID(), err)
		}
	}
}

func ids(docs []Doc) []string {
	out := make([]string, len(docs))
	for i, doc := range docs {
		out[i] = doc.ID()
	}
	return out
}

func sameIDs(got []Doc, want ...string) bool {
	gotIDs := ids(got)
	if len(gotIDs) != len(want) {
		return false
	}
	for i := range want {
		if gotIDs[i] != want[i] {
			return false
		}
	}
	return true
}

// runStoreContract exercises behaviour every backend must share. s must be
// empty.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()
	seedContractDocs(t, ctx, s)

	t.Run("get missing", func(t *testing.T) {
		if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
		}
	})

	t.Run("get many skips missing", func(t *testing.T) {
		docs, err := s.GetMany(ctx, []string{"post-1", "missing", "post-2"})
		if err != nil {
			t.Fatalf("GetMany() error = %v", err)
		}
		if len(docs) != 2 {
			t.Fatalf("GetMany() returned %d docs, want 2", len(docs))
		}
	})

	t.Run("put requires matching revision", func(t *testing.T) {
		current, err := s.Get(ctx, "post-1")
		if err != nil {
			t.Fatalf("Get(post-1) error = %v", err)
		}
		if _, err := s.Put(ctx, current, ""); !errors.Is(err, ErrConflict) {
			t.Fatalf("Put(existing, \"\") error = %v, want ErrConflict", err)
		}
		if _, err := s.Put(ctx, current, "1-stale"); !errors.Is(err, ErrConflict) {
			t.Fatalf("Put(stale) error = %v, want ErrConflict", err)
		}
		current["title"] = "First (edited)"
		written, err := s.Put(ctx, current, current.Rev())
		if err != nil {
			t.Fatalf("Put(current) error = %v", err)
		}
		if RevGeneration(written.Rev()) != 2 {
			t.Fatalf("rev = %q, want generation 2", written.Rev())
		}
		reread, err := s.Get(ctx, "post-1")
		if err != nil {
			t.Fatalf("Get(post-1) error = %v", err)
		}
		if reread.String("title") != "First (edited)" || reread.Rev() != written.Rev() {
			t.Fatalf("reread = %v, want edited title and rev %s", reread, written.Rev())
		}
	})

	t.Run("put without id", func(t *testing.T) {
		if _, err := s.Put(ctx, Doc{"val": "a"}, ""); !errors.Is(err, ErrMissingID) {
			t.Fatalf("Put(no id) error = %v, want ErrMissingID", err)
		}
	})

	t.Run("find by type through parent", func(t *testing.T) {
		docs, _, err := s.Find(ctx, Selector{Types: []DocType{DocTypePost}, ContentOnly: true})
		if err != nil {
			t.Fatalf("Find() error = %v", err)
		}
		if !sameIDs(docs, "content-1-en", "content-1-fr") {
			t.Fatalf("Find() ids = %v", ids(docs))
		}
	})

	t.Run("find with access and window", func(t *testing.T) {
		from, to := int64(200), int64(300)
		sel := Selector{
			Types: []DocType{DocTypePost},
			Access: &AccessFilter{
				ByMember: map[DocType][]string{DocTypePost: {"group-editors"}},
			},
			From: &from,
			To:   &to,
			Sort: []SortField{{Field: FieldUpdatedTime, Desc: true}},
		}
		docs, _, err := s.Find(ctx, sel)
		if err != nil {
			t.Fatalf("Find() error = %v", err)
		}
		if !sameIDs(docs, "content-1-fr", "content-1-en", "post-1") {
			t.Fatalf("Find() ids = %v", ids(docs))
		}
	})

	t.Run("find denies everything without grants", func(t *testing.T) {
		docs, _, err := s.Find(ctx, Selector{Access: &AccessFilter{}})
		if err != nil {
			t.Fatalf("Find() error = %v", err)
		}
		if len(docs) != 0 {
			t.Fatalf("Find() ids = %v, want none", ids(docs))
		}
	})

	t.Run("find unscoped and self scoped", func(t *testing.T) {
		sel := Selector{
			Access: &AccessFilter{
				Unscoped: []DocType{DocTypeLanguage},
				ByID:     map[DocType][]string{DocTypeGroup: {"group-admins"}},
			},
			Sort: []SortField{{Field: FieldID}},
		}
		docs, _, err := s.Find(ctx, sel)
		if err != nil {
			t.Fatalf("Find() error = %v", err)
		}
		if !sameIDs(docs, "change-group-admins", "group-admins", "lang-eng") {
			t.Fatalf("Find() ids = %v", ids(docs))
		}
	})

	t.Run("find group change records by doc id", func(t *testing.T) {
		sel := Selector{
			Types: []DocType{DocTypeChange},
			Access: &AccessFilter{
				ByID: map[DocType][]string{DocTypeGroup: {"group-admins"}},
			},
		}
		docs, _, err := s.Find(ctx, sel)
		if err != nil {
			t.Fatalf("Find() error = %v", err)
		}
		if !sameIDs(docs, "change-group-admins") {
			t.Fatalf("Find() ids = %v", ids(docs))
		}
		sel.Access.ByID[DocTypeGroup] = []string{"group-editors"}
		docs, _, err = s.Find(ctx, sel)
		if err != nil {
			t.Fatalf("Find() error = %v", err)
		}
		if len(docs) != 0 {
			t.Fatalf("Find() ids = %v, want none", ids(docs))
		}
	})

	t.Run("find languages and limit", func(t *testing.T) {
		docs, _, err := s.Find(ctx, Selector{
			Languages: []string{"lang-fra", "lang-eng"},
			Sort:      []SortField{{Field: FieldUpdatedTime}},
			Limit:     1,
		})
		if err != nil {
			t.Fatalf("Find() error = %v", err)
		}
		if !sameIDs(docs, "content-1-en") {
			t.Fatalf("Find() ids = %v", ids(docs))
		}
	})

	t.Run("find by parent", func(t *testing.T) {
		docs, _, err := s.Find(ctx, Selector{ParentID: "post-1", Sort: []SortField{{Field: FieldID}}})
		if err != nil {
			t.Fatalf("Find() error = %v", err)
		}
		if !sameIDs(docs, "content-1-en", "content-1-fr") {
			t.Fatalf("Find() ids = %v", ids(docs))
		}
	})

	t.Run("latest updated time", func(t *testing.T) {
		latest, err := s.LatestUpdatedTime(ctx)
		if err != nil {
			t.Fatalf("LatestUpdatedTime() error = %v", err)
		}
		if latest != 300 {
			t.Fatalf("LatestUpdatedTime() = %d, want 300", latest)
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Fatalf("Ping() error = %v", err)
		}
	})
}
