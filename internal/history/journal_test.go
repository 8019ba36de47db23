package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"docengine/api/internal/notify"
	"docengine/api/internal/store"
)

func post(rev string, updated int64, title string) store.Doc {
	return store.Doc{
		store.FieldID:          "post-1",
		store.FieldRev:         rev,
		store.FieldType:        "post",
		store.FieldUpdatedTime: updated,
		"title":                title,
	}
}

func TestJournalLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	journal := New(tempDir, nil)

	if _, err := journal.History("post-1", 10); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("History() before any record error = %v, want ErrNoHistory", err)
	}

	first, err := journal.Record(post("1-aaa", 1000, "First"))
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "post-1", documentFile)); err != nil {
		t.Fatalf("document file missing: %v", err)
	}
	if _, err := journal.Record(post("2-bbb", 2000, "Second")); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	history, err := journal.History("post-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() returned %d commits, want 2", len(history))
	}
	if !strings.Contains(history[0].Message, "rev: 2-bbb") {
		t.Fatalf("newest commit message = %q", history[0].Message)
	}
	if history[1].CreatedAt.UnixMilli() != 1000 {
		t.Fatalf("first commit time = %v, want updatedTimeUtc", history[1].CreatedAt)
	}

	limited, err := journal.History("post-1", 1)
	if err != nil {
		t.Fatalf("History(limit 1) error = %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("History(limit 1) returned %d commits", len(limited))
	}

	old, err := journal.Version("post-1", first.Hash)
	if err != nil {
		t.Fatalf("Version() error = %v", err)
	}
	if old.String("title") != "First" || old.Rev() != "1-aaa" {
		t.Fatalf("Version() = %v", old)
	}
}

func TestHandleSkipsChangeRecords(t *testing.T) {
	journal := New(t.TempDir(), nil)
	ctx := context.Background()

	change := notify.Event{Seq: 2, Doc: store.Doc{store.FieldID: "change-1", store.FieldType: "change", store.FieldDocID: "post-1"}}
	if err := journal.Handle(ctx, notify.Event{Seq: 1, Doc: post("1-aaa", 1000, "First")}); err != nil {
		t.Fatalf("Handle(doc) error = %v", err)
	}
	if err := journal.Handle(ctx, change); err != nil {
		t.Fatalf("Handle(change) error = %v", err)
	}
	if _, err := journal.History("change-1", 0); !errors.Is(err, ErrNoHistory) {
		t.Fatalf("change record was journaled: %v", err)
	}
}

func TestRepoPathEscapesUnsafeIDs(t *testing.T) {
	journal := New("/base", nil)
	if got := journal.repoPath("post-1"); got != filepath.Join("/base", "post-1") {
		t.Fatalf("repoPath(post-1) = %s", got)
	}
	got := journal.repoPath("../etc/passwd")
	if filepath.Dir(got) != "/base" || !strings.HasPrefix(filepath.Base(got), "x-") {
		t.Fatalf("repoPath(unsafe) = %s", got)
	}
}

func TestConcurrentRecordSameDocument(t *testing.T) {
	journal := New(t.TempDir(), nil)

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			doc := post(fmt.Sprintf("%d-x", idx+1), int64(1000+idx), fmt.Sprintf("title-%02d", idx))
			if _, err := journal.Record(doc); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("Record() concurrent error = %v", err)
	}

	history, err := journal.History("post-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits, got %d", writers, len(history))
	}
}
