// Package history keeps a git journal per document: every written version of
// a document is committed as document.json in its own repository.
package history

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"

	"docengine/api/internal/keylock"
	"docengine/api/internal/notify"
	"docengine/api/internal/store"
)

const documentFile = "document.json"

var ErrNoHistory = errors.New("document has no history")

// Commit describes one journaled version.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Journal struct {
	baseDir string
	locks   *keylock.Arena
	log     *zap.Logger
}

func New(baseDir string, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{
		baseDir: baseDir,
		locks:   keylock.New(),
		log:     logger.Named("history"),
	}
}

// Handle journals document events. Change records are skipped; the document
// version they describe is committed from the event before them.
func (j *Journal) Handle(_ context.Context, event notify.Event) error {
	if event.IsChange() {
		return nil
	}
	_, err := j.Record(event.Doc)
	return err
}

// Record commits doc as the newest version of its document.
func (j *Journal) Record(doc store.Doc) (Commit, error) {
	id := doc.ID()
	if id == "" {
		return Commit{}, store.ErrMissingID
	}
	unlock := j.locks.Lock(id)
	defer unlock()

	repo, err := j.openOrInit(id)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal document: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, documentFile), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", documentFile, err)
	}
	if _, err := worktree.Add(documentFile); err != nil {
		return Commit{}, fmt.Errorf("git add document: %w", err)
	}

	when := time.Now()
	if updated := doc.UpdatedTime(); updated > 0 {
		when = time.UnixMilli(updated)
	}
	hash, err := worktree.Commit(commitMessage(doc), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "docengine",
			Email: "docengine@localhost",
			When:  when,
		},
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit document: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	j.log.Debug("document journaled", zap.String("id", id), zap.String("commit", hash.String()[:7]))
	return toCommit(commitObj), nil
}

// History lists the newest limit versions of a document, newest first. A
// limit <= 0 lists all.
func (j *Journal) History(id string, limit int) ([]Commit, error) {
	unlock := j.locks.Lock(id)
	defer unlock()

	repo, err := j.open(id)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Version returns the document as committed at hash (full or abbreviated).
func (j *Journal) Version(id, hash string) (store.Doc, error) {
	unlock := j.locks.Lock(id)
	defer unlock()

	repo, err := j.open(id)
	if err != nil {
		return nil, err
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readDocument(commitObj)
}

func (j *Journal) open(id string) (*git.Repository, error) {
	repo, err := git.PlainOpen(j.repoPath(id))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (j *Journal) openOrInit(id string) (*git.Repository, error) {
	repo, err := j.open(id)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNoHistory) {
		return nil, err
	}

	path := j.repoPath(id)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	mainRef := plumbing.NewBranchReferenceName("main")
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, mainRef)); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

var safeID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// repoPath maps an id to its repository directory. Ids that are not plain
// path segments are hex encoded.
func (j *Journal) repoPath(id string) string {
	if !safeID.MatchString(id) || len(id) > 200 {
		return filepath.Join(j.baseDir, "x-"+hex.EncodeToString([]byte(id)))
	}
	return filepath.Join(j.baseDir, id)
}

func commitMessage(doc store.Doc) string {
	return fmt.Sprintf("%s %s\n\nrev: %s\nupdatedTimeUtc: %d", doc.Type(), doc.ID(), doc.Rev(), doc.UpdatedTime())
}

func readDocument(commitObj *object.Commit) (store.Doc, error) {
	file, err := commitObj.File(documentFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", documentFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open document reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read document bytes: %w", err)
	}
	var doc store.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode commit document: %w", err)
	}
	return doc, nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
