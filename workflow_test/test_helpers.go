package workflow

import (
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/niczy/gitreview/internal/gitrepo"
)

// initBareRepo creates <root>/<project>.git with HEAD on master.
func initBareRepo(t *testing.T, root, project string) string {
	t.Helper()
	path := filepath.Join(root, project+".git")
	if _, err := git.PlainInit(path, true); err != nil {
		t.Fatalf("init %s: %v", path, err)
	}
	return path
}

// author writes commits into a repository as if they had just been received.
type author struct {
	repo  *gitrepo.Repository
	sig   object.Signature
	clock time.Time
}

func newAuthor(repo *gitrepo.Repository, name, email string) *author {
	return &author{
		repo:  repo,
		sig:   object.Signature{Name: name, Email: email},
		clock: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (a *author) commit(t *testing.T, msg string, files map[string]string, parents ...plumbing.Hash) plumbing.Hash {
	t.Helper()
	tree, err := a.repo.StoreTree(files)
	if err != nil {
		t.Fatalf("store tree: %v", err)
	}
	a.clock = a.clock.Add(time.Minute)
	sig := a.sig
	sig.When = a.clock
	h, err := a.repo.StoreCommit(&object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      msg,
		TreeHash:     tree,
		ParentHashes: parents,
	})
	if err != nil {
		t.Fatalf("store commit: %v", err)
	}
	return h
}
