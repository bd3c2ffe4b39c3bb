package gitrepo

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"
)

var (
	ErrMissingObject = errors.New("missing object")
	ErrRefExists     = errors.New("ref already exists")
	ErrRefChanged    = errors.New("ref changed concurrently")
)

// RefUpdateResult is the outcome of a single ref write.
type RefUpdateResult int

const (
	RefNew RefUpdateResult = iota
	RefFastForward
	RefForced
	RefDeleted
	RefLockFailure
	RefRejected
)

// Repository wraps a go-git object and reference store. Ref writes are
// serialized per Repository, so a process must share one instance per repo.
type Repository struct {
	name string
	st   storage.Storer

	refMu sync.Mutex
}

// Open opens the bare or non-bare repository at path.
func Open(path string) (*Repository, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", path, err)
	}
	return &Repository{name: filepath.Base(path), st: r.Storer}, nil
}

// NewMemoryRepository creates an empty repository whose HEAD points at defaultBranch.
func NewMemoryRepository(name, defaultBranch string) *Repository {
	st := memory.NewStorage()
	_ = st.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.ReferenceName(FullBranchName(defaultBranch))))
	return &Repository{name: name, st: st}
}

// Name is the repository (project) name.
func (r *Repository) Name() string {
	return r.name
}

// Storer exposes the underlying go-git storage.
func (r *Repository) Storer() storage.Storer {
	return r.st
}

// Commit loads a commit object.
func (r *Repository) Commit(h plumbing.Hash) (*object.Commit, error) {
	c, err := object.GetCommit(r.st, h)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: commit %s", ErrMissingObject, h)
	}
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", h, err)
	}
	return c, nil
}

// HasCommit reports whether h resolves to a commit in the repository.
func (r *Repository) HasCommit(h plumbing.Hash) bool {
	_, err := object.GetCommit(r.st, h)
	return err == nil
}

// HasObject reports whether any object with id h is stored.
func (r *Repository) HasObject(h plumbing.Hash) bool {
	_, err := r.st.EncodedObject(plumbing.AnyObject, h)
	return err == nil
}

// Peel follows annotated tags down to the object they point at.
func (r *Repository) Peel(h plumbing.Hash) plumbing.Hash {
	for i := 0; i < 8; i++ {
		tag, err := object.GetTag(r.st, h)
		if err != nil {
			return h
		}
		h = tag.Target
	}
	return h
}

// Refs returns every non-symbolic ref, keyed by full name.
func (r *Repository) Refs() (map[string]plumbing.Hash, error) {
	iter, err := r.st.IterReferences()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	refs := make(map[string]plumbing.Hash)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference || ref.Name() == plumbing.HEAD {
			return nil
		}
		refs[string(ref.Name())] = ref.Hash()
		return nil
	})
	return refs, err
}

// HeadTarget returns the ref HEAD points to symbolically, or "".
func (r *Repository) HeadTarget() string {
	ref, err := r.st.Reference(plumbing.HEAD)
	if err != nil || ref.Type() != plumbing.SymbolicReference {
		return ""
	}
	return string(ref.Target())
}

// ResolveType refines an update command to non-fast-forward when the old
// commit is not an ancestor of the new one.
func (r *Repository) ResolveType(cmd *Command) error {
	if cmd.Type != CommandUpdate {
		return nil
	}
	ff, err := r.IsMergedInto(cmd.OldID, cmd.NewID)
	if err != nil {
		return err
	}
	if !ff {
		cmd.Type = CommandUpdateNonFastForward
	}
	return nil
}

// CreateRef creates name pointing at h. It never overwrites an existing ref
// and writes no reflog.
func (r *Repository) CreateRef(name string, h plumbing.Hash) (RefUpdateResult, error) {
	r.refMu.Lock()
	defer r.refMu.Unlock()

	refName := plumbing.ReferenceName(name)
	_, err := r.st.Reference(refName)
	if err == nil {
		return RefLockFailure, fmt.Errorf("%w: %s", ErrRefExists, name)
	}
	if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return RefRejected, err
	}
	if err := r.st.SetReference(plumbing.NewHashReference(refName, h)); err != nil {
		return RefRejected, err
	}
	return RefNew, nil
}

// UpdateRef moves name from oldID to newID; the zero id on either side means
// create or delete. The write fails if the ref no longer points at oldID.
func (r *Repository) UpdateRef(name string, oldID, newID plumbing.Hash) (RefUpdateResult, error) {
	r.refMu.Lock()
	defer r.refMu.Unlock()

	refName := plumbing.ReferenceName(name)
	current, err := r.st.Reference(refName)
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		current = nil
	case err != nil:
		return RefRejected, err
	}

	if oldID.IsZero() {
		if current != nil {
			return RefLockFailure, fmt.Errorf("%w: %s", ErrRefExists, name)
		}
	} else if current == nil || current.Hash() != oldID {
		return RefLockFailure, fmt.Errorf("%w: %s", ErrRefChanged, name)
	}

	if newID.IsZero() {
		if err := r.st.RemoveReference(refName); err != nil {
			return RefRejected, err
		}
		return RefDeleted, nil
	}

	next := plumbing.NewHashReference(refName, newID)
	if err := r.st.CheckAndSetReference(next, current); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return RefLockFailure, fmt.Errorf("%w: %s", ErrRefChanged, name)
		}
		return RefRejected, err
	}
	if current == nil {
		return RefNew, nil
	}
	ff, err := r.IsMergedInto(oldID, newID)
	if err == nil && ff {
		return RefFastForward, nil
	}
	return RefForced, nil
}

// ApplyCommands performs the ref updates that survived pre-receive, the way
// receive-pack does after its hook accepted them. Commands that already have
// a result are left untouched.
func (r *Repository) ApplyCommands(cmds []*Command) {
	for _, cmd := range cmds {
		if !cmd.Pending() {
			continue
		}
		if _, err := r.UpdateRef(cmd.RefName, cmd.OldID, cmd.NewID); err != nil {
			cmd.SetResult(ResultLockFailure, err.Error())
			continue
		}
		cmd.SetResult(ResultOK, "")
	}
}

// StoreBlob writes a blob and returns its id.
func (r *Repository) StoreBlob(content []byte) (plumbing.Hash, error) {
	obj := r.st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.st.SetEncodedObject(obj)
}

// StoreTree writes a flat tree of regular files and returns its id.
func (r *Repository) StoreTree(files map[string]string) (plumbing.Hash, error) {
	names := make([]string, 0, len(files))
	for name := range files {
		if strings.Contains(name, "/") {
			return plumbing.ZeroHash, fmt.Errorf("nested path %q not supported", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	tree := &object.Tree{}
	for _, name := range names {
		blob, err := r.StoreBlob([]byte(files[name]))
		if err != nil {
			return plumbing.ZeroHash, err
		}
		tree.Entries = append(tree.Entries, object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: blob})
	}

	obj := r.st.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.st.SetEncodedObject(obj)
}

// StoreCommit writes a commit object and returns its id. Zero signature
// times are replaced with the current time.
func (r *Repository) StoreCommit(c *object.Commit) (plumbing.Hash, error) {
	if c.Author.When.IsZero() {
		c.Author.When = time.Now()
	}
	if c.Committer.When.IsZero() {
		c.Committer.When = c.Author.When
	}
	obj := r.st.NewEncodedObject()
	if err := c.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return r.st.SetEncodedObject(obj)
}
