package gitrepo

import (
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Flag marks commits during a walk.
type Flag uint8

const (
	// FlagNew is set on commits reachable from the pushed tip.
	FlagNew Flag = 1 << iota
	// FlagHave is set on commits reachable from refs the server already advertises.
	FlagHave
)

// Walker traverses commit ancestry. It caches parent lists and flags, so a
// Walker is scoped to one request and not safe for concurrent use.
type Walker struct {
	repo    *Repository
	flags   map[plumbing.Hash]Flag
	parents map[plumbing.Hash][]plumbing.Hash
}

// NewWalker returns a walker over r.
func (r *Repository) NewWalker() *Walker {
	return &Walker{
		repo:    r,
		flags:   make(map[plumbing.Hash]Flag),
		parents: make(map[plumbing.Hash][]plumbing.Hash),
	}
}

// Reset clears all flags, keeping the parent cache.
func (w *Walker) Reset() {
	w.flags = make(map[plumbing.Hash]Flag)
}

func (w *Walker) parentsOf(h plumbing.Hash) ([]plumbing.Hash, error) {
	if p, ok := w.parents[h]; ok {
		return p, nil
	}
	c, err := w.repo.Commit(h)
	if err != nil {
		return nil, err
	}
	w.parents[h] = c.ParentHashes
	return c.ParentHashes, nil
}

// Has reports whether h carries f.
func (w *Walker) Has(h plumbing.Hash, f Flag) bool {
	return w.flags[h]&f != 0
}

// Mark sets f on every commit reachable from starts. Starts that are not
// commits in the repository are skipped; a missing ancestor is an error.
func (w *Walker) Mark(starts []plumbing.Hash, f Flag) error {
	var stack []plumbing.Hash
	for _, h := range starts {
		if h.IsZero() || w.Has(h, f) || !w.repo.HasCommit(h) {
			continue
		}
		stack = append(stack, h)
	}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if w.Has(h, f) {
			continue
		}
		w.flags[h] |= f
		parents, err := w.parentsOf(h)
		if err != nil {
			return err
		}
		for _, p := range parents {
			if !w.Has(p, f) {
				stack = append(stack, p)
			}
		}
	}
	return nil
}

// Connected reports whether tip shares history with any of haves. With no
// haves every tip is connected.
func (w *Walker) Connected(tip plumbing.Hash, haves []plumbing.Hash) (bool, error) {
	if len(haves) == 0 {
		return true, nil
	}
	if err := w.Mark(haves, FlagHave); err != nil {
		return false, err
	}

	seen := make(map[plumbing.Hash]bool)
	stack := []plumbing.Hash{tip}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[h] {
			continue
		}
		seen[h] = true
		w.flags[h] |= FlagNew
		if w.Has(h, FlagHave) {
			return true, nil
		}
		parents, err := w.parentsOf(h)
		if err != nil {
			return false, err
		}
		stack = append(stack, parents...)
	}
	return false, nil
}

// RevList returns the commits reachable from tip but not from any of
// uninteresting, parents before children.
func (w *Walker) RevList(tip plumbing.Hash, uninteresting []plumbing.Hash) ([]*object.Commit, error) {
	if err := w.Mark(uninteresting, FlagHave); err != nil {
		return nil, err
	}

	type frame struct {
		hash     plumbing.Hash
		expanded bool
	}

	var out []*object.Commit
	done := make(map[plumbing.Hash]bool)
	stack := []frame{{hash: tip}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if done[top.hash] || w.Has(top.hash, FlagHave) {
			continue
		}
		if top.expanded {
			done[top.hash] = true
			c, err := w.repo.Commit(top.hash)
			if err != nil {
				return nil, err
			}
			out = append(out, c)
			continue
		}

		stack = append(stack, frame{hash: top.hash, expanded: true})
		parents, err := w.parentsOf(top.hash)
		if err != nil {
			return nil, err
		}
		// Push in reverse so the first parent's history is emitted first.
		for i := len(parents) - 1; i >= 0; i-- {
			p := parents[i]
			if !done[p] && !w.Has(p, FlagHave) {
				stack = append(stack, frame{hash: p})
			}
		}
	}
	return out, nil
}

// IsMergedInto reports whether base is tip or one of its ancestors.
func (r *Repository) IsMergedInto(base, tip plumbing.Hash) (bool, error) {
	return r.NewWalker().IsMergedInto(base, tip)
}

// IsMergedInto reports whether base is reachable from tip.
func (w *Walker) IsMergedInto(base, tip plumbing.Hash) (bool, error) {
	if base.IsZero() || tip.IsZero() {
		return false, nil
	}
	seen := make(map[plumbing.Hash]bool)
	queue := []plumbing.Hash{tip}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == base {
			return true, nil
		}
		if seen[h] {
			continue
		}
		seen[h] = true
		parents, err := w.parentsOf(h)
		if errors.Is(err, ErrMissingObject) {
			continue
		}
		if err != nil {
			return false, err
		}
		queue = append(queue, parents...)
	}
	return false, nil
}
