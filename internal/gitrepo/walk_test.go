package gitrepo

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashesOf(t *testing.T, w *Walker, tip plumbing.Hash, uninteresting ...plumbing.Hash) []plumbing.Hash {
	t.Helper()
	commits, err := w.RevList(tip, uninteresting)
	require.NoError(t, err)
	out := make([]plumbing.Hash, 0, len(commits))
	for _, c := range commits {
		out = append(out, c.Hash)
	}
	return out
}

func TestRevListParentsFirst(t *testing.T) {
	repo := NewMemoryRepository("proj", "master")
	base := commitOn(t, repo, "base\n", map[string]string{"a": "0"})
	c1 := commitOn(t, repo, "c1\n", map[string]string{"a": "1"}, base)
	c2 := commitOn(t, repo, "c2\n", map[string]string{"a": "2"}, c1)
	c3 := commitOn(t, repo, "c3\n", map[string]string{"a": "3"}, c2)

	assert.Equal(t, []plumbing.Hash{c1, c2, c3}, hashesOf(t, repo.NewWalker(), c3, base))
	assert.Equal(t, []plumbing.Hash{base, c1, c2, c3}, hashesOf(t, repo.NewWalker(), c3))
	assert.Empty(t, hashesOf(t, repo.NewWalker(), c2, c3))
}

func TestRevListMerge(t *testing.T) {
	repo := NewMemoryRepository("proj", "master")
	base := commitOn(t, repo, "base\n", map[string]string{"a": "0"})
	left := commitOn(t, repo, "left\n", map[string]string{"a": "1"}, base)
	right := commitOn(t, repo, "right\n", map[string]string{"b": "1"}, base)
	merge := commitOn(t, repo, "merge\n", map[string]string{"a": "1", "b": "1"}, left, right)

	got := hashesOf(t, repo.NewWalker(), merge, base)
	require.Len(t, got, 3)
	assert.Equal(t, merge, got[2])
	assert.ElementsMatch(t, []plumbing.Hash{left, right}, got[:2])
}

func TestConnected(t *testing.T) {
	repo := NewMemoryRepository("proj", "master")
	base := commitOn(t, repo, "base\n", map[string]string{"a": "0"})
	child := commitOn(t, repo, "child\n", map[string]string{"a": "1"}, base)
	orphan := commitOn(t, repo, "orphan\n", map[string]string{"z": "1"})

	ok, err := repo.NewWalker().Connected(child, []plumbing.Hash{base})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.NewWalker().Connected(orphan, []plumbing.Hash{base})
	require.NoError(t, err)
	assert.False(t, ok)

	// An empty repository accepts any history.
	ok, err = repo.NewWalker().Connected(orphan, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsMergedInto(t *testing.T) {
	repo := NewMemoryRepository("proj", "master")
	base := commitOn(t, repo, "base\n", map[string]string{"a": "0"})
	child := commitOn(t, repo, "child\n", map[string]string{"a": "1"}, base)
	other := commitOn(t, repo, "other\n", map[string]string{"a": "2"}, base)

	merged, err := repo.IsMergedInto(base, child)
	require.NoError(t, err)
	assert.True(t, merged)

	merged, err = repo.IsMergedInto(child, child)
	require.NoError(t, err)
	assert.True(t, merged)

	merged, err = repo.IsMergedInto(other, child)
	require.NoError(t, err)
	assert.False(t, merged)

	merged, err = repo.IsMergedInto(plumbing.ZeroHash, child)
	require.NoError(t, err)
	assert.False(t, merged)
}

func TestMarkFlags(t *testing.T) {
	repo := NewMemoryRepository("proj", "master")
	base := commitOn(t, repo, "base\n", map[string]string{"a": "0"})
	child := commitOn(t, repo, "child\n", map[string]string{"a": "1"}, base)

	w := repo.NewWalker()
	require.NoError(t, w.Mark([]plumbing.Hash{child, plumbing.NewHash("2222222222222222222222222222222222222222")}, FlagNew))
	assert.True(t, w.Has(base, FlagNew))
	assert.False(t, w.Has(base, FlagHave))
	w.Reset()
	assert.False(t, w.Has(base, FlagNew))
}
