package receive

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/models"
	"github.com/niczy/gitreview/internal/notify"
	"github.com/niczy/gitreview/internal/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoCloseByChangeID(t *testing.T) {
	f := newFixture(t)
	c1 := f.commit(withChangeID("Add feature", keyA), featureFiles, f.base)
	f.upload(c1)

	// Amended locally and pushed straight to the branch, committed by someone
	// other than the pusher.
	landed := f.commitBy(f.bob, f.bob, withChangeID("Add feature", keyA), map[string]string{"README": "landed\n"}, f.base)
	direct := gitrepo.NewCommand(f.base, landed, "refs/heads/master")
	f.push(f.alice, PushOptions{}, direct)
	require.Equal(t, gitrepo.ResultOK, direct.Result, direct.Message)

	change := f.change(1)
	assert.Equal(t, models.ChangeStatusMerged, change.Status)
	assert.Equal(t, 2, change.CurrentPatchSet)

	patchSets := f.patchSets(1)
	require.Len(t, patchSets, 2)
	assert.Equal(t, landed.String(), patchSets[1].Revision)
	assert.Equal(t, f.alice.ID, patchSets[1].Uploader)
	got, ok := f.ref("refs/changes/01/1/2")
	require.True(t, ok)
	assert.Equal(t, landed, got)

	assert.Equal(t, []string{
		"Uploaded patch set 2.",
		"Change has been successfully pushed into branch master.",
	}, f.messages(1))

	reqs := f.repl.Requests()
	assert.Contains(t, reqs, replication.Request{Project: "proj", Ref: "refs/heads/master"})
	assert.Contains(t, reqs, replication.Request{Project: "proj", Ref: "refs/changes/01/1/2"})
}

func TestAutoCloseByPatchSetRevision(t *testing.T) {
	f := newFixture(t)
	c1 := f.commit(withChangeID("Add feature", keyA), featureFiles, f.base)
	f.upload(c1)

	direct := gitrepo.NewCommand(f.base, c1, "refs/heads/master")
	f.push(f.alice, PushOptions{}, direct)
	require.Equal(t, gitrepo.ResultOK, direct.Result, direct.Message)

	change := f.change(1)
	assert.Equal(t, models.ChangeStatusMerged, change.Status)
	assert.Equal(t, 1, change.CurrentPatchSet)
	assert.Len(t, f.patchSets(1), 1)
	assert.Equal(t, []string{"Change has been successfully pushed into branch master."}, f.messages(1))

	// A second branch containing the commit leaves the merged change alone.
	stable := gitrepo.NewCommand(plumbing.ZeroHash, c1, "refs/heads/stable")
	f.push(f.alice, PushOptions{}, stable)
	require.Equal(t, gitrepo.ResultOK, stable.Result, stable.Message)
	assert.Len(t, f.messages(1), 1)
}

func TestAutoCloseIgnoresOtherCommits(t *testing.T) {
	f := newFixture(t)
	c1 := f.commit(withChangeID("Add feature", keyA), featureFiles, f.base)
	f.upload(c1)

	unrelated := f.commit(withChangeID("Other work", keyB), map[string]string{"README": "other\n"}, f.base)
	direct := gitrepo.NewCommand(f.base, unrelated, "refs/heads/master")
	f.push(f.alice, PushOptions{}, direct)
	require.Equal(t, gitrepo.ResultOK, direct.Result, direct.Message)

	assert.Equal(t, models.ChangeStatusNew, f.change(1).Status)
	assert.Empty(t, f.messages(1))
}

func TestAutoCloseLeavesAbandonedChange(t *testing.T) {
	f := newFixture(t)
	c1 := f.commit(withChangeID("Add feature", keyA), featureFiles, f.base)
	f.upload(c1)

	_, err := f.store.AtomicUpdateChange(f.ctx, 1, func(c models.Change) (models.Change, bool) {
		c.Status = models.ChangeStatusAbandoned
		return c, true
	})
	require.NoError(t, err)
	before := f.messages(1)

	direct := gitrepo.NewCommand(f.base, c1, "refs/heads/master")
	f.push(f.alice, PushOptions{}, direct)
	require.Equal(t, gitrepo.ResultOK, direct.Result, direct.Message)

	change := f.change(1)
	assert.Equal(t, models.ChangeStatusAbandoned, change.Status)
	assert.Equal(t, 1, change.CurrentPatchSet)
	assert.Equal(t, before, f.messages(1))
	for _, ev := range f.notes.Events() {
		assert.NotEqual(t, notify.KindMerged, ev.Kind)
	}
}

func TestPostReceiveSchedulesReplication(t *testing.T) {
	f := newFixture(t)
	c := f.commit("Work\n", map[string]string{"README": "work\n"}, f.base)

	review := forReview(c, "master")
	branch := gitrepo.NewCommand(plumbing.ZeroHash, f.base, "refs/heads/stable")
	tag := gitrepo.NewCommand(plumbing.ZeroHash, f.base, "refs/tags/v1")
	denied := gitrepo.NewCommand(plumbing.ZeroHash, f.base, "refs/meta/config")
	f.push(f.alice, PushOptions{}, review, branch, tag, denied)

	assert.Equal(t, gitrepo.ResultOK, review.Result, review.Message)
	assert.Equal(t, gitrepo.ResultOK, branch.Result, branch.Message)
	assert.Equal(t, gitrepo.ResultOK, tag.Result, tag.Message)
	assert.Equal(t, "prohibited", denied.Message)

	assert.ElementsMatch(t, []replication.Request{
		{Project: "proj", Ref: "refs/changes/01/1/1"},
		{Project: "proj", Ref: "refs/heads/stable"},
		{Project: "proj", Ref: "refs/tags/v1"},
	}, f.repl.Requests())
}
