package receive

import (
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyBranchAndTagCommands(t *testing.T) {
	f := newFixture(t)
	next := f.commit("Next\n", map[string]string{"README": "next\n"}, f.base)
	side := f.commit("Side\n", map[string]string{"side": "x\n"})
	missing := plumbing.NewHash("1234567890123456789012345678901234567890")

	tests := []struct {
		name       string
		pusher     string
		cmd        *gitrepo.Command
		wantKind   Kind
		wantForce  bool
		wantResult gitrepo.Result
		wantMsg    string
	}{
		{
			name:       "branch create granted",
			pusher:     "alice",
			cmd:        gitrepo.NewCommand(plumbing.ZeroHash, next, "refs/heads/feature"),
			wantKind:   KindBranchCreate,
			wantResult: gitrepo.ResultNotAttempted,
		},
		{
			name:       "branch create denied",
			pusher:     "bob",
			cmd:        gitrepo.NewCommand(plumbing.ZeroHash, next, "refs/heads/feature"),
			wantKind:   KindRejected,
			wantResult: gitrepo.ResultRejectedOtherReason,
			wantMsg:    "prohibited",
		},
		{
			name:       "fast forward",
			pusher:     "bob",
			cmd:        gitrepo.NewCommand(f.base, next, "refs/heads/master"),
			wantKind:   KindBranchUpdate,
			wantResult: gitrepo.ResultNotAttempted,
		},
		{
			name:       "non fast forward without force",
			pusher:     "bob",
			cmd:        gitrepo.NewCommand(f.base, side, "refs/heads/master"),
			wantKind:   KindRejected,
			wantResult: gitrepo.ResultRejectedNonFastForward,
		},
		{
			name:       "non fast forward with force",
			pusher:     "alice",
			cmd:        gitrepo.NewCommand(f.base, side, "refs/heads/master"),
			wantKind:   KindBranchUpdate,
			wantForce:  true,
			wantResult: gitrepo.ResultNotAttempted,
		},
		{
			name:       "branch delete denied",
			pusher:     "bob",
			cmd:        gitrepo.NewCommand(f.base, plumbing.ZeroHash, "refs/heads/master"),
			wantKind:   KindRejected,
			wantResult: gitrepo.ResultRejectedOtherReason,
			wantMsg:    "prohibited",
		},
		{
			name:       "branch delete without force push",
			pusher:     "carol",
			cmd:        gitrepo.NewCommand(f.base, plumbing.ZeroHash, "refs/heads/master"),
			wantKind:   KindRejected,
			wantResult: gitrepo.ResultRejectedOtherReason,
			wantMsg:    "prohibited",
		},
		{
			name:       "branch delete granted",
			pusher:     "alice",
			cmd:        gitrepo.NewCommand(f.base, plumbing.ZeroHash, "refs/heads/master"),
			wantKind:   KindBranchDelete,
			wantResult: gitrepo.ResultNotAttempted,
		},
		{
			name:       "tag create granted",
			pusher:     "alice",
			cmd:        gitrepo.NewCommand(plumbing.ZeroHash, next, "refs/tags/v1"),
			wantKind:   KindTagCreate,
			wantResult: gitrepo.ResultNotAttempted,
		},
		{
			name:       "tag create denied",
			pusher:     "bob",
			cmd:        gitrepo.NewCommand(plumbing.ZeroHash, next, "refs/tags/v1"),
			wantKind:   KindRejected,
			wantResult: gitrepo.ResultRejectedOtherReason,
			wantMsg:    "prohibited",
		},
		{
			name:       "tag update",
			pusher:     "alice",
			cmd:        gitrepo.NewCommand(f.base, next, "refs/tags/v1"),
			wantKind:   KindRejected,
			wantResult: gitrepo.ResultRejectedOtherReason,
			wantMsg:    "prohibited",
		},
		{
			name:       "other namespace",
			pusher:     "alice",
			cmd:        gitrepo.NewCommand(plumbing.ZeroHash, next, "refs/meta/config"),
			wantKind:   KindRejected,
			wantResult: gitrepo.ResultRejectedOtherReason,
			wantMsg:    "prohibited",
		},
		{
			name:       "missing object",
			pusher:     "alice",
			cmd:        gitrepo.NewCommand(plumbing.ZeroHash, missing, "refs/heads/feature"),
			wantKind:   KindRejected,
			wantResult: gitrepo.ResultRejectedMissingObject,
			wantMsg:    "missing object " + missing.String(),
		},
		{
			name:       "replace of unknown change",
			pusher:     "alice",
			cmd:        gitrepo.NewCommand(plumbing.ZeroHash, next, "refs/changes/99"),
			wantKind:   KindRejected,
			wantResult: gitrepo.ResultRejectedOtherReason,
			wantMsg:    "change 99 not found",
		},
		{
			name:       "review ref update",
			pusher:     "alice",
			cmd:        gitrepo.NewCommand(f.base, next, "refs/for/master"),
			wantKind:   KindRejected,
			wantResult: gitrepo.ResultRejectedOtherReason,
			wantMsg:    "invalid usage",
		},
		{
			name:       "unknown destination",
			pusher:     "alice",
			cmd:        forReview(next, "nope"),
			wantKind:   KindRejected,
			wantResult: gitrepo.ResultRejectedOtherReason,
			wantMsg:    "branch nope not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := f.r.NewSession(f.ctx, "proj", tt.pusher, PushOptions{})
			require.NoError(t, err)

			got := s.Classify(f.ctx, tt.cmd)
			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, tt.wantForce, got.Force)
			assert.Equal(t, tt.wantResult, tt.cmd.Result)
			assert.Equal(t, tt.wantMsg, tt.cmd.Message)
		})
	}
}

func TestClassifyNewChangeDestination(t *testing.T) {
	f := newFixture(t)
	c := f.commit("Work\n", map[string]string{"README": "work\n"}, f.base)

	s := f.session(f.alice, PushOptions{})
	got := s.Classify(f.ctx, forReview(c, "master/fix-login/part-1"))
	require.Equal(t, KindNewChange, got.Kind)
	assert.Equal(t, "refs/heads/master", got.Branch)
	assert.Equal(t, "fix-login/part-1", got.Topic)

	s = f.session(f.alice, PushOptions{})
	got = s.Classify(f.ctx, forReview(c, "refs/heads/master"))
	require.Equal(t, KindNewChange, got.Kind)
	assert.Equal(t, "refs/heads/master", got.Branch)
	assert.Empty(t, got.Topic)
}

func TestClassifyCannotUpload(t *testing.T) {
	f := newFixture(t)
	f.project.Grants["upload"] = []string{"alice"}
	c := f.commitBy(f.bob, f.bob, "Work\n", map[string]string{"README": "work\n"}, f.base)

	cmd := forReview(c, "master")
	f.push(f.bob, PushOptions{}, cmd)
	assert.Equal(t, gitrepo.ResultRejectedOtherReason, cmd.Result)
	assert.Equal(t, "cannot upload review", cmd.Message)
}

func TestClassifyDuplicateRequests(t *testing.T) {
	f := newFixture(t)
	first := f.commit("First\n", map[string]string{"a": "1\n"}, f.base)
	second := f.commit("Second\n", map[string]string{"b": "2\n"}, f.base)

	cmdA := forReview(first, "master")
	cmdB := forReview(second, "master")
	f.push(f.alice, PushOptions{}, cmdA, cmdB)

	assert.Equal(t, gitrepo.ResultOK, cmdA.Result)
	assert.Equal(t, gitrepo.ResultRejectedOtherReason, cmdB.Result)
	assert.Equal(t, "duplicate request", cmdB.Message)

	// Two replacements of the same change in one push.
	third := f.commit("Third\n", map[string]string{"c": "3\n"}, f.base)
	fourth := f.commit("Fourth\n", map[string]string{"d": "4\n"}, f.base)
	cmdC := gitrepo.NewCommand(plumbing.ZeroHash, third, "refs/changes/1")
	cmdD := gitrepo.NewCommand(plumbing.ZeroHash, fourth, "refs/changes/01/1/new")
	f.push(f.alice, PushOptions{}, cmdC, cmdD)

	assert.Equal(t, gitrepo.ResultOK, cmdC.Result, cmdC.Message)
	assert.Equal(t, "duplicate request", cmdD.Message)
	assert.Len(t, f.patchSets(1), 2)
}

func TestClassifyReplaceOfOtherProjectsChange(t *testing.T) {
	f := newFixture(t)
	id, err := f.store.NextChangeID(f.ctx)
	require.NoError(t, err)
	change := newStoredChange(id, "other", keyA)
	require.NoError(t, f.store.CreateChange(f.ctx, change))

	c := f.commit("Work\n", map[string]string{"README": "work\n"}, f.base)
	cmd := gitrepo.NewCommand(plumbing.ZeroHash, c, "refs/changes/1")
	f.push(f.alice, PushOptions{}, cmd)
	assert.Equal(t, "change 1 not found", cmd.Message)
}
