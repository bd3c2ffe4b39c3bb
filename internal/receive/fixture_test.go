package receive

import (
	"context"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/models"
	"github.com/niczy/gitreview/internal/notify"
	"github.com/niczy/gitreview/internal/replication"
	"github.com/niczy/gitreview/internal/storage"
	"github.com/stretchr/testify/require"
)

const (
	keyA = "I0123456789abcdef0123456789abcdef01234567"
	keyB = "Ifedcba9876543210fedcba9876543210fedcba98"
)

var serverIdentity = Identity{Name: "Code Review", Email: "review@example.com"}

func testCategories() []models.ApprovalCategory {
	return []models.ApprovalCategory{
		{ID: "CRVW", Name: "Code Review", MinValue: -2, MaxValue: 2, CopyMinScore: true},
		{ID: "VRIF", Name: "Verified", MinValue: -1, MaxValue: 1},
	}
}

type fixture struct {
	t   *testing.T
	ctx context.Context

	store   *storage.InMemoryStorage
	repo    *gitrepo.Repository
	project *models.Project
	notes   *notify.Recorder
	repl    *replication.Recorder
	r       *Receiver

	alice *models.Account
	bob   *models.Account
	carol *models.Account

	clock time.Time
	base  plumbing.Hash
}

// newFixture sets up project "proj" whose master branch holds one commit.
func newFixture(t *testing.T) *fixture {
	f := newEmptyFixture(t)
	f.base = f.commit("Initial import\n", map[string]string{"README": "hello\n"})
	_, err := f.repo.UpdateRef("refs/heads/master", plumbing.ZeroHash, f.base)
	require.NoError(t, err)
	return f
}

// newEmptyFixture sets up project "proj" with no refs at all.
func newEmptyFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: storage.NewInMemoryStorage(),
		repo:  gitrepo.NewMemoryRepository("proj", "master"),
		notes: &notify.Recorder{},
		repl:  &replication.Recorder{},
		clock: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.project = &models.Project{
		Name: "proj",
		Grants: map[models.Capability][]string{
			models.CapabilityUpload:        {models.GrantAnyone},
			models.CapabilityCreateHead:    {"alice"},
			models.CapabilityPushHead:      {"alice", "bob"},
			models.CapabilityForcePushHead: {"alice"},
			models.CapabilityDeleteHead:    {"alice", "carol"},
			models.CapabilityPushTag:       {"alice"},
		},
	}
	f.alice = f.account("alice", "Alice")
	f.bob = f.account("bob", "Bob")
	f.carol = f.account("carol", "Carol")
	f.r = f.receiver(f.store)
	return f
}

func (f *fixture) receiver(st storage.Storage) *Receiver {
	repos := gitrepo.NewManager("")
	repos.Register(f.repo)
	return NewReceiver(st, repos, Options{
		Projects:   map[string]*models.Project{"proj": f.project},
		Categories: testCategories(),
		Identity:   serverIdentity,
		Notifier:   f.notes,
		Replicator: f.repl,
	})
}

func (f *fixture) account(username, name string) *models.Account {
	a := &models.Account{
		Username:       username,
		FullName:       name,
		PreferredEmail: username + "@example.com",
		Emails:         []string{username + "@example.com"},
	}
	require.NoError(f.t, f.store.CreateAccount(f.ctx, a))
	return a
}

func sig(a *models.Account, when time.Time) object.Signature {
	return object.Signature{Name: a.FullName, Email: a.PreferredEmail, When: when}
}

// commit stores a commit authored and committed by alice. Every call gets a
// later timestamp so equal content still yields distinct commits.
func (f *fixture) commit(msg string, files map[string]string, parents ...plumbing.Hash) plumbing.Hash {
	return f.commitBy(f.alice, f.alice, msg, files, parents...)
}

func (f *fixture) commitBy(author, committer *models.Account, msg string, files map[string]string, parents ...plumbing.Hash) plumbing.Hash {
	f.t.Helper()
	f.clock = f.clock.Add(time.Minute)
	return f.store_(&object.Commit{
		Author:       sig(author, f.clock),
		Committer:    sig(committer, f.clock),
		Message:      msg,
		ParentHashes: parents,
	}, files)
}

func (f *fixture) store_(c *object.Commit, files map[string]string) plumbing.Hash {
	f.t.Helper()
	tree, err := f.repo.StoreTree(files)
	require.NoError(f.t, err)
	c.TreeHash = tree
	h, err := f.repo.StoreCommit(c)
	require.NoError(f.t, err)
	return h
}

func (f *fixture) session(pusher *models.Account, opts PushOptions) *Session {
	f.t.Helper()
	s, err := f.r.NewSession(f.ctx, "proj", pusher.Username, opts)
	require.NoError(f.t, err)
	return s
}

// push runs a whole push: pre-receive, the transport applying the accepted
// commands, and post-receive in a fresh session as a hook would.
func (f *fixture) push(pusher *models.Account, opts PushOptions, cmds ...*gitrepo.Command) *Session {
	f.t.Helper()
	s := f.session(pusher, opts)
	s.PreReceive(f.ctx, cmds)
	f.repo.ApplyCommands(cmds)
	f.session(pusher, opts).PostReceive(f.ctx, cmds)
	return s
}

func forReview(newID plumbing.Hash, target string) *gitrepo.Command {
	return gitrepo.NewCommand(plumbing.ZeroHash, newID, "refs/for/"+target)
}

func (f *fixture) ref(name string) (plumbing.Hash, bool) {
	f.t.Helper()
	refs, err := f.repo.Refs()
	require.NoError(f.t, err)
	h, ok := refs[name]
	return h, ok
}

func (f *fixture) change(id int64) *models.Change {
	f.t.Helper()
	c, err := f.store.GetChange(f.ctx, id)
	require.NoError(f.t, err)
	return c
}

func (f *fixture) patchSets(id int64) []*models.PatchSet {
	f.t.Helper()
	ps, err := f.store.ListPatchSets(f.ctx, id)
	require.NoError(f.t, err)
	return ps
}

func (f *fixture) approvals(id int64) []*models.PatchSetApproval {
	f.t.Helper()
	a, err := f.store.ListApprovalsByChange(f.ctx, id)
	require.NoError(f.t, err)
	return a
}

func (f *fixture) messages(id int64) []string {
	f.t.Helper()
	msgs, err := f.store.ListChangeMessages(f.ctx, id)
	require.NoError(f.t, err)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Message)
	}
	return out
}

// upload pushes c for review to master and requires it to succeed.
func (f *fixture) upload(c plumbing.Hash) *Session {
	f.t.Helper()
	cmd := forReview(c, "master")
	s := f.push(f.alice, PushOptions{}, cmd)
	require.Equal(f.t, gitrepo.ResultOK, cmd.Result, cmd.Message)
	return s
}

func withChangeID(subject, key string) string {
	return subject + "\n\nChange-Id: " + key + "\n"
}

func approvalsOn(all []*models.PatchSetApproval, ps models.PatchSetID) []*models.PatchSetApproval {
	var out []*models.PatchSetApproval
	for _, a := range all {
		if a.PatchSetID == ps {
			out = append(out, a)
		}
	}
	return out
}

func newStoredChange(id int64, project, key string) *models.Change {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Change{
		ID:              id,
		Key:             key,
		Project:         project,
		Dest:            "refs/heads/master",
		Status:          models.ChangeStatusNew,
		CurrentPatchSet: 1,
		NumPatchSets:    1,
		Subject:         "Stored",
		CreatedOn:       now,
		LastUpdatedOn:   now,
	}
}
