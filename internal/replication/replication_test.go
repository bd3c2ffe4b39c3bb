package replication

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPusher struct {
	mu   sync.Mutex
	reqs []Request
	fail bool
}

func (p *recordingPusher) Push(_ context.Context, req Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.fail {
		return errors.New("remote unreachable")
	}
	return nil
}

func TestQueueDrainsOnClose(t *testing.T) {
	pusher := &recordingPusher{}
	q := NewQueue(pusher, 2, 8, nil, nil)

	q.ScheduleUpdate("proj", "refs/changes/01/1/1")
	q.ScheduleUpdate("proj", "refs/heads/master")
	q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Run(ctx))
	assert.ElementsMatch(t, []Request{
		{Project: "proj", Ref: "refs/changes/01/1/1"},
		{Project: "proj", Ref: "refs/heads/master"},
	}, pusher.reqs)
}

func TestQueueDropsWhenFull(t *testing.T) {
	m := metrics.New()
	q := NewQueue(&recordingPusher{}, 1, 1, nil, m)

	q.ScheduleUpdate("proj", "refs/heads/a")
	q.ScheduleUpdate("proj", "refs/heads/b")

	assert.Len(t, q.reqs, 1)
	q.Close()
	q.ScheduleUpdate("proj", "refs/heads/c")
	assert.Len(t, q.reqs, 1)
	require.NoError(t, q.Run(context.Background()))

	expected := `
# HELP gitreview_replication_requests_total Replication requests by outcome.
# TYPE gitreview_replication_requests_total counter
gitreview_replication_requests_total{outcome="dropped"} 2
gitreview_replication_requests_total{outcome="pushed"} 1
gitreview_replication_requests_total{outcome="queued"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "gitreview_replication_requests_total"))
}

func TestQueueFailuresAreNotFatal(t *testing.T) {
	pusher := &recordingPusher{fail: true}
	q := NewQueue(pusher, 1, 4, nil, nil)
	q.ScheduleUpdate("proj", "refs/heads/master")
	q.Close()
	require.NoError(t, q.Run(context.Background()))
	assert.Len(t, pusher.reqs, 1)
}

func TestRecorder(t *testing.T) {
	var s Scheduler = &Recorder{}
	s.ScheduleUpdate("p", "refs/heads/x")
	assert.Equal(t, []Request{{Project: "p", Ref: "refs/heads/x"}}, s.(*Recorder).Requests())
}

func TestGitPusherRemoteURLs(t *testing.T) {
	p := NewGitPusher(gitrepo.NewManager(""), []string{"ssh://mirror/${name}.git", "file:///srv/${name}"})
	assert.Equal(t, []string{"ssh://mirror/tools/app.git", "file:///srv/tools/app"}, p.RemoteURLs("tools/app"))
}

func TestRefSpec(t *testing.T) {
	repo := gitrepo.NewMemoryRepository("proj", "master")
	tree, err := repo.StoreTree(map[string]string{"a": "1"})
	require.NoError(t, err)
	c, err := repo.StoreCommit(&object.Commit{
		Author:    object.Signature{Name: "A", Email: "a@example.com"},
		Committer: object.Signature{Name: "A", Email: "a@example.com"},
		Message:   "init\n",
		TreeHash:  tree,
	})
	require.NoError(t, err)
	_, err = repo.CreateRef("refs/heads/master", c)
	require.NoError(t, err)

	assert.Equal(t, config.RefSpec("+refs/heads/master:refs/heads/master"), RefSpec(repo, "refs/heads/master"))
	assert.Equal(t, config.RefSpec(":refs/heads/gone"), RefSpec(repo, "refs/heads/gone"))
	assert.NotEqual(t, plumbing.ZeroHash, c)
}

func TestGitPusherUnknownProject(t *testing.T) {
	p := NewGitPusher(gitrepo.NewManager(""), []string{"file:///tmp/${name}"})
	err := p.Push(context.Background(), Request{Project: "missing", Ref: "refs/heads/master"})
	assert.ErrorIs(t, err, gitrepo.ErrRepositoryNotFound)
}
