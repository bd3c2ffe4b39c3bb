// Package receive turns the ref updates of a git push into review records.
//
// A Receiver holds the long-lived collaborators (storage, repositories,
// notification and replication). Every push gets its own Session, which owns
// the push-scoped caches and is not safe for concurrent use.
package receive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/metrics"
	"github.com/niczy/gitreview/internal/models"
	"github.com/niczy/gitreview/internal/notify"
	"github.com/niczy/gitreview/internal/replication"
	"github.com/niczy/gitreview/internal/storage"
	"go.uber.org/zap"
)

var (
	ErrUnknownProject = errors.New("unknown project")
	ErrUnknownPusher  = errors.New("unknown pusher")
)

// Reasons reported back to the pusher.
const (
	reasonDuplicateRequest = "duplicate request"
	reasonCannotUpload     = "cannot upload review"
	reasonInvalidUsage     = "invalid usage"
	reasonChangeClosed     = "change is closed"
	reasonProhibited       = "prohibited"
	reasonNoCommonAncestry = "no common ancestry"
	reasonNoNewChanges     = "no new changes"
	reasonSquash           = "squash commits first"
	reasonCommitExists     = "commit already exists"
	reasonNoChanges        = "no changes made"
	reasonStateCorrupt     = "change state corrupt"
	reasonDatabaseError    = "database error"
	reasonInternalError    = "internal error"
	reasonAmendMerge       = "do not amend merges not made by you"
	reasonNotSignedOff     = "not Signed-off-by author/committer/uploader"
)

// Outcome is the accept/reject verdict of one step.
type Outcome struct {
	Rejected bool
	Reason   string
}

func accepted() Outcome {
	return Outcome{}
}

func rejected(reason string) Outcome {
	return Outcome{Rejected: true, Reason: reason}
}

func rejectedf(format string, args ...any) Outcome {
	return rejected(fmt.Sprintf(format, args...))
}

// Identity is the server's own git identity.
type Identity struct {
	Name  string
	Email string
}

// Options configures a Receiver. Nil collaborators are replaced by no-ops.
type Options struct {
	Projects   map[string]*models.Project
	Categories []models.ApprovalCategory
	Identity   Identity
	Notifier   notify.Sender
	Replicator replication.Scheduler
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Receiver processes pushes for every configured project.
type Receiver struct {
	store      storage.Storage
	repos      *gitrepo.Manager
	projects   map[string]*models.Project
	categories []models.ApprovalCategory
	identity   Identity
	notifier   notify.Sender
	replicator replication.Scheduler
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// NewReceiver creates a Receiver.
func NewReceiver(st storage.Storage, repos *gitrepo.Manager, opts Options) *Receiver {
	r := &Receiver{
		store:      st,
		repos:      repos,
		projects:   opts.Projects,
		categories: opts.Categories,
		identity:   opts.Identity,
		notifier:   opts.Notifier,
		replicator: opts.Replicator,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		now:        time.Now,
	}
	if r.projects == nil {
		r.projects = map[string]*models.Project{}
	}
	if r.notifier == nil {
		r.notifier = notify.Discard{}
	}
	if r.replicator == nil {
		r.replicator = replication.Discard{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Project returns the settings of a configured project.
func (r *Receiver) Project(name string) (*models.Project, error) {
	p, ok := r.projects[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, name)
	}
	return p, nil
}

// NewSession starts processing one push by pusher into project.
func (r *Receiver) NewSession(ctx context.Context, project, pusher string, opts PushOptions) (*Session, error) {
	p, err := r.Project(project)
	if err != nil {
		return nil, err
	}
	repo, err := r.repos.Get(project)
	if err != nil {
		return nil, err
	}
	account, err := r.store.ResolveAccount(ctx, pusher)
	if errors.Is(err, storage.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPusher, pusher)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve pusher %s: %w", pusher, err)
	}

	s := newSession(r, p, repo, account)
	if err := s.loadRefs(); err != nil {
		return nil, err
	}
	s.reviewers = s.resolveOptionAccounts(ctx, "reviewer", opts.Reviewers)
	s.cc = s.resolveOptionAccounts(ctx, "cc", opts.CC)
	return s, nil
}
