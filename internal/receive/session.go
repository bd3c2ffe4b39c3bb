package receive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/models"
	"github.com/niczy/gitreview/internal/notify"
	"github.com/niczy/gitreview/internal/storage"
	"go.uber.org/zap"
)

// PushOptions are the reviewer and cc identifiers given with the push.
type PushOptions struct {
	Reviewers []string
	CC        []string
}

// ReplaceRequest asks for Commit to become the next patch set of ChangeID.
// It lives only as long as the push that produced it.
type ReplaceRequest struct {
	ChangeID int64
	Commit   *object.Commit
	Command  *gitrepo.Command

	// autoClose marks requests raised by a direct branch push, which were
	// already accepted by receive-pack and skip the commit validator.
	autoClose bool
}

// Session processes one push.
type Session struct {
	r       *Receiver
	project *models.Project
	repo    *gitrepo.Repository
	pusher  *models.Account
	logger  *zap.Logger

	reviewers []int64
	cc        []int64

	refs map[string]plumbing.Hash

	newChange  *gitrepo.Command
	destBranch string
	topic      string

	replaces        []*ReplaceRequest
	replaceByChange map[int64]*ReplaceRequest
	replaceByCommit map[plumbing.Hash]*ReplaceRequest

	kinds        map[*gitrepo.Command]Kind
	refsByCommit map[plumbing.Hash][]models.PatchSetID
	openByKey    map[string][]*models.Change
	accountIDs   map[string]int64

	created  []*models.Change
	messages []string
}

func newSession(r *Receiver, project *models.Project, repo *gitrepo.Repository, pusher *models.Account) *Session {
	return &Session{
		r:       r,
		project: project,
		repo:    repo,
		pusher:  pusher,
		logger: r.logger.With(
			zap.String("project", project.Name),
			zap.String("pusher", pusher.Username)),
		replaceByChange: make(map[int64]*ReplaceRequest),
		replaceByCommit: make(map[plumbing.Hash]*ReplaceRequest),
		kinds:           make(map[*gitrepo.Command]Kind),
		openByKey:       make(map[string][]*models.Change),
		accountIDs:      make(map[string]int64),
	}
}

// Messages returns the informational lines to show the pusher.
func (s *Session) Messages() []string {
	return append([]string(nil), s.messages...)
}

// CreatedChanges returns the changes created by this push.
func (s *Session) CreatedChanges() []*models.Change {
	return append([]*models.Change(nil), s.created...)
}

func (s *Session) addMessage(format string, args ...any) {
	s.messages = append(s.messages, fmt.Sprintf(format, args...))
}

// loadRefs snapshots the refs the server advertises to the pusher.
func (s *Session) loadRefs() error {
	refs, err := s.repo.Refs()
	if err != nil {
		return fmt.Errorf("list refs of %s: %w", s.project.Name, err)
	}
	s.refs = refs
	s.refsByCommit = nil
	return nil
}

// PreReceive decides every command before the transport applies refs.
// Commands left NOT_ATTEMPTED are branch and tag updates the transport
// should carry out; review commands end up OK or rejected.
func (s *Session) PreReceive(ctx context.Context, cmds []*gitrepo.Command) {
	for _, cmd := range cmds {
		kind := s.Classify(ctx, cmd)
		s.kinds[cmd] = kind.Kind
		if kind.Rejected() {
			s.logger.Info("command rejected",
				zap.String("ref", cmd.RefName),
				zap.String("result", cmd.Result.String()),
				zap.String("reason", cmd.Message))
		}
	}

	if s.newChange != nil && s.newChange.Pending() {
		s.createNewChanges(ctx)
	}
	s.doReplaces(ctx)

	for _, cmd := range cmds {
		s.r.metrics.CommandResult(s.kinds[cmd].String(), cmd.Result.String())
	}
}

func (s *Session) doReplaces(ctx context.Context) {
	for _, req := range s.replaces {
		if !req.Command.Pending() && req.Command.Result != gitrepo.ResultOK {
			continue
		}
		_, out := s.Replace(ctx, req)
		if out.Rejected {
			s.logger.Info("replacement rejected",
				zap.Int64("change", req.ChangeID),
				zap.String("commit", req.Commit.Hash.String()),
				zap.String("reason", out.Reason))
			req.Command.Reject(out.Reason)
			continue
		}
		if req.Command.Pending() {
			req.Command.SetResult(gitrepo.ResultOK, "")
		}
	}
}

// PostReceive runs after the transport applied the accepted commands. It
// closes changes merged by the push and schedules replication of every
// updated branch and tag.
func (s *Session) PostReceive(ctx context.Context, cmds []*gitrepo.Command) {
	if err := s.loadRefs(); err != nil {
		s.logger.Error("cannot reload refs", zap.Error(err))
		return
	}
	s.openByKey = make(map[string][]*models.Change)

	for _, cmd := range cmds {
		if cmd.Result != gitrepo.ResultOK {
			continue
		}
		if !gitrepo.IsBranch(cmd.RefName) && !gitrepo.IsTag(cmd.RefName) {
			continue
		}
		s.r.replicator.ScheduleUpdate(s.project.Name, cmd.RefName)
		if gitrepo.IsBranch(cmd.RefName) && cmd.Type != gitrepo.CommandDelete {
			s.autoClose(ctx, cmd)
		}
	}
}

// requestReplace registers req unless its change or commit is already
// claimed in this push.
func (s *Session) requestReplace(req *ReplaceRequest) bool {
	if _, dup := s.replaceByChange[req.ChangeID]; dup {
		return false
	}
	if _, dup := s.replaceByCommit[req.Commit.Hash]; dup {
		return false
	}
	s.replaces = append(s.replaces, req)
	s.replaceByChange[req.ChangeID] = req
	s.replaceByCommit[req.Commit.Hash] = req
	return true
}

// openChangesByKey returns the open changes of the project carrying key.
func (s *Session) openChangesByKey(ctx context.Context, key string) ([]*models.Change, error) {
	if open, ok := s.openByKey[key]; ok {
		return open, nil
	}
	changes, err := s.r.store.ListChangesByKey(ctx, s.project.Name, key)
	if err != nil {
		return nil, err
	}
	var open []*models.Change
	for _, c := range changes {
		if c.Status.IsOpen() {
			open = append(open, c)
		}
	}
	s.openByKey[key] = open
	return open, nil
}

// patchSetsByCommit indexes the advertised patch-set refs by commit.
func (s *Session) patchSetsByCommit() map[plumbing.Hash][]models.PatchSetID {
	if s.refsByCommit != nil {
		return s.refsByCommit
	}
	s.refsByCommit = make(map[plumbing.Hash][]models.PatchSetID)
	for name, h := range s.refs {
		changeID, num, ok := gitrepo.ParsePatchSetRef(name)
		if !ok {
			continue
		}
		s.refsByCommit[h] = append(s.refsByCommit[h], models.PatchSetID{ChangeID: changeID, PatchSetNum: num})
	}
	return s.refsByCommit
}

// advertisedTips returns every advertised ref target, peeled.
func (s *Session) advertisedTips() []plumbing.Hash {
	tips := make([]plumbing.Hash, 0, len(s.refs))
	for _, h := range s.refs {
		tips = append(tips, s.repo.Peel(h))
	}
	return tips
}

// headsAndTags returns the sorted names of advertised branches and tags.
func (s *Session) headsAndTags() (heads, tags []string) {
	for name := range s.refs {
		switch {
		case gitrepo.IsBranch(name):
			heads = append(heads, name)
		case gitrepo.IsTag(name):
			tags = append(tags, name)
		}
	}
	sort.Strings(heads)
	sort.Strings(tags)
	return heads, tags
}

// accountByEmail resolves an email to an account id, or 0.
func (s *Session) accountByEmail(ctx context.Context, email string) int64 {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return 0
	}
	if id, ok := s.accountIDs[email]; ok {
		return id
	}
	var id int64
	account, err := s.r.store.ResolveAccount(ctx, email)
	switch {
	case err == nil:
		id = account.ID
	case !errors.Is(err, storage.ErrAccountNotFound):
		s.logger.Warn("account lookup failed", zap.String("email", email), zap.Error(err))
	}
	s.accountIDs[email] = id
	return id
}

func (s *Session) resolveOptionAccounts(ctx context.Context, option string, names []string) []int64 {
	var ids []int64
	for _, name := range names {
		account, err := s.r.store.ResolveAccount(ctx, name)
		if err != nil {
			s.logger.Info("push option account skipped", zap.String("option", option), zap.String("name", name), zap.Error(err))
			s.addMessage("%s %s: account not found, skipped", option, name)
			continue
		}
		ids = appendUnique(ids, account.ID)
	}
	return ids
}

// recipients collects reviewers and cc for commit c from the push options
// and the commit footers. The pusher is never a recipient, and cc excludes
// reviewers.
func (s *Session) recipients(ctx context.Context, c *object.Commit) (reviewers, cc []int64) {
	reviewers = append(reviewers, s.reviewers...)
	cc = append(cc, s.cc...)
	for _, f := range gitrepo.ParseFooters(c.Message) {
		switch {
		case gitrepo.IsReviewerFooter(f):
			if id := s.footerAccount(ctx, f); id != 0 {
				reviewers = appendUnique(reviewers, id)
			}
		case f.Matches(gitrepo.FooterCC):
			if id := s.footerAccount(ctx, f); id != 0 {
				cc = appendUnique(cc, id)
			}
		}
	}
	reviewers = without(reviewers, s.pusher.ID)
	cc = without(cc, s.pusher.ID)
	cc = without(cc, reviewers...)
	return reviewers, cc
}

func (s *Session) footerAccount(ctx context.Context, f gitrepo.FooterLine) int64 {
	if email := f.EmailAddress(); email != "" {
		return s.accountByEmail(ctx, email)
	}
	return s.accountByEmail(ctx, f.Value)
}

func (s *Session) send(ctx context.Context, ev notify.Event) {
	ev.From = s.pusher.ID
	if err := s.r.notifier.Send(ctx, ev); err != nil {
		s.logger.Warn("cannot send notification",
			zap.String("kind", ev.Kind.String()),
			zap.Int64("change", ev.Change.ID),
			zap.Error(err))
	}
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func without(ids []int64, drop ...int64) []int64 {
	out := ids[:0:0]
	for _, id := range ids {
		keep := true
		for _, d := range drop {
			if id == d {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, id)
		}
	}
	return out
}

func subject(c *object.Commit) string {
	line, _, _ := strings.Cut(strings.TrimSpace(c.Message), "\n")
	return strings.TrimSpace(line)
}

func parentStrings(c *object.Commit) []string {
	out := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		out = append(out, p.String())
	}
	return out
}
