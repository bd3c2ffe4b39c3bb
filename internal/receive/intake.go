package receive

import (
	"context"
	"errors"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/models"
	"github.com/niczy/gitreview/internal/notify"
	"github.com/niczy/gitreview/internal/storage"
	"go.uber.org/zap"
)

// createNewChanges processes the refs/for/ command of the push. Every commit
// not yet known to the server either becomes a new change or, when its
// Change-Id names exactly one open change, a replacement of that change.
func (s *Session) createNewChanges(ctx context.Context) {
	cmd := s.newChange

	commits, err := s.repo.NewWalker().RevList(cmd.NewID, s.advertisedTips())
	if err != nil {
		s.logger.Error("cannot walk new commits", zap.String("commit", cmd.NewID.String()), zap.Error(err))
		cmd.Reject(reasonInternalError)
		return
	}

	var toCreate []*object.Commit
	var derived []*ReplaceRequest
	newKeys := make(map[string]bool)
	for _, c := range commits {
		if _, claimed := s.replaceByCommit[c.Hash]; claimed {
			continue
		}
		if out := s.validateCommit(c); out.Rejected {
			cmd.Reject(out.Reason)
			return
		}

		key := gitrepo.LastChangeID(c.Message)
		if key != "" {
			open, err := s.openChangesByKey(ctx, key)
			if err != nil {
				s.logger.Error("cannot look up Change-Id", zap.String("key", key), zap.String("commit", c.Hash.String()), zap.Error(err))
				cmd.Reject(reasonDatabaseError)
				return
			}
			switch len(open) {
			case 0:
			case 1:
				derived = append(derived, &ReplaceRequest{ChangeID: open[0].ID, Commit: c, Command: cmd})
				continue
			default:
				cmd.Reject(key + " has duplicates")
				return
			}
			if newKeys[key] {
				cmd.Reject(reasonSquash)
				return
			}
			newKeys[key] = true
		}
		toCreate = append(toCreate, c)
	}

	if len(toCreate) == 0 && len(derived) == 0 {
		cmd.Reject(reasonNoNewChanges)
		return
	}

	seenChange := make(map[int64]bool)
	for _, req := range derived {
		_, byChange := s.replaceByChange[req.ChangeID]
		if byChange || seenChange[req.ChangeID] {
			cmd.Reject(reasonDuplicateRequest)
			return
		}
		seenChange[req.ChangeID] = true
	}
	for _, req := range derived {
		s.requestReplace(req)
	}

	for _, c := range toCreate {
		if out := s.createChange(ctx, c); out.Rejected {
			cmd.Reject(out.Reason)
			return
		}
	}
	if len(toCreate) > 0 {
		cmd.SetResult(gitrepo.ResultOK, "")
	}
}

// createChange stores a new change with patch set 1 for commit c.
func (s *Session) createChange(ctx context.Context, c *object.Commit) Outcome {
	log := s.logger.With(zap.String("commit", c.Hash.String()))

	id, err := s.r.store.NextChangeID(ctx)
	if err != nil {
		log.Error("cannot allocate change id", zap.Error(err))
		return rejected(reasonDatabaseError)
	}
	log = log.With(zap.Int64("change", id))

	key := gitrepo.LastChangeID(c.Message)
	if key == "" {
		key = "I" + c.Hash.String()
	}
	now := s.r.now()
	change := &models.Change{
		ID:              id,
		Key:             key,
		Project:         s.project.Name,
		Dest:            s.destBranch,
		Topic:           s.topic,
		Owner:           s.pusher.ID,
		Status:          models.ChangeStatusNew,
		CurrentPatchSet: 1,
		NumPatchSets:    1,
		Subject:         subject(c),
		CreatedOn:       now,
		LastUpdatedOn:   now,
	}
	ps := &models.PatchSet{
		ID:        change.CurrentPatchSetID(),
		Revision:  c.Hash.String(),
		Uploader:  s.pusher.ID,
		CreatedOn: now,
		Ancestors: parentStrings(c),
	}

	if err := s.r.store.CreateChange(ctx, change); err != nil {
		log.Error("cannot store change", zap.Error(err))
		return rejected(reasonDatabaseError)
	}
	if err := s.r.store.CreatePatchSet(ctx, ps); err != nil {
		log.Error("cannot store patch set", zap.Error(err))
		if errors.Is(err, storage.ErrRevisionExists) {
			return rejected(reasonCommitExists)
		}
		return rejected(reasonDatabaseError)
	}

	reviewers, cc := s.recipients(ctx, c)
	approvals := PlanApprovals(ApprovalInputs{
		PatchSet:     ps.ID,
		Categories:   s.r.categories,
		Uploader:     s.pusher.ID,
		Participants: s.participants(ctx, c, reviewers),
		Granted:      now,
		ChangeOpen:   true,
	})
	if len(approvals) > 0 {
		if err := s.r.store.InsertApprovals(ctx, approvals); err != nil {
			log.Error("cannot store approvals", zap.Error(err))
			return rejected(reasonDatabaseError)
		}
	}

	if out := s.createPatchSetRef(ps.ID, c.Hash); out.Rejected {
		return out
	}

	s.created = append(s.created, change)
	s.addMessage("New change %d: %s", change.ID, change.Subject)
	s.r.metrics.ChangeCreated()
	log.Info("change created", zap.String("key", key))

	s.send(ctx, notify.Event{
		Kind:      notify.KindNewChange,
		Change:    *change,
		PatchSet:  *ps,
		Reviewers: reviewers,
		CC:        cc,
	})
	return accepted()
}

// participants lists the author, committer and reviewers of c as account ids.
func (s *Session) participants(ctx context.Context, c *object.Commit, reviewers []int64) []int64 {
	ids := []int64{
		s.accountByEmail(ctx, c.Author.Email),
		s.accountByEmail(ctx, c.Committer.Email),
	}
	return append(ids, reviewers...)
}
