package receive

import (
	"context"
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/models"
	"github.com/niczy/gitreview/internal/storage"
	"go.uber.org/zap"
)

// autoClose closes the open changes whose commits reached the branch updated
// by cmd without going through review.
func (s *Session) autoClose(ctx context.Context, cmd *gitrepo.Command) {
	var uninteresting []plumbing.Hash
	if !cmd.OldID.IsZero() {
		uninteresting = append(uninteresting, cmd.OldID)
	}
	commits, err := s.repo.NewWalker().RevList(cmd.NewID, uninteresting)
	if err != nil {
		s.logger.Error("cannot walk pushed branch", zap.String("ref", cmd.RefName), zap.Error(err))
		return
	}

	byCommit := s.patchSetsByCommit()
	var toReplace []*ReplaceRequest
	for _, c := range commits {
		if ids := byCommit[c.Hash]; len(ids) > 0 {
			for _, id := range ids {
				s.closeChange(ctx, cmd, id, c)
			}
			continue
		}
		if req := s.closingRequest(ctx, cmd, c); req != nil {
			toReplace = append(toReplace, req)
		}
	}

	for _, req := range toReplace {
		result, out := s.Replace(ctx, req)
		if out.Rejected {
			s.logger.Info("cannot close change merged by push",
				zap.Int64("change", req.ChangeID),
				zap.String("commit", req.Commit.Hash.String()),
				zap.String("reason", out.Reason))
			continue
		}
		if result.MergedInto == "" {
			s.logger.Warn("pushed commit not found on any branch",
				zap.Int64("change", req.ChangeID),
				zap.String("commit", req.Commit.Hash.String()))
		}
	}
}

// closingRequest returns a replacement for the first Change-Id footer of c
// that names an open change of the project.
func (s *Session) closingRequest(ctx context.Context, cmd *gitrepo.Command, c *object.Commit) *ReplaceRequest {
	for _, key := range gitrepo.FooterValues(gitrepo.ParseFooters(c.Message), gitrepo.FooterChangeID) {
		open, err := s.openChangesByKey(ctx, key)
		if err != nil {
			s.logger.Error("cannot look up Change-Id", zap.String("key", key), zap.Error(err))
			return nil
		}
		if len(open) == 0 {
			continue
		}
		req := &ReplaceRequest{ChangeID: open[0].ID, Commit: c, Command: cmd, autoClose: true}
		if _, dup := s.replaceByChange[req.ChangeID]; dup {
			return nil
		}
		s.replaceByChange[req.ChangeID] = req
		s.replaceByCommit[c.Hash] = req
		return req
	}
	return nil
}

// closeChange marks the change owning patch set id as merged by the push.
func (s *Session) closeChange(ctx context.Context, cmd *gitrepo.Command, id models.PatchSetID, c *object.Commit) {
	log := s.logger.With(zap.Int64("change", id.ChangeID), zap.String("commit", c.Hash.String()))

	change, err := s.r.store.GetChange(ctx, id.ChangeID)
	if errors.Is(err, storage.ErrChangeNotFound) {
		log.Warn("patch set ref without change", zap.String("ref", id.RefName()))
		return
	}
	if err != nil {
		log.Error("cannot load change", zap.Error(err))
		return
	}
	if change.Status.IsClosed() {
		return
	}
	ps, err := s.r.store.GetPatchSet(ctx, id)
	if err != nil {
		log.Warn("patch set ref without patch set", zap.String("ref", id.RefName()), zap.Error(err))
		return
	}

	updated, err := s.r.store.AtomicUpdateChange(ctx, change.ID, func(cur models.Change) (models.Change, bool) {
		if cur.Status.IsClosed() {
			return cur, false
		}
		cur.Status = models.ChangeStatusMerged
		cur.CurrentPatchSet = id.PatchSetNum
		return cur, true
	})
	if errors.Is(err, storage.ErrUpdateAborted) {
		return
	}
	if err != nil {
		log.Error("cannot close change", zap.Error(err))
		return
	}

	s.closeApprovals(ctx, log, change.ID)
	s.announceMerged(ctx, log, updated, ps, cmd.RefName)
}
