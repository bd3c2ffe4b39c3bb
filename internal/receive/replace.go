package receive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"
	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/models"
	"github.com/niczy/gitreview/internal/notify"
	"github.com/niczy/gitreview/internal/storage"
	"go.uber.org/zap"
)

// ReplaceResult describes a patch set created by Replace.
type ReplaceResult struct {
	Change   *models.Change
	PatchSet *models.PatchSet
	// MergedInto is the branch or tag already containing the commit, if any.
	MergedInto string
	// Warning is shown to the pusher when only metadata changed.
	Warning string
}

// Replace adds req.Commit as the next patch set of req.ChangeID.
//
// Records are written first and the patch-set ref last. The change row is
// advanced with two compare-and-update steps: the first allocates the patch
// set number and the second publishes the patch set as current. Losing the
// second step to a concurrent close deletes the new patch set again.
func (s *Session) Replace(ctx context.Context, req *ReplaceRequest) (*ReplaceResult, Outcome) {
	c := req.Commit
	log := s.logger.With(zap.Int64("change", req.ChangeID), zap.String("commit", c.Hash.String()))

	if !req.autoClose {
		if out := s.validateCommit(c); out.Rejected {
			return nil, out
		}
	}

	change, err := s.r.store.GetChange(ctx, req.ChangeID)
	if errors.Is(err, storage.ErrChangeNotFound) {
		return nil, rejectedf("change %d not found", req.ChangeID)
	}
	if err != nil {
		log.Error("cannot load change", zap.Error(err))
		return nil, rejected(reasonDatabaseError)
	}
	if change.Status.IsClosed() {
		return nil, rejected(reasonChangeClosed)
	}

	patchSets, err := s.r.store.ListPatchSets(ctx, change.ID)
	if err != nil {
		log.Error("cannot list patch sets", zap.Error(err))
		return nil, rejected(reasonDatabaseError)
	}
	warning, out := s.compareWithPriorPatchSets(*change, patchSets, c)
	if out.Rejected {
		return nil, out
	}

	prior, err := s.r.store.ListApprovalsByChange(ctx, change.ID)
	if err != nil {
		log.Error("cannot list approvals", zap.Error(err))
		return nil, rejected(reasonDatabaseError)
	}

	allocated, err := s.r.store.AtomicUpdateChange(ctx, change.ID, func(cur models.Change) (models.Change, bool) {
		if cur.Status.IsClosed() {
			return cur, false
		}
		return cur.NextPatchSet(), true
	})
	if out := s.updateOutcome(log, change.ID, err); out.Rejected {
		return nil, out
	}

	now := s.r.now()
	ps := &models.PatchSet{
		ID:        models.PatchSetID{ChangeID: change.ID, PatchSetNum: allocated.NumPatchSets},
		Revision:  c.Hash.String(),
		Uploader:  s.pusher.ID,
		CreatedOn: now,
		Ancestors: parentStrings(c),
	}
	log = log.With(zap.Int("patch_set", ps.ID.PatchSetNum))
	if err := s.r.store.CreatePatchSet(ctx, ps); err != nil {
		if errors.Is(err, storage.ErrRevisionExists) {
			return nil, rejected(reasonCommitExists)
		}
		log.Error("cannot store patch set", zap.Error(err))
		return nil, rejected(reasonDatabaseError)
	}

	mergedInto, err := s.mergedIntoRef(c.Hash, change.Dest)
	if err != nil {
		log.Error("cannot check merged state", zap.Error(err))
		s.rollbackPatchSet(ctx, log, ps.ID)
		return nil, rejected(reasonInternalError)
	}

	reviewers, cc := s.recipients(ctx, c)
	approvals := PlanApprovals(ApprovalInputs{
		PatchSet:      ps.ID,
		Prior:         prior,
		PriorPatchSet: change.CurrentPatchSetID(),
		Categories:    s.r.categories,
		Uploader:      s.pusher.ID,
		Participants:  s.participants(ctx, c, reviewers),
		Granted:       now,
		ChangeOpen:    mergedInto == "",
	})
	if len(approvals) > 0 {
		if err := s.r.store.InsertApprovals(ctx, approvals); err != nil {
			log.Error("cannot store approvals", zap.Error(err))
			s.rollbackPatchSet(ctx, log, ps.ID)
			return nil, rejected(reasonDatabaseError)
		}
	}

	setTopic := req.Command == s.newChange && s.newChange != nil
	final, err := s.r.store.AtomicUpdateChange(ctx, change.ID, func(cur models.Change) (models.Change, bool) {
		if cur.Status.IsClosed() {
			return cur, false
		}
		cur.CurrentPatchSet = ps.ID.PatchSetNum
		cur.Subject = subject(c)
		if mergedInto != "" {
			cur.Status = models.ChangeStatusMerged
		} else {
			cur.Status = models.ChangeStatusNew
			if setTopic {
				cur.Topic = s.topic
			}
		}
		return cur, true
	})
	if out := s.updateOutcome(log, change.ID, err); out.Rejected {
		s.rollbackPatchSet(ctx, log, ps.ID)
		return nil, out
	}
	if mergedInto != "" {
		s.closeApprovals(ctx, log, change.ID)
	}

	s.addChangeMessage(ctx, log, change.ID, fmt.Sprintf("Uploaded patch set %d.", ps.ID.PatchSetNum))
	if out := s.createPatchSetRef(ps.ID, c.Hash); out.Rejected {
		return nil, out
	}

	result := &ReplaceResult{Change: final, PatchSet: ps, MergedInto: mergedInto, Warning: warning}
	if warning != "" {
		s.addMessage("%s", warning)
	}
	s.r.metrics.PatchSetReplaced()

	if mergedInto != "" {
		s.announceMerged(ctx, log, final, ps, mergedInto)
		return result, accepted()
	}

	voters, watchers := priorParticipants(prior)
	allReviewers := reviewers
	for _, id := range voters {
		allReviewers = appendUnique(allReviewers, id)
	}
	allCC := cc
	for _, id := range watchers {
		allCC = appendUnique(allCC, id)
	}
	s.send(ctx, notify.Event{
		Kind:      notify.KindNewPatchSet,
		Change:    *final,
		PatchSet:  *ps,
		Reviewers: without(allReviewers, s.pusher.ID),
		CC:        without(without(allCC, s.pusher.ID), allReviewers...),
	})
	log.Info("patch set replaced")
	return result, accepted()
}

// compareWithPriorPatchSets rejects commits that repeat or build on an
// earlier patch set, and describes metadata-only updates of the current one.
func (s *Session) compareWithPriorPatchSets(change models.Change, patchSets []*models.PatchSet, c *object.Commit) (string, Outcome) {
	commits := make([]*object.Commit, 0, len(patchSets))
	for _, ps := range patchSets {
		prior, err := s.repo.Commit(plumbing.NewHash(ps.Revision))
		if err != nil {
			s.logger.Error("patch set commit unreadable",
				zap.String("patch_set", ps.ID.String()),
				zap.String("revision", ps.Revision),
				zap.Error(err))
			return "", rejected(reasonStateCorrupt)
		}
		if prior.Hash == c.Hash {
			return "", rejected(reasonCommitExists)
		}
		commits = append(commits, prior)
	}

	walker := s.repo.NewWalker()
	var warning string
	for i, prior := range commits {
		merged, err := walker.IsMergedInto(prior.Hash, c.Hash)
		if err != nil {
			s.logger.Error("ancestry check failed", zap.String("commit", c.Hash.String()), zap.Error(err))
			return "", rejected(reasonInternalError)
		}
		if merged {
			return "", rejected(reasonSquash)
		}

		if patchSets[i].ID.PatchSetNum != change.CurrentPatchSet || prior.TreeHash != c.TreeHash {
			continue
		}
		sameMessage := prior.Message == c.Message
		sameParents := equalHashes(prior.ParentHashes, c.ParentHashes)
		if sameMessage && sameParents {
			return "", rejected(reasonNoChanges)
		}
		warning = noFilesChangedWarning(change, sameMessage, sameParents)
	}
	return warning, accepted()
}

func noFilesChangedWarning(change models.Change, sameMessage, sameParents bool) string {
	var b strings.Builder
	b.WriteString(change.KeyAbbrev())
	b.WriteString(": no files changed, but")
	if !sameMessage {
		b.WriteString(" message updated")
	}
	if !sameMessage && !sameParents {
		b.WriteString(" and")
	}
	if !sameParents {
		b.WriteString(" was rebased")
	}
	return b.String()
}

func equalHashes(a, b []plumbing.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mergedIntoRef returns the first advertised branch or tag whose history
// contains commit, trying dest first, then other branches, then tags.
func (s *Session) mergedIntoRef(commit plumbing.Hash, dest string) (string, error) {
	heads, tags := s.headsAndTags()
	candidates := make([]string, 0, len(heads)+len(tags))
	if _, ok := s.refs[dest]; ok {
		candidates = append(candidates, dest)
	}
	for _, name := range heads {
		if name != dest {
			candidates = append(candidates, name)
		}
	}
	candidates = append(candidates, tags...)

	walker := s.repo.NewWalker()
	for _, name := range candidates {
		merged, err := walker.IsMergedInto(commit, s.repo.Peel(s.refs[name]))
		if err != nil {
			return "", err
		}
		if merged {
			return name, nil
		}
	}
	return "", nil
}

// updateOutcome maps a compare-and-update error to the pusher's reason.
func (s *Session) updateOutcome(log *zap.Logger, changeID int64, err error) Outcome {
	switch {
	case err == nil:
		return accepted()
	case errors.Is(err, storage.ErrUpdateAborted):
		return rejected(reasonChangeClosed)
	case errors.Is(err, storage.ErrChangeNotFound):
		return rejectedf("change %d not found", changeID)
	default:
		log.Error("cannot update change", zap.Error(err))
		return rejected(reasonDatabaseError)
	}
}

// rollbackPatchSet removes a patch set that never became current.
func (s *Session) rollbackPatchSet(ctx context.Context, log *zap.Logger, id models.PatchSetID) {
	if err := s.r.store.DeleteApprovals(ctx, id); err != nil {
		log.Error("cannot roll back approvals", zap.String("patch_set", id.String()), zap.Error(err))
	}
	if err := s.r.store.DeletePatchSet(ctx, id); err != nil {
		log.Error("cannot roll back patch set", zap.String("patch_set", id.String()), zap.Error(err))
	}
}

// closeApprovals re-caches every approval of a change as belonging to a
// closed change.
func (s *Session) closeApprovals(ctx context.Context, log *zap.Logger, changeID int64) {
	approvals, err := s.r.store.ListApprovalsByChange(ctx, changeID)
	if err != nil {
		log.Error("cannot list approvals", zap.Error(err))
		return
	}
	var open []*models.PatchSetApproval
	for _, a := range approvals {
		if a.ChangeOpen {
			a.ChangeOpen = false
			open = append(open, a)
		}
	}
	if len(open) == 0 {
		return
	}
	if err := s.r.store.UpdateApprovals(ctx, open); err != nil {
		log.Error("cannot close approvals", zap.Error(err))
	}
}

func (s *Session) addChangeMessage(ctx context.Context, log *zap.Logger, changeID int64, text string) {
	msg := &models.ChangeMessage{
		ChangeID:  changeID,
		UUID:      uuid.NewString(),
		Author:    s.pusher.ID,
		WrittenOn: s.r.now(),
		Message:   text,
	}
	if err := s.r.store.AddChangeMessage(ctx, msg); err != nil {
		log.Error("cannot add change message", zap.Error(err))
	}
}

// announceMerged records and announces a change closed by a direct push.
func (s *Session) announceMerged(ctx context.Context, log *zap.Logger, change *models.Change, ps *models.PatchSet, mergedInto string) {
	text := "Change has been successfully pushed."
	if gitrepo.IsBranch(mergedInto) {
		text = fmt.Sprintf("Change has been successfully pushed into branch %s.", gitrepo.ShortName(mergedInto))
	}
	s.addChangeMessage(ctx, log, change.ID, text)
	s.r.metrics.MergedByPush()
	log.Info("change merged by push", zap.String("ref", mergedInto))

	approvals, err := s.r.store.ListApprovalsByChange(ctx, change.ID)
	if err != nil {
		log.Warn("cannot list approvals for merge notification", zap.Error(err))
	}
	voters, watchers := priorParticipants(approvals)
	s.send(ctx, notify.Event{
		Kind:      notify.KindMerged,
		Change:    *change,
		PatchSet:  *ps,
		Message:   text,
		Reviewers: without(voters, s.pusher.ID),
		CC:        without(watchers, s.pusher.ID),
	})
}
