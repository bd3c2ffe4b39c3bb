package receive

import (
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/models"
	"go.uber.org/zap"
)

// createPatchSetRef creates the ref of a new patch set and schedules its
// replication. The ref must not exist yet; anything but a fresh ref is an
// internal error for the command.
func (s *Session) createPatchSetRef(id models.PatchSetID, commit plumbing.Hash) Outcome {
	name := id.RefName()
	res, err := s.repo.CreateRef(name, commit)
	if err != nil || res != gitrepo.RefNew {
		s.logger.Error("cannot create patch set ref",
			zap.String("ref", name),
			zap.String("commit", commit.String()),
			zap.Int("result", int(res)),
			zap.Error(err))
		return rejected(reasonInternalError)
	}
	s.refs[name] = commit
	if s.refsByCommit != nil {
		s.refsByCommit[commit] = append(s.refsByCommit[commit], id)
	}
	s.r.replicator.ScheduleUpdate(s.project.Name, name)
	return accepted()
}
