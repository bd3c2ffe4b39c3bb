package receive

import (
	"context"
	"errors"
	"fmt"

	"github.com/niczy/gitreview/internal/gitrepo"
	"github.com/niczy/gitreview/internal/models"
	"github.com/niczy/gitreview/internal/storage"
	"go.uber.org/zap"
)

// Kind is the category a ref update falls into.
type Kind int

const (
	KindRejected Kind = iota
	KindNewChange
	KindReplace
	KindBranchCreate
	KindBranchUpdate
	KindBranchDelete
	KindTagCreate
)

func (k Kind) String() string {
	switch k {
	case KindRejected:
		return "rejected"
	case KindNewChange:
		return "new-change"
	case KindReplace:
		return "replace"
	case KindBranchCreate:
		return "branch-create"
	case KindBranchUpdate:
		return "branch-update"
	case KindBranchDelete:
		return "branch-delete"
	case KindTagCreate:
		return "tag-create"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Classification is the verdict for one command.
type Classification struct {
	Kind     Kind
	Branch   string
	Topic    string
	ChangeID int64
	Force    bool
}

// Rejected reports whether the command was refused.
func (c Classification) Rejected() bool {
	return c.Kind == KindRejected
}

// Classify decides what cmd asks for. Refused commands get their result set
// here; accepted review commands are registered on the session for intake.
func (s *Session) Classify(ctx context.Context, cmd *gitrepo.Command) Classification {
	if cmd.Type != gitrepo.CommandDelete && !s.repo.HasObject(cmd.NewID) {
		cmd.SetResult(gitrepo.ResultRejectedMissingObject, fmt.Sprintf("missing object %s", cmd.NewID))
		return Classification{Kind: KindRejected}
	}

	switch {
	case gitrepo.IsForReview(cmd.RefName):
		return s.classifyNewChange(cmd)
	case isReplaceRef(cmd.RefName):
		return s.classifyReplace(ctx, cmd)
	}

	if gitrepo.IsBranch(cmd.RefName) {
		if err := s.repo.ResolveType(cmd); err != nil {
			s.logger.Error("cannot resolve command type", zap.String("ref", cmd.RefName), zap.Error(err))
			return reject(cmd, reasonInternalError)
		}
	}

	switch {
	case gitrepo.IsTag(cmd.RefName) && cmd.Type == gitrepo.CommandCreate:
		return s.require(cmd, models.CapabilityPushTag, Classification{Kind: KindTagCreate})
	case gitrepo.IsBranch(cmd.RefName):
		switch cmd.Type {
		case gitrepo.CommandCreate:
			return s.require(cmd, models.CapabilityCreateHead, Classification{Kind: KindBranchCreate})
		case gitrepo.CommandUpdate:
			return s.require(cmd, models.CapabilityPushHead, Classification{Kind: KindBranchUpdate})
		case gitrepo.CommandUpdateNonFastForward:
			if !s.project.Can(s.pusher, models.CapabilityForcePushHead) {
				cmd.SetResult(gitrepo.ResultRejectedNonFastForward, "")
				return Classification{Kind: KindRejected}
			}
			return Classification{Kind: KindBranchUpdate, Force: true}
		case gitrepo.CommandDelete:
			if !s.project.Can(s.pusher, models.CapabilityForcePushHead) {
				return reject(cmd, reasonProhibited)
			}
			return s.require(cmd, models.CapabilityDeleteHead, Classification{Kind: KindBranchDelete})
		}
	}
	return reject(cmd, reasonProhibited)
}

func (s *Session) require(cmd *gitrepo.Command, c models.Capability, ok Classification) Classification {
	if !s.project.Can(s.pusher, c) {
		return reject(cmd, reasonProhibited)
	}
	return ok
}

func reject(cmd *gitrepo.Command, reason string) Classification {
	cmd.Reject(reason)
	return Classification{Kind: KindRejected}
}

func isReplaceRef(name string) bool {
	_, ok := gitrepo.ParseReplaceRef(name)
	return ok
}

func (s *Session) classifyNewChange(cmd *gitrepo.Command) Classification {
	if s.newChange != nil {
		return reject(cmd, reasonDuplicateRequest)
	}
	if cmd.Type != gitrepo.CommandCreate {
		return reject(cmd, reasonInvalidUsage)
	}
	if !s.project.Can(s.pusher, models.CapabilityUpload) {
		return reject(cmd, reasonCannotUpload)
	}

	branch, topic, ok := s.resolveDestination(cmd.RefName)
	if !ok {
		return reject(cmd, fmt.Sprintf("branch %s not found", gitrepo.ShortName(destinationName(cmd.RefName))))
	}
	if out := s.checkConnected(cmd.NewID); out.Rejected {
		return reject(cmd, out.Reason)
	}

	s.newChange = cmd
	s.destBranch = branch
	s.topic = topic
	return Classification{Kind: KindNewChange, Branch: branch, Topic: topic}
}

func (s *Session) classifyReplace(ctx context.Context, cmd *gitrepo.Command) Classification {
	changeID, _ := gitrepo.ParseReplaceRef(cmd.RefName)
	if cmd.Type != gitrepo.CommandCreate {
		return reject(cmd, reasonInvalidUsage)
	}

	change, err := s.r.store.GetChange(ctx, changeID)
	if errors.Is(err, storage.ErrChangeNotFound) || (err == nil && change.Project != s.project.Name) {
		return reject(cmd, fmt.Sprintf("change %d not found", changeID))
	}
	if err != nil {
		s.logger.Error("cannot load change", zap.Int64("change", changeID), zap.Error(err))
		return reject(cmd, reasonDatabaseError)
	}
	if change.Status.IsClosed() {
		return reject(cmd, reasonChangeClosed)
	}

	commit, err := s.repo.Commit(cmd.NewID)
	if err != nil {
		s.logger.Error("cannot read pushed commit", zap.String("commit", cmd.NewID.String()), zap.Error(err))
		return reject(cmd, reasonInternalError)
	}
	if !s.requestReplace(&ReplaceRequest{ChangeID: changeID, Commit: commit, Command: cmd}) {
		return reject(cmd, reasonDuplicateRequest)
	}
	return Classification{Kind: KindReplace, ChangeID: changeID}
}
