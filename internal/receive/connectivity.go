package receive

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/niczy/gitreview/internal/gitrepo"
	"go.uber.org/zap"
)

// destinationName turns refs/for/<name> into the full ref it asks for.
func destinationName(ref string) string {
	return gitrepo.FullBranchName(strings.TrimPrefix(ref, gitrepo.ForPrefix))
}

// resolveDestination finds the branch a refs/for/ push targets. When the
// full name is not a branch, successively shorter prefixes are tried and the
// remainder becomes the topic. A branch that only exists as the target of
// HEAD (an empty repository) is accepted as well.
func (s *Session) resolveDestination(ref string) (branch, topic string, ok bool) {
	head := s.repo.HeadTarget()
	candidate := destinationName(ref)
	for {
		if _, exists := s.refs[candidate]; exists || candidate == head {
			return candidate, topic, true
		}
		i := strings.LastIndexByte(candidate, '/')
		if i <= 0 {
			return "", "", false
		}
		prefix := candidate[:i]
		if prefix+"/" == gitrepo.BranchPrefix || prefix+"/" == gitrepo.RefsPrefix {
			return "", "", false
		}
		if topic == "" {
			topic = candidate[i+1:]
		} else {
			topic = candidate[i+1:] + "/" + topic
		}
		candidate = prefix
	}
}

// checkConnected requires tip to share history with an advertised branch or
// tag. A repository without branches and tags accepts any history.
func (s *Session) checkConnected(tip plumbing.Hash) Outcome {
	heads, tags := s.headsAndTags()
	haves := make([]plumbing.Hash, 0, len(heads)+len(tags))
	for _, name := range append(heads, tags...) {
		haves = append(haves, s.repo.Peel(s.refs[name]))
	}

	connected, err := s.repo.NewWalker().Connected(tip, haves)
	if err != nil {
		s.logger.Error("connectivity walk failed", zap.String("commit", tip.String()), zap.Error(err))
		return rejected(reasonInternalError)
	}
	if !connected {
		return rejected(reasonNoCommonAncestry)
	}
	return accepted()
}
