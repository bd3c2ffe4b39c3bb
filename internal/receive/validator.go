package receive

import (
	"strings"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/niczy/gitreview/internal/gitrepo"
)

// validateCommit applies the checks every uploaded commit must pass:
// the pusher must be the committer, merges made by the server itself may
// not be re-uploaded, and projects may require a sign-off.
func (s *Session) validateCommit(c *object.Commit) Outcome {
	if !s.pusher.HasEmail(c.Committer.Email) {
		return rejectedf("you are not committer %s", c.Committer.Email)
	}

	id := s.r.identity
	if len(c.ParentHashes) > 1 && id.Email != "" &&
		c.Author.Name == id.Name && strings.EqualFold(c.Author.Email, id.Email) {
		return rejected(reasonAmendMerge)
	}

	if s.project.UseSignedOffBy && !s.signedOff(c) {
		return rejected(reasonNotSignedOff)
	}
	return accepted()
}

func (s *Session) signedOff(c *object.Commit) bool {
	for _, f := range gitrepo.ParseFooters(c.Message) {
		if !f.Matches(gitrepo.FooterSignedOffBy) {
			continue
		}
		email := f.EmailAddress()
		if email == "" {
			continue
		}
		if strings.EqualFold(email, c.Author.Email) ||
			strings.EqualFold(email, c.Committer.Email) ||
			s.pusher.HasEmail(email) {
			return true
		}
	}
	return false
}
