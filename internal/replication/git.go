package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/niczy/gitreview/internal/gitrepo"
)

// ProjectPlaceholder in a remote URL is replaced by the project name.
const ProjectPlaceholder = "${name}"

const remoteName = "replica"

// GitPusher mirrors refs to every configured remote with go-git.
type GitPusher struct {
	repos   *gitrepo.Manager
	remotes []string
}

// NewGitPusher creates a pusher for the remote URL templates.
func NewGitPusher(repos *gitrepo.Manager, remotes []string) *GitPusher {
	return &GitPusher{repos: repos, remotes: remotes}
}

// RemoteURLs expands the templates for project.
func (p *GitPusher) RemoteURLs(project string) []string {
	urls := make([]string, 0, len(p.remotes))
	for _, tmpl := range p.remotes {
		urls = append(urls, strings.ReplaceAll(tmpl, ProjectPlaceholder, project))
	}
	return urls
}

// RefSpec returns the push refspec for ref: a forced update when the ref
// exists locally, a deletion otherwise.
func RefSpec(repo *gitrepo.Repository, ref string) config.RefSpec {
	if _, err := repo.Storer().Reference(plumbing.ReferenceName(ref)); err != nil {
		return config.RefSpec(":" + ref)
	}
	return config.RefSpec("+" + ref + ":" + ref)
}

// Push sends req.Ref to every remote; the first error is returned after all
// remotes were tried.
func (p *GitPusher) Push(ctx context.Context, req Request) error {
	repo, err := p.repos.Get(req.Project)
	if err != nil {
		return err
	}
	spec := RefSpec(repo, req.Ref)

	var firstErr error
	for _, url := range p.RemoteURLs(req.Project) {
		remote := git.NewRemote(repo.Storer(), &config.RemoteConfig{Name: remoteName, URLs: []string{url}})
		err := remote.PushContext(ctx, &git.PushOptions{
			RemoteName: remoteName,
			RefSpecs:   []config.RefSpec{spec},
		})
		if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) && firstErr == nil {
			firstErr = fmt.Errorf("push %s to %s: %w", req.Ref, url, err)
		}
	}
	return firstErr
}
