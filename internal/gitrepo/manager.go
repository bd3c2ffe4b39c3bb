package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrRepositoryNotFound is returned for projects with no repository.
var ErrRepositoryNotFound = errors.New("repository not found")

// Manager hands out one shared Repository per project so that ref writes
// from concurrent pushes serialize on the same lock.
type Manager struct {
	root string

	mu    sync.Mutex
	repos map[string]*Repository
}

// NewManager serves repositories found under root as <root>/<project>.git or
// <root>/<project>. An empty root only serves registered repositories.
func NewManager(root string) *Manager {
	return &Manager{root: root, repos: make(map[string]*Repository)}
}

// Register installs repo under its name, replacing any cached instance.
func (m *Manager) Register(repo *Repository) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repos[repo.Name()] = repo
}

// Get returns the repository of project, opening it on first use.
func (m *Manager) Get(project string) (*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if repo, ok := m.repos[project]; ok {
		return repo, nil
	}
	if m.root == "" || project == "" || strings.Contains(project, "..") {
		return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, project)
	}

	for _, candidate := range []string{project + ".git", project} {
		path := filepath.Join(m.root, filepath.FromSlash(candidate))
		if _, err := os.Stat(path); err != nil {
			continue
		}
		repo, err := Open(path)
		if err != nil {
			return nil, err
		}
		repo.name = project
		m.repos[project] = repo
		return repo, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRepositoryNotFound, project)
}
