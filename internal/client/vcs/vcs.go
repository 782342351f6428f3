// Package vcs adapts go-git into a put_file sink: writing a file into a
// local clone, committing it, and pushing to its configured remote
//.
package vcs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
)

// AuthorIdentity names the commit author for sink-originated commits.
type AuthorIdentity struct {
	Name  string
	Email string
}

// Sink commits generated content files into a local clone of a git
// repository and pushes them to its remote.
type Sink struct {
	repo   *git.Repository
	author AuthorIdentity
	auth   *http.BasicAuth
}

// Open opens an existing local clone at repoPath. token authenticates
// pushes over HTTPS; pass an empty token for anonymous/SSH-agent auth.
func Open(repoPath string, author AuthorIdentity, username, token string) (*Sink, error) {
	repo, err := git.PlainOpen(repoPath)
	if err != nil {
		return nil, fmt.Errorf("vcs: open %s: %w", repoPath, err)
	}
	var auth *http.BasicAuth
	if token != "" {
		auth = &http.BasicAuth{Username: username, Password: token}
	}
	return &Sink{repo: repo, author: author, auth: auth}, nil
}

// PutFile writes content to path within the clone's worktree, commits
// it with message, and pushes to the given branch.
func (s *Sink) PutFile(path, branch, message string, content []byte) error {
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("vcs: worktree: %w", err)
	}

	full := filepath.Join(wt.Filesystem.Root(), path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("vcs: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, content, 0o644); err != nil {
		return fmt.Errorf("vcs: write %s: %w", path, err)
	}

	if _, err := wt.Add(path); err != nil {
		return fmt.Errorf("vcs: add %s: %w", path, err)
	}

	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  s.author.Name,
			Email: s.author.Email,
			When:  time.Now(),
		},
	})
	if err != nil && !errors.Is(err, git.ErrEmptyCommit) {
		return fmt.Errorf("vcs: commit %s: %w", path, err)
	}

	pushOpts := &git.PushOptions{
		RefSpecs: []config.RefSpec{config.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))},
	}
	if s.auth != nil {
		pushOpts.Auth = s.auth
	}
	if err := s.repo.Push(pushOpts); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("vcs: push %s: %w", branch, err)
	}
	return nil
}

// CheckoutBranch ensures branch exists locally and is checked out,
// creating it from the current HEAD if necessary.
func (s *Sink) CheckoutBranch(branch string) error {
	wt, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("vcs: worktree: %w", err)
	}
	ref := plumbing.NewBranchReferenceName(branch)
	err = wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: false})
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return wt.Checkout(&git.CheckoutOptions{Branch: ref, Create: true})
	}
	return err
}
