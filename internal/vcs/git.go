// Package vcs implements the version-control operations phased needs on top
// of go-git: scoped commits, history marker lookups, and diffs against a ref.
package vcs

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// GitRepo wraps a go-git repository rooted at a worktree.
type GitRepo struct {
	repo *git.Repository
	dir  string

	// author identifies pipeline commits in history.
	authorName  string
	authorEmail string
}

// Open opens the git repository at path.
func Open(path string) (*GitRepo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository at %s: %w", path, err)
	}
	return &GitRepo{
		repo:        repo,
		dir:         path,
		authorName:  "phased",
		authorEmail: "phased@localhost",
	}, nil
}

// Init creates a new git repository at path and returns it. Used by tests
// and by first-run setup of a fresh worktree.
func Init(path string) (*GitRepo, error) {
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("failed to init git repository at %s: %w", path, err)
	}
	return &GitRepo{
		repo:        repo,
		dir:         path,
		authorName:  "phased",
		authorEmail: "phased@localhost",
	}, nil
}

// Dir returns the worktree directory.
func (g *GitRepo) Dir() string { return g.dir }

// CommitFiles stages exactly the given paths and commits them, returning the
// commit ID. Paths are relative to the worktree root.
func (g *GitRepo) CommitFiles(paths []string, message string) (string, error) {
	if len(paths) == 0 {
		return "", fmt.Errorf("no files to commit")
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to get worktree: %w", err)
	}

	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			return "", fmt.Errorf("failed to stage %s: %w", p, err)
		}
	}

	hash, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.authorName,
			Email: g.authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// HasCommitMatching reports whether any commit message in history matches
// the given regular expression.
func (g *GitRepo) HasCommitMatching(pattern string) (bool, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid commit pattern %q: %w", pattern, err)
	}

	iter, err := g.repo.Log(&git.LogOptions{})
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			// Empty repository: no commits to match.
			return false, nil
		}
		return false, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	found := false
	err = iter.ForEach(func(c *object.Commit) error {
		if re.MatchString(c.Message) {
			found = true
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to walk log: %w", err)
	}
	return found, nil
}

// DiffSince returns the paths changed between the given ref and HEAD,
// sorted. Renames contribute both sides.
func (g *GitRepo) DiffSince(ref string) ([]string, error) {
	baseHash, err := g.repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ref %q: %w", ref, err)
	}
	baseCommit, err := g.repo.CommitObject(*baseHash)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit %s: %w", baseHash, err)
	}
	baseTree, err := baseCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read tree for %s: %w", baseHash, err)
	}

	head, err := g.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD: %w", err)
	}
	headCommit, err := g.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD commit: %w", err)
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to read HEAD tree: %w", err)
	}

	changes, err := baseTree.Diff(headTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	seen := make(map[string]bool)
	for _, ch := range changes {
		if ch.From.Name != "" {
			seen[ch.From.Name] = true
		}
		if ch.To.Name != "" {
			seen[ch.To.Name] = true
		}
	}

	paths := make([]string, 0, len(seen))
	for p := range seen {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// ChangedPaths returns all paths with uncommitted changes (staged or not),
// sorted.
func (g *GitRepo) ChangedPaths() ([]string, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}

	var paths []string
	for p, fs := range status {
		if fs.Worktree != git.Unmodified || fs.Staging != git.Unmodified {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}
