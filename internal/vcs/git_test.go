package vcs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *GitRepo {
	t.Helper()
	repo, err := Init(t.TempDir())
	require.NoError(t, err)
	return repo
}

func writeFile(t *testing.T, repo *GitRepo, name, content string) {
	t.Helper()
	path := filepath.Join(repo.Dir(), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCommitFiles(t *testing.T) {
	repo := newTestRepo(t)
	writeFile(t, repo, "ops_test.go", "package ops")

	id, err := repo.CommitFiles([]string{"ops_test.go"}, "RED: add operations tests")
	require.NoError(t, err)
	assert.Len(t, id, 40)
}

func TestCommitFiles_NoPaths(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.CommitFiles(nil, "empty")
	assert.Error(t, err)
}

func TestHasCommitMatching(t *testing.T) {
	repo := newTestRepo(t)
	writeFile(t, repo, "ops_test.go", "package ops")
	_, err := repo.CommitFiles([]string{"ops_test.go"}, "RED: add operations tests")
	require.NoError(t, err)

	found, err := repo.HasCommitMatching(`^RED:`)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = repo.HasCommitMatching(`^GREEN:`)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHasCommitMatching_EmptyRepo(t *testing.T) {
	repo := newTestRepo(t)
	found, err := repo.HasCommitMatching(`^RED:`)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestHasCommitMatching_BadPattern(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.HasCommitMatching(`([`)
	assert.Error(t, err)
}

func TestDiffSince(t *testing.T) {
	repo := newTestRepo(t)

	writeFile(t, repo, "a.go", "package a")
	first, err := repo.CommitFiles([]string{"a.go"}, "RED: baseline")
	require.NoError(t, err)

	writeFile(t, repo, "a.go", "package a // changed")
	writeFile(t, repo, "b.go", "package b")
	_, err = repo.CommitFiles([]string{"a.go", "b.go"}, "GREEN: implement")
	require.NoError(t, err)

	paths, err := repo.DiffSince(first)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "b.go"}, paths)
}

func TestChangedPaths(t *testing.T) {
	repo := newTestRepo(t)
	writeFile(t, repo, "a.go", "package a")
	_, err := repo.CommitFiles([]string{"a.go"}, "initial")
	require.NoError(t, err)

	paths, err := repo.ChangedPaths()
	require.NoError(t, err)
	assert.Empty(t, paths)

	writeFile(t, repo, "a.go", "package a // dirty")
	writeFile(t, repo, "sub/new.go", "package sub")

	paths, err = repo.ChangedPaths()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "sub/new.go"}, paths)
}

func TestOpen_NotARepo(t *testing.T) {
	_, err := Open(t.TempDir())
	assert.Error(t, err)
}
