package gitquery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestRepo(t *testing.T) (*git.Repository, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return repo, dir
}

func addCommit(t *testing.T, repo *git.Repository, repoPath, filename, content, msg string, when time.Time) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, filename), []byte(content), 0o600))
	_, err = wt.Add(filename)
	require.NoError(t, err)
	sig := &object.Signature{Name: "tester", Email: "t@example.com", When: when}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err)
	return hash
}

func TestCommitTimeAndLastActivity(t *testing.T) {
	repo, dir := initTestRepo(t)
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	a := addCommit(t, repo, dir, "a.txt", "A", "A", base)
	addCommit(t, repo, dir, "b.txt", "B", "B", base.Add(10*time.Minute))

	q, err := Open(dir)
	require.NoError(t, err)

	got, err := q.CommitTime(a.String())
	require.NoError(t, err)
	assert.True(t, got.Equal(base))

	last, err := q.LastActivity()
	require.NoError(t, err)
	assert.True(t, last.Equal(base.Add(10*time.Minute)))
}

func TestCommitTimeUnknownHash(t *testing.T) {
	_, dir := initTestRepo(t)
	q, err := Open(dir)
	require.NoError(t, err)

	_, err = q.CommitTime(strings.Repeat("1", 40))
	assert.Error(t, err)
}

func TestIsAncestorLinearHistory(t *testing.T) {
	repo, dir := initTestRepo(t)
	when := time.Now().Add(-time.Hour)
	a := addCommit(t, repo, dir, "a.txt", "A", "A", when)
	b := addCommit(t, repo, dir, "b.txt", "B", "B", when.Add(time.Minute))
	c := addCommit(t, repo, dir, "c.txt", "C", "C", when.Add(2*time.Minute))

	q, err := Open(dir)
	require.NoError(t, err)

	res, err := q.IsAncestor(a.String(), c.String())
	require.NoError(t, err)
	assert.True(t, res)

	res, err = q.IsAncestor(c.String(), a.String())
	require.NoError(t, err)
	assert.False(t, res)

	// A hash is its own ancestor.
	res, err = q.IsAncestor(b.String(), b.String())
	require.NoError(t, err)
	assert.True(t, res)
}

func TestCommitsSinceFiltersAndFlagsMerges(t *testing.T) {
	repo, dir := initTestRepo(t)
	old := time.Now().Add(-2 * time.Hour)
	recent := time.Now().Add(-10 * time.Minute)

	addCommit(t, repo, dir, "old.txt", "old", "old work", old)
	b := addCommit(t, repo, dir, "new.txt", "new", "new work", recent)

	q, err := Open(dir)
	require.NoError(t, err)

	commits, err := q.CommitsSince(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, b.String(), commits[0].Hash)
	assert.False(t, commits[0].IsMerge())
	assert.Equal(t, 1, commits[0].ParentCount)
}

func TestOnRemote(t *testing.T) {
	repo, dir := initTestRepo(t)
	when := time.Now().Add(-time.Hour)
	pushed := addCommit(t, repo, dir, "a.txt", "A", "pushed", when)
	local := addCommit(t, repo, dir, "b.txt", "B", "local only", when.Add(time.Minute))

	q, err := Open(dir)
	require.NoError(t, err)

	// No remote-tracking refs yet: nothing is on a remote.
	res, err := q.OnRemote(pushed.String())
	require.NoError(t, err)
	assert.False(t, res)

	// Simulate a push by pointing a remote-tracking ref at the first commit.
	remoteRef := plumbing.NewHashReference(plumbing.NewRemoteReferenceName("origin", "main"), pushed)
	require.NoError(t, repo.Storer.SetReference(remoteRef))

	res, err = q.OnRemote(pushed.String())
	require.NoError(t, err)
	assert.True(t, res)

	res, err = q.OnRemote(local.String())
	require.NoError(t, err)
	assert.False(t, res)
}
