// Package gitquery answers the source-control questions the correlation
// trigger asks: when a commit happened, whether one commit contains another,
// and whether work has reached a remote. It is a read-only view over a
// working repository.
package gitquery

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Commit is the slice of commit metadata the correlator consumes.
type Commit struct {
	Hash        string
	CommittedAt time.Time
	ParentCount int
	Message     string
}

// IsMerge reports whether the commit joins more than one parent line.
func (c Commit) IsMerge() bool { return c.ParentCount > 1 }

// Provider is the query surface the correlation trigger depends on. Tests
// substitute a canned implementation.
type Provider interface {
	// CommitTime returns the committer timestamp for a commit hash.
	CommitTime(hash string) (time.Time, error)
	// IsAncestor reports whether ancestor is reachable from descendant.
	IsAncestor(ancestor, descendant string) (bool, error)
	// CommitsSince lists commits newer than since, across all local refs.
	CommitsSince(since time.Time) ([]Commit, error)
	// LastActivity returns the committer timestamp at HEAD.
	LastActivity() (time.Time, error)
	// OnRemote reports whether the commit is reachable from any
	// remote-tracking ref, i.e. whether it has been pushed.
	OnRemote(hash string) (bool, error)
}

// Repo is the go-git backed Provider for a single working repository.
type Repo struct {
	repo *git.Repository
}

// Open opens the repository at path for querying.
func Open(path string) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("open repo %s: %w", path, err)
	}
	return &Repo{repo: repo}, nil
}

func (r *Repo) CommitTime(hash string) (time.Time, error) {
	commit, err := r.repo.CommitObject(plumbing.NewHash(hash))
	if err != nil {
		return time.Time{}, fmt.Errorf("commit %s: %w", hash, err)
	}
	return commit.Committer.When, nil
}

func (r *Repo) IsAncestor(ancestor, descendant string) (bool, error) {
	return isAncestor(r.repo, plumbing.NewHash(ancestor), plumbing.NewHash(descendant))
}

// isAncestor walks descendant-b's parent graph breadth-first looking for a.
func isAncestor(repo *git.Repository, a, b plumbing.Hash) (bool, error) {
	if a == b {
		return true, nil
	}
	seen := map[plumbing.Hash]struct{}{}
	queue := []plumbing.Hash{b}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if h == a {
			return true, nil
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		commit, err := repo.CommitObject(h)
		if err != nil {
			return false, err
		}
		queue = append(queue, commit.ParentHashes...)
	}
	return false, nil
}

func (r *Repo) CommitsSince(since time.Time) ([]Commit, error) {
	iter, err := r.repo.Log(&git.LogOptions{Since: &since, All: true})
	if err != nil {
		return nil, fmt.Errorf("log since %s: %w", since.Format(time.RFC3339), err)
	}
	defer iter.Close()

	var commits []Commit
	err = iter.ForEach(func(c *object.Commit) error {
		commits = append(commits, Commit{
			Hash:        c.Hash.String(),
			CommittedAt: c.Committer.When,
			ParentCount: c.NumParents(),
			Message:     c.Message,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk log: %w", err)
	}
	return commits, nil
}

func (r *Repo) LastActivity() (time.Time, error) {
	head, err := r.repo.Head()
	if err != nil {
		return time.Time{}, fmt.Errorf("head: %w", err)
	}
	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return time.Time{}, fmt.Errorf("head commit: %w", err)
	}
	return commit.Committer.When, nil
}

func (r *Repo) OnRemote(hash string) (bool, error) {
	target := plumbing.NewHash(hash)
	refs, err := r.repo.References()
	if err != nil {
		return false, fmt.Errorf("references: %w", err)
	}
	defer refs.Close()

	found := false
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if !strings.HasPrefix(ref.Name().String(), "refs/remotes/") {
			return nil
		}
		ok, aerr := isAncestor(r.repo, target, ref.Hash())
		if aerr != nil {
			// A remote ref can point at an unfetched object; skip it.
			return nil
		}
		if ok {
			found = true
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("scan remote refs: %w", err)
	}
	return found, nil
}
