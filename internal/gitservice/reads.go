package gitservice

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
)

// HeadInfo is the snapshot recorded before/after a supervised process runs
// against a repo, letting the diff stream and the merge flow know the
// before/after commit without re-running a CLI command.
type HeadInfo struct {
	Branch string
	SHA    string
}

func (s *Service) GetHeadInfo(worktree string) (HeadInfo, error) {
	r, err := gogit.PlainOpen(worktree)
	if err != nil {
		return HeadInfo{}, apperr.New(apperr.Fatal, "GetHeadInfo", worktree, err)
	}
	head, err := r.Head()
	if err != nil {
		return HeadInfo{}, apperr.New(apperr.Fatal, "GetHeadInfo", worktree, err)
	}
	info := HeadInfo{SHA: head.Hash().String()}
	if head.Name().IsBranch() {
		info.Branch = head.Name().Short()
	}
	return info, nil
}

func (s *Service) GetAllBranches(worktree string) ([]string, error) {
	r, err := gogit.PlainOpen(worktree)
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "GetAllBranches", worktree, err)
	}
	iter, err := r.Branches()
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "GetAllBranches", worktree, err)
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	if err != nil {
		return nil, apperr.New(apperr.Fatal, "GetAllBranches", worktree, err)
	}
	return names, nil
}

// BranchStatus reports how many commits a branch is ahead of / behind
// another, via merge-base, the same algorithm canopy's GitEngine uses (a
// pure go-git rev-list --left-right --count).
type BranchStatus struct {
	Ahead  int
	Behind int
}

var errStopIteration = errors.New("stop iteration")

func (s *Service) BranchStatus(worktree, localRef, remoteRef string) (BranchStatus, error) {
	r, err := gogit.PlainOpen(worktree)
	if err != nil {
		return BranchStatus{}, apperr.New(apperr.Fatal, "BranchStatus", worktree, err)
	}

	localHash, err := resolveHash(r, localRef)
	if err != nil {
		return BranchStatus{}, apperr.New(apperr.NotFound, "BranchStatus", localRef, err)
	}
	remoteHash, err := resolveHash(r, remoteRef)
	if err != nil {
		return BranchStatus{}, apperr.New(apperr.NotFound, "BranchStatus", remoteRef, err)
	}

	ahead, behind, err := countAheadBehind(r, localHash, remoteHash)
	if err != nil {
		return BranchStatus{}, apperr.New(apperr.Fatal, "BranchStatus", worktree, err)
	}
	return BranchStatus{Ahead: ahead, Behind: behind}, nil
}

func resolveHash(r *gogit.Repository, ref string) (plumbing.Hash, error) {
	h, err := r.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return *h, nil
}

func countAheadBehind(r *gogit.Repository, localHash, remoteHash plumbing.Hash) (int, int, error) {
	if localHash == remoteHash {
		return 0, 0, nil
	}

	localCommit, err := r.CommitObject(localHash)
	if err != nil {
		return 0, 0, fmt.Errorf("get local commit: %w", err)
	}
	remoteCommit, err := r.CommitObject(remoteHash)
	if err != nil {
		return 0, 0, fmt.Errorf("get remote commit: %w", err)
	}

	bases, err := localCommit.MergeBase(remoteCommit)
	if err != nil {
		return 0, 0, fmt.Errorf("find merge base: %w", err)
	}

	var baseHash plumbing.Hash
	if len(bases) > 0 {
		baseHash = bases[0].Hash
	} else {
		baseHash = plumbing.ZeroHash
	}

	ahead, err := countCommitsTo(r, localHash, baseHash)
	if err != nil {
		return 0, 0, err
	}
	behind, err := countCommitsTo(r, remoteHash, baseHash)
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

func countCommitsTo(r *gogit.Repository, from, to plumbing.Hash) (int, error) {
	commits, err := r.Log(&gogit.LogOptions{From: from})
	if err != nil {
		return 0, fmt.Errorf("get log: %w", err)
	}

	count := 0
	err = commits.ForEach(func(c *object.Commit) error {
		if c.Hash == to {
			return errStopIteration
		}
		count++
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return 0, fmt.Errorf("iterate commits: %w", err)
	}
	return count, nil
}

func gitStateFileExists(worktree, marker string) bool {
	gitDir, err := resolveGitDir(worktree)
	if err != nil {
		return false
	}
	_, err = os.Stat(filepath.Join(gitDir, marker))
	return err == nil
}

// resolveGitDir handles both a plain repo (.git is a directory) and a
// worktree (.git is a file pointing at the real gitdir under the main
// repo's .git/worktrees/<name>).
func resolveGitDir(worktree string) (string, error) {
	dotGit := filepath.Join(worktree, ".git")
	fi, err := os.Stat(dotGit)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return dotGit, nil
	}
	contents, err := os.ReadFile(dotGit)
	if err != nil {
		return "", err
	}
	const prefix = "gitdir: "
	s := string(contents)
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		gitDir := s[len(prefix) : len(s)-1]
		if !filepath.IsAbs(gitDir) {
			gitDir = filepath.Join(worktree, gitDir)
		}
		return filepath.Clean(gitDir), nil
	}
	return "", fmt.Errorf("unrecognized .git file contents")
}
