package git

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Client defines the version-control operations ballot needs.
// All methods take a path parameter: repo paths for repository-wide operations,
// worktree paths for anything that inspects a single variant.
type Client interface {
	IsRepoRoot(path string) bool
	RepoRoot(path string) (string, error)
	CurrentBranch(path string) (string, error)
	WorktreeAdd(repoPath, worktreePath, branch, base string) error
	WorktreeRemove(repoPath, worktreePath string, force bool) error
	WorktreeList(repoPath string) ([]WorktreeInfo, error)
	BranchDelete(repoPath, branch string, force bool) error
	DiffStat(worktreePath, base string) (string, error)
	DiffNameOnly(worktreePath, base string) ([]string, error)
	Checkout(repoPath, branch string) error
	Merge(repoPath, branch, message string) error
	MergeAbort(repoPath string) error
	Fetch(repoPath, remote string) error
}

// MergeError is returned when git refuses or fails a merge. Output carries the
// combined stdout and stderr of the merge command verbatim.
type MergeError struct {
	Branch string
	Output string
	Err    error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %s failed: %s", e.Branch, e.Output)
}

func (e *MergeError) Unwrap() error { return e.Err }

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// gitCombined runs git and returns combined output, for commands whose useful
// diagnostics land on stdout (merge, worktree add).
func gitCombined(path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.Command("git", fullArgs...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// IsRepoRoot reports whether path is the top of a git checkout. A .git entry
// may be a directory (normal clone) or a file (linked worktree).
func (c *RealClient) IsRepoRoot(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

func (c *RealClient) RepoRoot(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(path string) (string, error) {
	return gitCmd(path, "rev-parse", "--abbrev-ref", "HEAD")
}

// WorktreeAdd creates worktreePath on a new branch. An empty base starts the
// branch from the repository's current HEAD.
func (c *RealClient) WorktreeAdd(repoPath, worktreePath, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, worktreePath}
	if base != "" {
		args = append(args, base)
	}
	out, err := gitCombined(repoPath, args...)
	if err != nil {
		return fmt.Errorf("git worktree add failed: %s: %w", out, err)
	}
	return nil
}

func (c *RealClient) WorktreeRemove(repoPath, worktreePath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)
	out, err := gitCombined(repoPath, args...)
	if err != nil {
		return fmt.Errorf("git worktree remove failed: %s: %w", out, err)
	}
	return nil
}

func (c *RealClient) WorktreeList(repoPath string) ([]WorktreeInfo, error) {
	out, err := gitCmd(repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

func (c *RealClient) BranchDelete(repoPath, branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := gitCmd(repoPath, "branch", flag, branch)
	return err
}

// DiffStat returns `git diff --stat <base>` for the worktree, covering both
// committed and uncommitted tracked changes.
func (c *RealClient) DiffStat(worktreePath, base string) (string, error) {
	return gitCmd(worktreePath, "diff", "--stat", base)
}

func (c *RealClient) DiffNameOnly(worktreePath, base string) ([]string, error) {
	out, err := gitCmd(worktreePath, "diff", "--name-only", base)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (c *RealClient) Checkout(repoPath, branch string) error {
	out, err := gitCombined(repoPath, "checkout", branch)
	if err != nil {
		return fmt.Errorf("git checkout %s failed: %s: %w", branch, out, err)
	}
	return nil
}

// Merge merges branch into the repository's checked-out branch, always
// creating a merge commit.
func (c *RealClient) Merge(repoPath, branch, message string) error {
	out, err := gitCombined(repoPath, "merge", "--no-ff", branch, "-m", message)
	if err != nil {
		return &MergeError{Branch: branch, Output: out, Err: err}
	}
	return nil
}

func (c *RealClient) MergeAbort(repoPath string) error {
	out, err := gitCombined(repoPath, "merge", "--abort")
	if err != nil {
		return fmt.Errorf("merge --abort failed: %s: %w", out, err)
	}
	return nil
}

func (c *RealClient) Fetch(repoPath, remote string) error {
	out, err := gitCombined(repoPath, "fetch", remote)
	if err != nil {
		return fmt.Errorf("fetch failed: %s: %w", out, err)
	}
	return nil
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
