package sessions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// resolveRepo picks the repository a session targets. An explicit hint is
// taken relative to the workspace root. Without one the workspace's child
// directories are scanned and exactly one must be a repository; if none are,
// the workspace root itself is used when it is a repository.
func (r *Registry) resolveRepo(hint string) (string, error) {
	root := r.cfg.WorkspaceRoot

	if hint != "" {
		p := hint
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		p = filepath.Clean(p)
		if !r.git.IsRepoRoot(p) {
			return "", fmt.Errorf("%w: %s", ErrNotAGitRepo, p)
		}
		return p, nil
	}

	children, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("scan workspace %s: %w", root, err)
	}

	var found []string
	for _, c := range children {
		if !c.IsDir() || strings.HasPrefix(c.Name(), ".") || strings.HasSuffix(c.Name(), ".worktrees") {
			continue
		}
		p := filepath.Join(root, c.Name())
		if r.git.IsRepoRoot(p) {
			found = append(found, p)
		}
	}

	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		if r.git.IsRepoRoot(root) {
			return filepath.Clean(root), nil
		}
		return "", fmt.Errorf("%w in %s", ErrNoRepoFound, root)
	}

	names := make([]string, len(found))
	for i, p := range found {
		names[i] = filepath.Base(p)
	}
	sort.Strings(names)
	return "", &AmbiguousRepoError{Candidates: names}
}

// baseBranch captures the repository's checked-out branch, falling back to main.
func (r *Registry) baseBranch(repo string) string {
	b, err := r.git.CurrentBranch(repo)
	if err != nil || b == "" || b == "HEAD" {
		return DefaultBaseBranch
	}
	return b
}
