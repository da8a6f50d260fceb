// Package naming derives branch names, worktree directory names and task slugs
// for ballot sessions. All names are pure functions of their inputs.
package naming

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"
)

// Branch prefixes owned by ballot. Anything under these prefixes is treated
// as a ballot worktree by the orphan scanner.
const (
	PrefixVoting       = "voting"
	PrefixOrchestrated = "orchestrated"
	PrefixAdhoc        = "adhoc"
)

// Slug lengths applied before normalisation.
const (
	TaskSlugLen    = 20
	SubtaskSlugLen = 30
)

// fallbackSlug is used when a task contains no usable characters.
const fallbackSlug = "task"

// Scheme identifies a branch naming convention.
type Scheme string

const (
	// SchemeV1 is the legacy convention: <prefix>-<session>-<variant>.
	SchemeV1 Scheme = "v1"
	// SchemeV2 embeds the task slug: <prefix>-<session>-<slug>-<variant>.
	SchemeV2 Scheme = "v2"
)

// DefaultScheme is applied to every new session.
const DefaultScheme = SchemeV2

// ParseScheme returns the scheme named s, or an error for unknown names.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeV1, SchemeV2:
		return Scheme(s), nil
	case "":
		return DefaultScheme, nil
	}
	return "", fmt.Errorf("unknown naming scheme %q", s)
}

// Slug takes the first n characters of task, keeps letters, digits and spaces,
// turns spaces into hyphens and lowercases the result.
func Slug(task string, n int) string {
	runes := []rune(task)
	if len(runes) > n {
		runes = runes[:n]
	}
	var b strings.Builder
	for _, r := range runes {
		switch {
		case r == ' ':
			b.WriteByte('-')
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		}
	}
	if b.Len() == 0 {
		return fallbackSlug
	}
	return b.String()
}

// Branch builds the branch name for a variant under the given scheme.
func (s Scheme) Branch(prefix, sessionID, slug, variantID string) string {
	if s == SchemeV1 {
		return fmt.Sprintf("%s-%s-%s", prefix, sessionID, variantID)
	}
	return fmt.Sprintf("%s-%s-%s-%s", prefix, sessionID, slug, variantID)
}

// VariantID returns the id of the i-th (1-based) voting variant.
func VariantID(i int) string {
	return fmt.Sprintf("variant-%d", i)
}

// SubtaskID returns the id of the i-th (1-based) orchestrated subtask.
func SubtaskID(i int) string {
	return fmt.Sprintf("subtask-%d", i)
}

// WorktreesDir returns the sibling directory holding a repo's worktrees.
func WorktreesDir(repoPath string) string {
	return filepath.Clean(repoPath) + ".worktrees"
}

// VotingDir is the worktree directory name for the i-th voting variant.
func VotingDir(sessionID, slug string, i int) string {
	return fmt.Sprintf("%s-%s-var%d", sessionID, slug, i)
}

// SubtaskDir is the worktree directory name for the i-th orchestrated subtask.
// The index keeps directories distinct when two subtasks share a slug.
func SubtaskDir(sessionID, slug string, i int) string {
	return fmt.Sprintf("%s-%s-sub%d", sessionID, slug, i)
}

// AdhocName is both the branch and directory name of an ad-hoc worktree.
func AdhocName(id, slug string) string {
	return fmt.Sprintf("%s-%s-%s", PrefixAdhoc, id, slug)
}

// Owned reports whether branch was created by ballot.
func Owned(branch string) bool {
	for _, p := range []string{PrefixVoting, PrefixOrchestrated, PrefixAdhoc} {
		if strings.HasPrefix(branch, p+"-") {
			return true
		}
	}
	return false
}

// BranchInfo is a ballot branch name taken apart.
type BranchInfo struct {
	Prefix    string
	SessionID string
	Slug      string
	VariantID string
	// Scheme is empty for ad-hoc branches, which have a single form.
	Scheme Scheme
}

// ParseBranch splits a ballot branch into its parts. Voting and orchestrated
// branches are accepted under either scheme; the result always rebuilds the
// exact branch with Scheme.Branch.
func ParseBranch(branch string) (BranchInfo, bool) {
	if !Owned(branch) {
		return BranchInfo{}, false
	}
	prefix, rest, _ := strings.Cut(branch, "-")
	sid, rest, ok := strings.Cut(rest, "-")
	if !ok || sid == "" || rest == "" {
		return BranchInfo{}, false
	}
	info := BranchInfo{Prefix: prefix, SessionID: sid}
	if prefix == PrefixAdhoc {
		info.Slug = rest
		return info, true
	}

	kind := "variant-"
	if prefix == PrefixOrchestrated {
		kind = "subtask-"
	}
	i := strings.LastIndex(rest, kind)
	if i < 0 {
		return BranchInfo{}, false
	}
	if n, err := strconv.Atoi(rest[i+len(kind):]); err != nil || n < 1 {
		return BranchInfo{}, false
	}
	info.VariantID = rest[i:]
	switch {
	case i == 0:
		info.Scheme = SchemeV1
	case rest[i-1] == '-' && i > 1:
		info.Slug = rest[:i-1]
		info.Scheme = SchemeV2
	default:
		return BranchInfo{}, false
	}
	if info.Scheme.Branch(prefix, sid, info.Slug, info.VariantID) != branch {
		return BranchInfo{}, false
	}
	return info, true
}

// SessionIDFromBranch extracts the session id segment from a ballot branch.
func SessionIDFromBranch(branch string) (string, bool) {
	if !Owned(branch) {
		return "", false
	}
	parts := strings.SplitN(branch, "-", 3)
	if len(parts) < 3 || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
