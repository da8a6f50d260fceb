package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joescharf/ballot/internal/git"
	"github.com/joescharf/ballot/internal/naming"
	"github.com/joescharf/ballot/internal/output"
)

var orphansCmd = &cobra.Command{
	Use:   "orphans [repo]",
	Short: "List ballot worktrees left behind in a repository",
	Long: `List worktrees whose branches were created by ballot (voting-, orchestrated-
and adhoc- prefixes). Sessions are not persisted, so worktrees from a server
that exited before cleanup stay on disk until removed by hand.

With no argument the current directory is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := "."
		if len(args) > 0 {
			repo = args[0]
		}
		return orphansRun(git.NewClient(), repo)
	},
}

func init() {
	rootCmd.AddCommand(orphansCmd)
}

// orphan is a ballot-owned worktree found in a repository. VariantID and
// Scheme are empty when the branch does not match a known naming scheme.
type orphan struct {
	SessionID string
	VariantID string
	Scheme    naming.Scheme
	Branch    string
	Path      string
}

func findOrphans(gc git.Client, repo string) (string, []orphan, error) {
	root, err := gc.RepoRoot(repo)
	if err != nil {
		return "", nil, fmt.Errorf("%s is not a git repository: %w", repo, err)
	}
	wts, err := gc.WorktreeList(root)
	if err != nil {
		return "", nil, fmt.Errorf("list worktrees: %w", err)
	}

	var found []orphan
	for _, w := range wts {
		if !naming.Owned(w.Branch) {
			continue
		}
		o := orphan{Branch: w.Branch, Path: w.Path}
		if info, ok := naming.ParseBranch(w.Branch); ok {
			o.SessionID, o.VariantID, o.Scheme = info.SessionID, info.VariantID, info.Scheme
		} else {
			o.SessionID, _ = naming.SessionIDFromBranch(w.Branch)
		}
		found = append(found, o)
	}
	return root, found, nil
}

func orphansRun(gc git.Client, repo string) error {
	root, found, err := findOrphans(gc, repo)
	if err != nil {
		return err
	}

	if len(found) == 0 {
		ui.Info("No ballot worktrees in %s", output.Cyan(filepath.Base(root)))
		return nil
	}

	table := ui.Table([]string{"Session", "Variant", "Scheme", "Branch", "Path"})
	for _, o := range found {
		_ = table.Append([]string{output.Cyan(o.SessionID), dash(o.VariantID), dash(string(o.Scheme)), o.Branch, o.Path})
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintln(ui.Out)
	ui.Info("%s found. Remove one with:", output.Plural(len(found), "worktree"))
	fmt.Fprintf(ui.Out, "  git -C %s worktree remove --force <path> && git -C %s branch -D <branch>\n", root, root)
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
