package evaluate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joescharf/ballot/internal/completion"
	"github.com/joescharf/ballot/internal/models"
)

// Excerpt limits for the evaluation prompt.
const (
	FileExcerptLimit = 2000
	LogExcerptLimit  = 8000
)

// Candidate is one completed implementation to present to a reviewing agent.
type Candidate struct {
	VariantID    string
	Branch       string
	WorktreePath string
	Evaluation   *models.Evaluation
}

// BuildPrompt renders a ranking prompt for an orchestrating agent. Changed
// files and the execution log are read from each candidate's worktree.
func BuildPrompt(task string, candidates []Candidate) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task: %s\n\n", task)
	fmt.Fprintf(&b, "Evaluate these %d implementation(s) and rank them from best to worst. For each implementation, consider:\n", len(candidates))
	b.WriteString("- How well it fulfills the original task\n")
	b.WriteString("- Code quality and approach\n")
	b.WriteString("- Completeness and correctness\n")
	b.WriteString("- Any issues or problems\n\n")
	b.WriteString("Explain your reasoning, then call `finalize_best` with the chosen variant id.\n\n")
	b.WriteString("Implementations:\n")

	for i, c := range candidates {
		ev := c.Evaluation
		if ev == nil {
			ev = &models.Evaluation{}
		}
		fmt.Fprintf(&b, "\n=== Implementation %d: %s ===\n", i+1, c.VariantID)
		if c.Branch != "" {
			fmt.Fprintf(&b, "Branch: %s\n", c.Branch)
		}
		fmt.Fprintf(&b, "Quality score: %d\n", ev.QualityScore)
		fmt.Fprintf(&b, "Files changed: %d\n", ev.FilesChanged)
		fmt.Fprintf(&b, "Lines added: %d\n", ev.LinesAdded)
		fmt.Fprintf(&b, "Lines removed: %d\n", ev.LinesRemoved)
		if ev.Tests != nil {
			result := "failed"
			if ev.Tests.Success {
				result = "passed"
			}
			fmt.Fprintf(&b, "Tests (%s): %s\n", ev.Tests.Command, result)
		}
		fmt.Fprintf(&b, "Changed files: %s\n", strings.Join(ev.ChangedFiles, ", "))

		if len(ev.ChangedFiles) > 0 {
			b.WriteString("\nFile contents:\n")
			for _, name := range ev.ChangedFiles {
				fmt.Fprintf(&b, "\n--- %s ---\n%s\n", name, readExcerpt(filepath.Join(c.WorktreePath, name), FileExcerptLimit))
			}
		}

		if log := readExcerpt(filepath.Join(c.WorktreePath, completion.LogFileName), LogExcerptLimit); log != "" {
			fmt.Fprintf(&b, "\nExecution log:\n%s\n", log)
		}
	}

	return b.String()
}

// readExcerpt returns the first limit characters of a file. Deleted files read
// as empty; other read failures are reported inline.
func readExcerpt(path string, limit int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		return "[could not read file]"
	}
	return truncate(string(data), limit)
}
