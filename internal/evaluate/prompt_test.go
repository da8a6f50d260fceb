package evaluate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/ballot/internal/completion"
	"github.com/joescharf/ballot/internal/models"
)

func TestBuildPrompt(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, completion.LogFileName), []byte("did the thing\n"), 0644))

	prompt := BuildPrompt("add logging", []Candidate{
		{
			VariantID:    "variant-2",
			Branch:       "voting-ab12-add-logging-variant-2",
			WorktreePath: dir,
			Evaluation: &models.Evaluation{
				QualityScore: 85,
				HasChanges:   true,
				FilesChanged: 1,
				LinesAdded:   1,
				ChangedFiles: []string{"main.go", "gone.go"},
				Tests:        &models.TestOutcome{Command: "go test ./...", Success: true},
			},
		},
		{VariantID: "variant-1", WorktreePath: t.TempDir()},
	})

	assert.Contains(t, prompt, "Task: add logging")
	assert.Contains(t, prompt, "these 2 implementation(s)")
	assert.Contains(t, prompt, "=== Implementation 1: variant-2 ===")
	assert.Contains(t, prompt, "Branch: voting-ab12-add-logging-variant-2")
	assert.Contains(t, prompt, "Quality score: 85")
	assert.Contains(t, prompt, "Tests (go test ./...): passed")
	assert.Contains(t, prompt, "--- main.go ---\npackage main")
	assert.Contains(t, prompt, "Execution log:\ndid the thing")
	assert.Contains(t, prompt, "=== Implementation 2: variant-1 ===")
	assert.NotContains(t, prompt, "[could not read file]")
}

func TestReadExcerpt_Truncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", FileExcerptLimit+50)), 0644))

	assert.Len(t, readExcerpt(path, FileExcerptLimit), FileExcerptLimit)
	assert.Empty(t, readExcerpt(filepath.Join(t.TempDir(), "missing"), FileExcerptLimit))
}
