package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/joescharf/ballot/internal/completion"
)

// Instruction file names written into each worktree.
const (
	TaskInstructionsFile    = "TASK_INSTRUCTIONS.md"
	SubtaskInstructionsFile = "SUBTASK_INSTRUCTIONS.md"
)

var taskTmpl = template.Must(template.New("task").Parse(`# Task Instructions for {{ .VariantID }}

## Task
{{ .Task }}

## Instructions
1. Work in this directory: {{ .Path }}
2. Complete the task thoroughly and with high quality
3. Completion logging is automatic - no manual action required
4. Alternative: call the MCP tool mark_implementation_complete("{{ .SessionID }}", "{{ .VariantID }}")

## Execution Log
All output is logged to: {{ .LogPath }}

## How to start
` + "```bash" + `
{{ .Command }}
` + "```" + `

## Completion Detection
ballot watches {{ .LogName }} for "{{ .Sentinel }}" to detect when the task finishes.
`))

var subtaskTmpl = template.Must(template.New("subtask").Parse(`# Orchestrated Task: Subtask {{ .Index }}

## Main Task
{{ .Task }}

## Your Subtask
{{ .Subtask }}

## Instructions
1. Work in this directory: {{ .Path }}
2. Focus only on your specific subtask
3. Complete the subtask thoroughly and with high quality
4. When finished, create a completion file: ` + "`touch {{ .Marker }}`" + `
5. Your work will be merged with the other subtasks to complete the main task

## How to start
` + "```bash" + `
{{ .Command }}
` + "```" + `

## When done
` + "```bash" + `
touch {{ .Marker }}
` + "```" + `
`))

// TaskInstructions holds the values rendered into TASK_INSTRUCTIONS.md.
type TaskInstructions struct {
	SessionID string
	VariantID string
	Task      string
	Path      string
	Command   string
}

// WriteTaskInstructions writes TASK_INSTRUCTIONS.md into the worktree and
// returns its path.
func WriteTaskInstructions(ti TaskInstructions) (string, error) {
	var b strings.Builder
	err := taskTmpl.Execute(&b, struct {
		TaskInstructions
		LogPath  string
		LogName  string
		Sentinel string
	}{ti, filepath.Join(ti.Path, completion.LogFileName), completion.LogFileName, completion.LogSentinel})
	if err != nil {
		return "", fmt.Errorf("render task instructions: %w", err)
	}
	return writeFile(ti.Path, TaskInstructionsFile, b.String())
}

// SubtaskInstructions holds the values rendered into SUBTASK_INSTRUCTIONS.md.
type SubtaskInstructions struct {
	Index   int
	Task    string
	Subtask string
	Path    string
	Command string
}

// WriteSubtaskInstructions writes SUBTASK_INSTRUCTIONS.md into the worktree and
// returns its path.
func WriteSubtaskInstructions(si SubtaskInstructions) (string, error) {
	var b strings.Builder
	err := subtaskTmpl.Execute(&b, struct {
		SubtaskInstructions
		Marker string
	}{si, completion.MarkerFileName})
	if err != nil {
		return "", fmt.Errorf("render subtask instructions: %w", err)
	}
	return writeFile(si.Path, SubtaskInstructionsFile, b.String())
}

// InitLog creates (or truncates) execution.log with a header identifying the variant.
func InitLog(path, sessionID, variantID, task string, now time.Time) error {
	var b strings.Builder
	fmt.Fprintf(&b, "WORKTREE INITIALIZED - %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "Session ID: %s\n", sessionID)
	fmt.Fprintf(&b, "Variant ID: %s\n", variantID)
	fmt.Fprintf(&b, "Task: %s\n", task)
	b.WriteString(strings.Repeat("=", 80) + "\n")
	_, err := writeFile(path, completion.LogFileName, b.String())
	return err
}

func writeFile(dir, name, content string) (string, error) {
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return p, nil
}
