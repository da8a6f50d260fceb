package models

import "time"

// TestOutcome is the result of the first test command that ran in a worktree.
type TestOutcome struct {
	Command     string `json:"command"`
	Success     bool   `json:"success"`
	Output      string `json:"output"`
	ErrorOutput string `json:"error_output"`
}

// Evaluation is the cached quality assessment of a completed variant.
type Evaluation struct {
	HasChanges   bool         `json:"has_changes"`
	FilesChanged int          `json:"files_changed"`
	LinesAdded   int          `json:"lines_added"`
	LinesRemoved int          `json:"lines_removed"`
	ChangedFiles []string     `json:"changed_files"`
	Tests        *TestOutcome `json:"tests,omitempty"`
	QualityScore int          `json:"quality_score"` // 0-100
	EvaluatedAt  time.Time    `json:"evaluated_at"`
}

// TestsPassed reports whether a test command ran and succeeded.
func (e *Evaluation) TestsPassed() bool {
	return e.Tests != nil && e.Tests.Success
}

// Clone returns a deep copy of the evaluation.
func (e *Evaluation) Clone() *Evaluation {
	c := *e
	c.ChangedFiles = append([]string(nil), e.ChangedFiles...)
	if e.Tests != nil {
		t := *e.Tests
		c.Tests = &t
	}
	return &c
}

// ExecutionResult is what a supervised worker reports when its process exits.
type ExecutionResult struct {
	Success   bool      `json:"success"`
	ExitCode  int       `json:"exit_code"`
	Output    string    `json:"output"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}
