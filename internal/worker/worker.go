// Package worker launches the external agent that works inside a variant's
// worktree. Launchers either fire and forget (terminal windows) or supervise
// the process and report an ExecutionResult when it exits.
package worker

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/completion"
	"github.com/joescharf/ballot/internal/models"
)

// Launcher kinds accepted by New.
const (
	KindTerminal = "terminal"
	KindITerm    = "iterm"
	KindProcess  = "process"
	KindNone     = "none"
)

// Job describes one worker to start.
type Job struct {
	SessionID    string
	VariantID    string
	WorktreePath string
	Prompt       string
	// LogCompletion wraps the agent so its output is tee'd to execution.log
	// and the completion sentinel is appended when it exits.
	LogCompletion bool
}

// Title is the window name shown for the job.
func (j Job) Title() string {
	return fmt.Sprintf("ballot %s %s", j.SessionID, j.VariantID)
}

// Launcher starts a worker for a job. A non-nil channel delivers exactly one
// ExecutionResult and is then closed; a nil channel means the launcher does
// not supervise the process. Cancelling ctx stops supervised workers.
type Launcher interface {
	Launch(ctx context.Context, job Job) (<-chan models.ExecutionResult, error)
}

// Config holds the agent command line.
type Config struct {
	Command string
	Args    []string
}

// DefaultConfig runs the claude CLI without permission prompts.
func DefaultConfig() Config {
	return Config{Command: "claude", Args: []string{"--dangerously-skip-permissions"}}
}

// New returns the launcher named by kind.
func New(kind string, cfg Config, log *zap.Logger) (Launcher, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Command == "" {
		cfg = DefaultConfig()
	}
	switch kind {
	case KindTerminal, "":
		return NewTerminalLauncher(cfg, log), nil
	case KindITerm:
		return NewITermLauncher(cfg, log), nil
	case KindProcess:
		return NewProcessLauncher(cfg, log), nil
	case KindNone:
		return NopLauncher{}, nil
	}
	return nil, fmt.Errorf("unknown launcher %q (want terminal, iterm, process or none)", kind)
}

// NopLauncher starts nothing. Completion must then be signalled explicitly
// or by an agent the operator starts by hand.
type NopLauncher struct{}

func (NopLauncher) Launch(context.Context, Job) (<-chan models.ExecutionResult, error) {
	return nil, nil
}

// Script renders the shell command that runs the agent. It does not change
// directory; callers that need that prefix it with CdScript.
func (c Config) Script(job Job) string {
	parts := []string{ShellQuote(c.Command), ShellQuote(job.Prompt)}
	for _, a := range c.Args {
		parts = append(parts, ShellQuote(a))
	}
	agent := strings.Join(parts, " ")
	if !job.LogCompletion {
		return agent
	}

	// The agent's exit status travels out of the pipeline on fd 3 so the
	// subshell exits with it rather than with tee's or the sentinel echo's.
	log := completion.LogFileName
	return fmt.Sprintf("(echo 'TASK STARTED - '$(date) >> %[1]s || exit 1; exec 4>&1; "+
		"status=$({ { %[2]s 2>&1; echo $? >&3; } | tee -a %[1]s >&4; } 3>&1); "+
		"echo '%[3]s - '$(date) >> %[1]s; exit $status)",
		log, agent, completion.LogSentinel)
}

// CdScript prefixes Script with a cd into the worktree.
func (c Config) CdScript(job Job) string {
	return fmt.Sprintf("cd %s && %s", ShellQuote(job.WorktreePath), c.Script(job))
}

// ShellQuote quotes s for POSIX sh using single quotes.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
