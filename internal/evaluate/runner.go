package evaluate

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/models"
)

// DefaultTestCommands are tried in order until one runs.
var DefaultTestCommands = []string{
	"npm test",
	"pytest",
	"python -m pytest",
	"uv run pytest",
}

// Runner defaults.
const (
	DefaultTestTimeout = 60 * time.Second
	DefaultStdoutLimit = 1000
	DefaultStderrLimit = 500
)

// RunnerConfig configures test command discovery.
type RunnerConfig struct {
	Commands    []string
	Timeout     time.Duration
	StdoutLimit int
	StderrLimit int
}

// TestRunner discovers and runs a repository's test command inside a worktree.
type TestRunner struct {
	cfg      RunnerConfig
	log      *zap.Logger
	lookPath func(string) (string, error)
}

// NewTestRunner returns a TestRunner, filling unset config fields with defaults.
func NewTestRunner(cfg RunnerConfig, log *zap.Logger) *TestRunner {
	if len(cfg.Commands) == 0 {
		cfg.Commands = DefaultTestCommands
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTestTimeout
	}
	if cfg.StdoutLimit <= 0 {
		cfg.StdoutLimit = DefaultStdoutLimit
	}
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = DefaultStderrLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TestRunner{cfg: cfg, log: log, lookPath: exec.LookPath}
}

// Run tries each candidate in order. A candidate whose executable is absent,
// or that exceeds the timeout, is skipped. The first candidate that runs to
// completion wins whether it passes or fails. Run returns nil when no
// candidate ran.
func (r *TestRunner) Run(ctx context.Context, dir string) *models.TestOutcome {
	for _, candidate := range r.cfg.Commands {
		args := strings.Fields(candidate)
		if len(args) == 0 {
			continue
		}
		if _, err := r.lookPath(args[0]); err != nil {
			continue
		}

		outcome, ok := r.runOne(ctx, dir, args)
		if ok {
			return outcome
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (r *TestRunner) runOne(ctx context.Context, dir string, args []string) (*models.TestOutcome, bool) {
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() != nil {
		r.log.Debug("test command skipped", zap.String("command", strings.Join(args, " ")), zap.Error(runCtx.Err()))
		return nil, false
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// Could not start the process at all.
		r.log.Debug("test command failed to start", zap.String("command", strings.Join(args, " ")), zap.Error(err))
		return nil, false
	}

	return &models.TestOutcome{
		Command:     strings.Join(args, " "),
		Success:     err == nil,
		Output:      truncate(stdout.String(), r.cfg.StdoutLimit),
		ErrorOutput: truncate(stderr.String(), r.cfg.StderrLimit),
	}, true
}

// truncate keeps the first n characters of s.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
