// Package evaluate measures a completed variant: how much it changed relative
// to the base branch, whether its tests pass, and the resulting quality score.
package evaluate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/models"
)

// Differ is the subset of git.Client the evaluator needs.
type Differ interface {
	DiffStat(worktreePath, base string) (string, error)
	DiffNameOnly(worktreePath, base string) ([]string, error)
}

// Evaluator produces Evaluations for worktrees.
type Evaluator struct {
	git    Differ
	runner *TestRunner
	scorer Scorer
	log    *zap.Logger
	now    func() time.Time
}

// NewEvaluator returns an Evaluator. A nil scorer selects the HeuristicScorer.
func NewEvaluator(git Differ, runner *TestRunner, scorer Scorer, log *zap.Logger) *Evaluator {
	if scorer == nil {
		scorer = NewHeuristicScorer()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if runner == nil {
		runner = NewTestRunner(RunnerConfig{}, log)
	}
	return &Evaluator{git: git, runner: runner, scorer: scorer, log: log, now: time.Now}
}

// Evaluate inspects the worktree at path against base. It fails only when the
// diff itself cannot be produced; a missing file list or absent test command
// leaves those fields empty.
func (e *Evaluator) Evaluate(ctx context.Context, path, base string) (*models.Evaluation, error) {
	stat, err := e.git.DiffStat(path, base)
	if err != nil {
		return nil, fmt.Errorf("diff stat: %w", err)
	}

	ev := &models.Evaluation{}
	if strings.TrimSpace(stat) != "" {
		ds := ParseDiffStat(stat)
		ev.HasChanges = true
		ev.FilesChanged = ds.FilesChanged
		ev.LinesAdded = ds.LinesAdded
		ev.LinesRemoved = ds.LinesRemoved
	}

	files, err := e.git.DiffNameOnly(path, base)
	if err != nil {
		e.log.Warn("list changed files", zap.String("path", path), zap.Error(err))
	}
	ev.ChangedFiles = files

	ev.Tests = e.runner.Run(ctx, path)
	ev.QualityScore = e.scorer.Score(ev)
	ev.EvaluatedAt = e.now()
	return ev, nil
}
