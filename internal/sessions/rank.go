package sessions

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/ballot/internal/evaluate"
	"github.com/joescharf/ballot/internal/models"
)

// RankEntry is one completed variant in a ranking.
type RankEntry struct {
	VariantID    string             `json:"variant_id"`
	Branch       string             `json:"branch"`
	WorktreePath string             `json:"worktree_path"`
	QualityScore int                `json:"quality_score"`
	Evaluation   *models.Evaluation `json:"evaluation,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// RankSummary aggregates a ranking.
type RankSummary struct {
	Total       int `json:"total"`
	Completed   int `json:"completed"`
	WithChanges int `json:"with_changes"`
	TestsPassed int `json:"tests_passed"`
}

// Ranking orders a session's completed variants best first.
type Ranking struct {
	SessionID string      `json:"session_id"`
	Task      string      `json:"task"`
	Entries   []RankEntry `json:"entries"`
	Pending   []string    `json:"pending"`
	Summary   RankSummary `json:"summary"`
	Narrative string      `json:"narrative"`
	Prompt    string      `json:"evaluation_prompt,omitempty"`
}

// Empty reports whether no variant has completed yet.
func (rk *Ranking) Empty() bool {
	return len(rk.Entries) == 0
}

// Best returns the highest-ranked entry that evaluated cleanly, or nil.
func (rk *Ranking) Best() *RankEntry {
	for i := range rk.Entries {
		if rk.Entries[i].Error == "" {
			return &rk.Entries[i]
		}
	}
	return nil
}

type rankTarget struct {
	index int
	id    string
	path  string
	eval  *models.Evaluation
	err   error
}

// Rank evaluates completed variants that lack an evaluation (or all of them
// when refresh is set) and orders them by quality score, highest first. Equal
// scores keep variant creation order. Pending variants are listed separately.
func (r *Registry) Rank(ctx context.Context, sessionID string, refresh bool) (*Ranking, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.gone {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	base := e.session.BaseBranch
	var targets []*rankTarget
	for i, v := range e.session.Variants {
		if !v.Completed() {
			continue
		}
		t := &rankTarget{index: i, id: v.ID, path: v.WorktreePath}
		if v.Evaluation != nil && !refresh {
			t.eval = v.Evaluation.Clone()
		}
		targets = append(targets, t)
	}
	e.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.EvalParallelism)
	for _, t := range targets {
		if t.eval != nil {
			continue
		}
		g.Go(func() error {
			t.eval, t.err = r.evaluator.Evaluate(ctx, t.path, base)
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	s := e.session

	rk := &Ranking{SessionID: s.ID, Task: s.Task, Pending: s.PendingIDs()}
	for _, t := range targets {
		// The variant may have been finalized away while we evaluated.
		v := s.Variant(t.id)
		if v == nil || v.WorktreePath != t.path {
			continue
		}
		entry := RankEntry{VariantID: v.ID, Branch: v.Branch, WorktreePath: v.WorktreePath}
		if t.err != nil {
			r.log.Warn("evaluate variant", zap.String("session", s.ID), zap.String("variant", v.ID), zap.Error(t.err))
			entry.Error = t.err.Error()
			entry.QualityScore = -1
		} else {
			v.Evaluation = t.eval
			entry.Evaluation = t.eval.Clone()
			entry.QualityScore = t.eval.QualityScore
		}
		rk.Entries = append(rk.Entries, entry)
	}

	sort.SliceStable(rk.Entries, func(i, j int) bool {
		return rk.Entries[i].QualityScore > rk.Entries[j].QualityScore
	})

	rk.Summary = RankSummary{Total: len(s.Variants), Completed: s.CompletedCount()}
	var candidates []evaluate.Candidate
	for _, en := range rk.Entries {
		if en.Evaluation == nil {
			continue
		}
		if en.Evaluation.HasChanges {
			rk.Summary.WithChanges++
		}
		if en.Evaluation.TestsPassed() {
			rk.Summary.TestsPassed++
		}
		candidates = append(candidates, evaluate.Candidate{
			VariantID:    en.VariantID,
			Branch:       en.Branch,
			WorktreePath: en.WorktreePath,
			Evaluation:   en.Evaluation,
		})
	}
	rk.Narrative = narrate(rk)
	if len(candidates) > 0 {
		rk.Prompt = evaluate.BuildPrompt(s.Task, candidates)
	}
	return rk, nil
}

func narrate(rk *Ranking) string {
	if rk.Empty() {
		return fmt.Sprintf("No completed implementations found (0 of %d variants complete). Wait for implementations to complete before evaluating.", rk.Summary.Total)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d variants complete, %d with changes, %d with passing tests.",
		rk.Summary.Completed, rk.Summary.Total, rk.Summary.WithChanges, rk.Summary.TestsPassed)
	if best := rk.Best(); best != nil {
		ev := best.Evaluation
		tests := "no tests ran"
		if ev.Tests != nil {
			tests = "tests failed"
			if ev.Tests.Success {
				tests = "tests passed"
			}
		}
		fmt.Fprintf(&b, " Best: %s (score %d, %d files, +%d/-%d, %s).",
			best.VariantID, best.QualityScore, ev.FilesChanged, ev.LinesAdded, ev.LinesRemoved, tests)
	}
	if len(rk.Pending) > 0 {
		fmt.Fprintf(&b, " Still pending: %s.", strings.Join(rk.Pending, ", "))
	}
	return b.String()
}
