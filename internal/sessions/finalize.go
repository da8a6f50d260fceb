package sessions

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/git"
	"github.com/joescharf/ballot/internal/models"
)

// FinalizeResult reports what Finalize did.
type FinalizeResult struct {
	SessionID    string             `json:"session_id"`
	WinnerID     string             `json:"winner_id"`
	WinnerBranch string             `json:"winner_branch"`
	WinnerPath   string             `json:"winner_path"`
	Evaluation   *models.Evaluation `json:"evaluation,omitempty"`
	Merged       bool               `json:"merged"`
	MergeMessage string             `json:"merge_message,omitempty"`
	Removed      []string           `json:"removed"`
	Failures     []DestroyFailure   `json:"failures,omitempty"`
}

// PartialFailure reports whether any teardown step failed.
func (fr *FinalizeResult) PartialFailure() bool {
	return len(fr.Failures) > 0
}

// Err combines teardown failures into one error, or nil.
func (fr *FinalizeResult) Err() error {
	return failuresErr(fr.Failures)
}

// Finalize promotes winnerID. With merge set the winner's branch is merged
// into the base branch first; a failed merge destroys nothing. All other
// variants are then removed best-effort. The winner's worktree and branch are
// never touched and the session stays registered.
func (r *Registry) Finalize(ctx context.Context, sessionID, winnerID string, merge bool) (*FinalizeResult, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.op.Lock()
	defer e.op.Unlock()
	return r.finalizeLocked(ctx, e, winnerID, merge)
}

type variantRef struct {
	id     string
	path   string
	branch string
}

func (r *Registry) finalizeLocked(ctx context.Context, e *entry, winnerID string, merge bool) (*FinalizeResult, error) {
	e.mu.Lock()
	s := e.session
	if e.gone {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, s.ID)
	}
	if s.Kind == models.SessionKindOrchestrated {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s is orchestrated, use combine", ErrWrongKind, s.ID)
	}
	winner := s.Variant(winnerID)
	if winner == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s in session %s", ErrVariantNotFound, winnerID, s.ID)
	}
	sid, task, repo, base := s.ID, s.Task, s.BasePath, s.BaseBranch
	res := &FinalizeResult{
		SessionID:    sid,
		WinnerID:     winner.ID,
		WinnerBranch: winner.Branch,
		WinnerPath:   winner.WorktreePath,
	}
	var cached *models.Evaluation
	if winner.Evaluation != nil {
		cached = winner.Evaluation.Clone()
	}
	var others []variantRef
	for _, v := range s.Variants {
		if v.ID != winnerID {
			others = append(others, variantRef{id: v.ID, path: v.WorktreePath, branch: v.Branch})
		}
	}
	e.mu.Unlock()

	log := r.log.With(zap.String("session", sid), zap.String("winner", winnerID))

	// Evaluate before merging; afterwards the winner no longer differs from base.
	res.Evaluation = cached
	if res.Evaluation == nil {
		ev, err := r.evaluator.Evaluate(ctx, res.WinnerPath, base)
		if err != nil {
			log.Warn("evaluate winner", zap.Error(err))
		} else {
			res.Evaluation = ev
			e.mu.Lock()
			if v := e.session.Variant(winnerID); v != nil {
				v.Evaluation = ev.Clone()
			}
			e.mu.Unlock()
		}
	}

	// A cancelled caller (a monitor stopped by cleanup) must not merge or destroy.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("finalize %s: %w", sid, err)
	}

	if merge {
		if err := r.git.Checkout(repo, base); err != nil {
			return nil, externalErr("checkout "+base, err)
		}
		msg := fmt.Sprintf("Merge winner from voting session %s: %s", sid, task)
		if err := r.git.Merge(repo, res.WinnerBranch, msg); err != nil {
			if abortErr := r.git.MergeAbort(repo); abortErr != nil {
				log.Debug("merge abort", zap.Error(abortErr))
			}
			log.Error("merge winner failed", zap.Error(err))
			return nil, mergeConflict(sid, winnerID, res.WinnerBranch, err)
		}
		res.Merged = true
		res.MergeMessage = msg
	}

	removed, failures := r.destroy(repo, others)
	res.Removed = removed
	res.Failures = failures

	e.mu.Lock()
	dropVariants(e.session, removed)
	e.mu.Unlock()

	r.record(ctx, s, models.EventSessionFinalized, map[string]any{
		"winner":   winnerID,
		"merged":   res.Merged,
		"removed":  removed,
		"failures": len(failures),
	})
	log.Info("session finalized", zap.Bool("merged", res.Merged), zap.Strings("removed", removed), zap.Int("failures", len(failures)))
	return res, nil
}

// AutoSelectResult reports what AutoSelectBest chose.
type AutoSelectResult struct {
	SessionID string          `json:"session_id"`
	Selected  bool            `json:"selected"`
	Reason    string          `json:"reason,omitempty"`
	Ranking   *Ranking        `json:"ranking"`
	Finalize  *FinalizeResult `json:"finalize,omitempty"`
}

// ReasonNothingToSelect is reported when no variant can win yet.
const ReasonNothingToSelect = "nothing to select"

// AutoSelectBest ranks the session and finalizes its top entry. With no
// completed, cleanly evaluated variant it reports nothing to select and
// changes nothing.
func (r *Registry) AutoSelectBest(ctx context.Context, sessionID string, merge bool) (*AutoSelectResult, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.op.Lock()
	defer e.op.Unlock()

	rk, err := r.Rank(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	res := &AutoSelectResult{SessionID: sessionID, Ranking: rk}
	best := rk.Best()
	if best == nil {
		res.Reason = ReasonNothingToSelect
		return res, nil
	}

	fr, err := r.finalizeLocked(ctx, e, best.VariantID, merge)
	if err != nil {
		return nil, err
	}
	res.Selected = true
	res.Finalize = fr
	return res, nil
}

// destroy removes each variant's worktree and branch, continuing past
// failures. It returns the ids of fully removed variants.
func (r *Registry) destroy(repo string, refs []variantRef) ([]string, []DestroyFailure) {
	var removed []string
	var failures []DestroyFailure
	for _, v := range refs {
		ok := true
		if err := r.git.WorktreeRemove(repo, v.path, true); err != nil {
			ok = false
			failures = append(failures, DestroyFailure{VariantID: v.id, Path: v.path, Branch: v.branch, Step: StepRemoveWorktree, Message: err.Error(), Err: err})
			r.log.Warn("remove worktree", zap.String("variant", v.id), zap.String("path", v.path), zap.Error(err))
		}
		if err := r.git.BranchDelete(repo, v.branch, true); err != nil {
			ok = false
			failures = append(failures, DestroyFailure{VariantID: v.id, Path: v.path, Branch: v.branch, Step: StepDeleteBranch, Message: err.Error(), Err: err})
			r.log.Warn("delete branch", zap.String("variant", v.id), zap.String("branch", v.branch), zap.Error(err))
		}
		if ok {
			removed = append(removed, v.id)
		}
	}
	return removed, failures
}

func dropVariants(s *models.Session, ids []string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.Variants[:0]
	for _, v := range s.Variants {
		if !drop[v.ID] {
			kept = append(kept, v)
		}
	}
	for i := len(kept); i < len(s.Variants); i++ {
		s.Variants[i] = nil
	}
	s.Variants = kept
}

func mergeConflict(sessionID, variantID, branch string, err error) error {
	mc := &MergeConflictError{SessionID: sessionID, VariantID: variantID, Branch: branch, Err: err}
	var gitErr *git.MergeError
	if errors.As(err, &gitErr) {
		mc.Output = gitErr.Output
	} else {
		mc.Output = err.Error()
	}
	return mc
}

func failuresErr(failures []DestroyFailure) error {
	var err error
	for _, f := range failures {
		err = multierr.Append(err, fmt.Errorf("%s %s: %w", f.VariantID, f.Step, f.Err))
	}
	return err
}
