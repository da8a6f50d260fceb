package sessions

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/models"
	"github.com/joescharf/ballot/internal/naming"
	"github.com/joescharf/ballot/internal/worker"
)

// OrchestrateRequest splits a task into subtasks worked on in parallel.
type OrchestrateRequest struct {
	Task       string
	Subtasks   []string
	TargetRepo string
}

// CreateOrchestrated provisions one worktree per subtask. Subtasks cooperate
// rather than compete: each signals completion with a marker file and the
// results are merged together by Combine.
func (r *Registry) CreateOrchestrated(ctx context.Context, req OrchestrateRequest) (*CreateResult, error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return nil, fmt.Errorf("%w: task is required", ErrInvalidArgument)
	}
	var subtasks []string
	for _, st := range req.Subtasks {
		if st = strings.TrimSpace(st); st != "" {
			subtasks = append(subtasks, st)
		}
	}
	if len(subtasks) == 0 || len(subtasks) > r.cfg.MaxVariants {
		return nil, fmt.Errorf("%w: subtasks must number between 1 and %d, got %d", ErrInvalidArgument, r.cfg.MaxVariants, len(subtasks))
	}

	repo, err := r.resolveRepo(req.TargetRepo)
	if err != nil {
		return nil, err
	}

	s := r.newSession(models.SessionKindOrchestrated, task, repo)
	scheme := naming.Scheme(s.NamingScheme)
	for i, st := range subtasks {
		idx := i + 1
		vid := naming.SubtaskID(idx)
		slug := naming.Slug(st, naming.SubtaskSlugLen)
		v := &models.Variant{
			ID:           vid,
			Index:        idx,
			Subtask:      st,
			WorktreePath: filepath.Join(s.WorktreesDir, naming.SubtaskDir(s.ID, slug, idx)),
			Branch:       scheme.Branch(naming.PrefixOrchestrated, s.ID, slug, vid),
			State:        models.VariantStatePending,
			CreatedAt:    r.now(),
		}
		if err := r.provision(ctx, s, v, ""); err != nil {
			return nil, err
		}
	}

	e := r.register(s, r.sourceFor(s.Kind))
	res := r.launchAll(e, func(v *models.Variant, job worker.Job) (string, error) {
		return worker.WriteSubtaskInstructions(worker.SubtaskInstructions{
			Index:   v.Index,
			Task:    s.Task,
			Subtask: v.Subtask,
			Path:    v.WorktreePath,
			Command: r.cfg.Worker.CdScript(job),
		})
	})
	r.startMonitor(e)
	r.record(ctx, s, models.EventSessionCreated, map[string]any{"subtasks": len(subtasks)})

	r.log.Info("orchestrated session created", zap.String("session", s.ID), zap.Int("subtasks", len(subtasks)))
	return res, nil
}

// CombineResult reports which subtask branches were merged.
type CombineResult struct {
	SessionID  string   `json:"session_id"`
	BaseBranch string   `json:"base_branch"`
	Merged     []string `json:"merged"`
	Failed     string   `json:"failed,omitempty"`
}

// Combine merges every subtask branch into the base branch in subtask order.
// All subtasks must be complete. The first conflicting merge is aborted and
// returned as a MergeConflictError alongside the partial result; subtasks
// merged before it stay merged.
func (r *Registry) Combine(ctx context.Context, sessionID string) (*CombineResult, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	e.op.Lock()
	defer e.op.Unlock()

	e.mu.Lock()
	s := e.session
	if e.gone {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if s.Kind != models.SessionKindOrchestrated {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s is %s, use finalize", ErrWrongKind, sessionID, s.Kind)
	}
	if pending := s.PendingIDs(); len(pending) > 0 {
		e.mu.Unlock()
		return nil, &IncompleteError{SessionID: sessionID, Pending: pending}
	}
	repo, base := s.BasePath, s.BaseBranch
	type sub struct{ id, branch, subtask string }
	var subs []sub
	for _, v := range s.Variants {
		subs = append(subs, sub{v.ID, v.Branch, v.Subtask})
	}
	e.mu.Unlock()

	res := &CombineResult{SessionID: sessionID, BaseBranch: base}
	if err := r.git.Checkout(repo, base); err != nil {
		return res, externalErr("checkout "+base, err)
	}
	for _, st := range subs {
		msg := fmt.Sprintf("Combine %s from orchestrated session %s: %s", st.id, sessionID, st.subtask)
		if err := r.git.Merge(repo, st.branch, msg); err != nil {
			if abortErr := r.git.MergeAbort(repo); abortErr != nil {
				r.log.Debug("merge abort", zap.Error(abortErr))
			}
			res.Failed = st.id
			r.log.Error("combine subtask failed", zap.String("session", sessionID), zap.String("subtask", st.id), zap.Error(err))
			return res, mergeConflict(sessionID, st.id, st.branch, err)
		}
		res.Merged = append(res.Merged, st.id)
	}

	r.record(ctx, s, models.EventSessionCombined, map[string]any{"merged": res.Merged})
	r.log.Info("subtasks combined", zap.String("session", sessionID), zap.Strings("merged", res.Merged))
	return res, nil
}
