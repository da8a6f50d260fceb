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

// AdhocRequest asks for a single throwaway worktree.
type AdhocRequest struct {
	Task       string
	TargetRepo string
}

// CreateAdhoc refreshes the remote and provisions one worktree from the
// configured base ref. It is registered as a one-variant session so it can be
// inspected, finalized and cleaned up like any other. When the fetch fails
// the worktree starts from the current HEAD instead.
func (r *Registry) CreateAdhoc(ctx context.Context, req AdhocRequest) (*CreateResult, error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return nil, fmt.Errorf("%w: task is required", ErrInvalidArgument)
	}
	repo, err := r.resolveRepo(req.TargetRepo)
	if err != nil {
		return nil, err
	}

	baseRef := r.cfg.AdhocBaseRef
	if r.cfg.AdhocFetch {
		remote, _, _ := strings.Cut(baseRef, "/")
		if err := r.git.Fetch(repo, remote); err != nil {
			r.log.Warn("fetch before ad-hoc worktree, using HEAD", zap.String("repo", repo), zap.Error(err))
			baseRef = ""
		}
	}

	s := r.newSession(models.SessionKindAdhoc, task, repo)
	name := naming.AdhocName(s.ID, naming.Slug(task, naming.SubtaskSlugLen))
	v := &models.Variant{
		ID:           naming.VariantID(1),
		Index:        1,
		WorktreePath: filepath.Join(s.WorktreesDir, name),
		Branch:       name,
		State:        models.VariantStatePending,
		CreatedAt:    r.now(),
	}
	if err := r.provision(ctx, s, v, baseRef); err != nil {
		return nil, err
	}

	e := r.register(s, r.sourceFor(s.Kind))
	res := r.launchAll(e, func(v *models.Variant, job worker.Job) (string, error) {
		if err := worker.InitLog(v.WorktreePath, s.ID, v.ID, s.Task, r.now()); err != nil {
			return "", err
		}
		return worker.WriteTaskInstructions(worker.TaskInstructions{
			SessionID: s.ID,
			VariantID: v.ID,
			Task:      s.Task,
			Path:      v.WorktreePath,
			Command:   r.cfg.Worker.CdScript(job),
		})
	})
	r.startMonitor(e)
	r.record(ctx, s, models.EventSessionCreated, map[string]any{"base_ref": baseRef, "branch": name})

	r.log.Info("ad-hoc worktree created", zap.String("session", s.ID), zap.String("branch", name), zap.String("base_ref", baseRef))
	return res, nil
}
