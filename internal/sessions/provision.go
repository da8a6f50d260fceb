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

// CreateRequest asks for a voting session.
type CreateRequest struct {
	Task       string
	Variants   int // 0 selects the configured default
	TargetRepo string
}

// VariantLaunch describes a provisioned variant and how its worker was started.
type VariantLaunch struct {
	ID               string `json:"id"`
	Path             string `json:"path"`
	Branch           string `json:"branch"`
	InstructionsFile string `json:"instructions_file,omitempty"`
	Command          string `json:"command"`
	Launched         bool   `json:"launched"`
	LaunchError      string `json:"launch_error,omitempty"`
}

// CreateResult is returned by the create operations.
type CreateResult struct {
	SessionID  string             `json:"session_id"`
	Kind       models.SessionKind `json:"kind"`
	Task       string             `json:"task"`
	TargetRepo string             `json:"target_repo"`
	BaseBranch string             `json:"base_branch"`
	Variants   []VariantLaunch    `json:"variants"`
}

// CreateSession provisions a voting session: one worktree and branch per
// variant, instructions and a fresh execution log in each, a worker per
// variant, and a completion monitor. A worktree failure aborts creation;
// worktrees made before it are reported in the ProvisioningError.
func (r *Registry) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	task := strings.TrimSpace(req.Task)
	if task == "" {
		return nil, fmt.Errorf("%w: task is required", ErrInvalidArgument)
	}
	count := req.Variants
	if count == 0 {
		count = r.cfg.DefaultVariants
	}
	if count < 1 || count > r.cfg.MaxVariants {
		return nil, fmt.Errorf("%w: variants must be between 1 and %d, got %d", ErrInvalidArgument, r.cfg.MaxVariants, count)
	}

	repo, err := r.resolveRepo(req.TargetRepo)
	if err != nil {
		return nil, err
	}

	s := r.newSession(models.SessionKindVoting, task, repo)
	for i := 1; i <= count; i++ {
		vid := naming.VariantID(i)
		v := &models.Variant{
			ID:           vid,
			Index:        i,
			WorktreePath: filepath.Join(s.WorktreesDir, naming.VotingDir(s.ID, s.TaskSlug, i)),
			Branch:       naming.Scheme(s.NamingScheme).Branch(naming.PrefixVoting, s.ID, s.TaskSlug, vid),
			State:        models.VariantStatePending,
			CreatedAt:    r.now(),
		}
		if err := r.provision(ctx, s, v, ""); err != nil {
			return nil, err
		}
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
	r.record(ctx, s, models.EventSessionCreated, map[string]any{"variants": count, "base_branch": s.BaseBranch})

	r.log.Info("session created",
		zap.String("session", s.ID),
		zap.String("kind", string(s.Kind)),
		zap.String("repo", repo),
		zap.Int("variants", count))
	return res, nil
}

func (r *Registry) newSession(kind models.SessionKind, task, repo string) *models.Session {
	return &models.Session{
		ID:           r.uniqueID(),
		Kind:         kind,
		Task:         task,
		TaskSlug:     naming.Slug(task, naming.TaskSlugLen),
		NamingScheme: string(r.cfg.NamingScheme),
		BaseBranch:   r.baseBranch(repo),
		BasePath:     repo,
		WorktreesDir: naming.WorktreesDir(repo),
		CreatedAt:    r.now(),
	}
}

// provision creates the variant's worktree and appends it to the unregistered
// session. The append happens only after the VCS call succeeds.
func (r *Registry) provision(ctx context.Context, s *models.Session, v *models.Variant, base string) error {
	if err := ctx.Err(); err != nil {
		return &ProvisioningError{SessionID: s.ID, VariantID: v.ID, Created: createdPaths(s), Err: err}
	}
	if err := r.git.WorktreeAdd(s.BasePath, v.WorktreePath, v.Branch, base); err != nil {
		r.log.Error("worktree add failed",
			zap.String("session", s.ID),
			zap.String("variant", v.ID),
			zap.String("path", v.WorktreePath),
			zap.Error(err))
		return &ProvisioningError{SessionID: s.ID, VariantID: v.ID, Created: createdPaths(s), Err: err}
	}
	s.Variants = append(s.Variants, v)
	return nil
}

func createdPaths(s *models.Session) []string {
	paths := make([]string, len(s.Variants))
	for i, v := range s.Variants {
		paths[i] = v.WorktreePath
	}
	return paths
}

// launchAll writes per-variant artifacts and starts workers for a freshly
// registered session. Failures are logged and reported per variant; they never
// fail the session.
func (r *Registry) launchAll(e *entry, prepare func(*models.Variant, worker.Job) (string, error)) *CreateResult {
	e.mu.Lock()
	s := e.session.Clone()
	e.mu.Unlock()

	res := &CreateResult{
		SessionID:  s.ID,
		Kind:       s.Kind,
		Task:       s.Task,
		TargetRepo: s.BasePath,
		BaseBranch: s.BaseBranch,
	}
	for _, v := range s.Variants {
		job := r.jobFor(s, v)
		vl := VariantLaunch{ID: v.ID, Path: v.WorktreePath, Branch: v.Branch, Command: r.cfg.Worker.CdScript(job)}

		file, err := prepare(v, job)
		if err != nil {
			r.log.Warn("write worktree instructions", zap.String("session", s.ID), zap.String("variant", v.ID), zap.Error(err))
		}
		vl.InstructionsFile = file

		if err := r.launch(e, v.ID, job); err != nil {
			r.log.Warn("launch worker", zap.String("session", s.ID), zap.String("variant", v.ID), zap.Error(err))
			vl.LaunchError = err.Error()
		} else {
			vl.Launched = true
		}
		res.Variants = append(res.Variants, vl)
	}
	return res
}

func (r *Registry) jobFor(s *models.Session, v *models.Variant) worker.Job {
	job := worker.Job{
		SessionID:     s.ID,
		VariantID:     v.ID,
		WorktreePath:  v.WorktreePath,
		Prompt:        s.Task,
		LogCompletion: true,
	}
	if s.Kind == models.SessionKindOrchestrated {
		job.Prompt = v.Subtask
		job.LogCompletion = false
	}
	return job
}

// launch starts the worker and, for supervised launchers, records its
// ExecutionResult on the variant when the process exits.
func (r *Registry) launch(e *entry, variantID string, job worker.Job) error {
	ch, err := r.launcher.Launch(e.ctx, job)
	if err != nil {
		return err
	}
	if ch == nil {
		return nil
	}

	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		res, ok := <-ch
		if !ok {
			return
		}
		e.mu.Lock()
		if v := e.session.Variant(variantID); v != nil && !e.gone {
			v.Execution = &res
		}
		e.mu.Unlock()
		e.wakeMonitor()
	}()
	return nil
}
