// Package sessions manages variant sessions: it provisions one worktree per
// variant, watches for completion, ranks completed variants and tears the
// session down once a winner has been chosen.
package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/completion"
	"github.com/joescharf/ballot/internal/git"
	"github.com/joescharf/ballot/internal/models"
	"github.com/joescharf/ballot/internal/naming"
	"github.com/joescharf/ballot/internal/worker"
)

// Evaluator scores a worktree against its base branch.
type Evaluator interface {
	Evaluate(ctx context.Context, path, base string) (*models.Evaluation, error)
}

// Recorder receives lifecycle events. Record failures are logged, never returned.
type Recorder interface {
	Record(ctx context.Context, ev *models.Event) error
}

// Config tunes registry behaviour. Zero values are replaced by defaults.
type Config struct {
	WorkspaceRoot   string
	DefaultVariants int
	MaxVariants     int
	AutoFinalize    bool
	AutoMerge       bool
	MonitorInterval time.Duration
	WatchFiles      bool
	EvalParallelism int
	AdhocBaseRef    string
	AdhocFetch      bool
	AutoCombine     bool
	NamingScheme    naming.Scheme
	Worker          worker.Config
}

// Defaults.
const (
	DefaultVariants        = 5
	DefaultMaxVariants     = 10
	DefaultMonitorInterval = 10 * time.Second
	DefaultEvalParallelism = 4
	DefaultAdhocBaseRef    = "origin/main"
	DefaultBaseBranch      = "main"
)

// Options wires a Registry to its collaborators.
type Options struct {
	Git       git.Client
	Launcher  worker.Launcher
	Evaluator Evaluator
	Recorder  Recorder
	Logger    *zap.Logger
	Config    Config

	// Now, NewID and Sources are overridable in tests. Sources picks the
	// completion source for a session kind.
	Now     func() time.Time
	NewID   func() string
	Sources func(models.SessionKind) completion.Source
}

// Registry owns every live session. Registries are independent: several can
// run in one process without sharing state.
type Registry struct {
	git       git.Client
	launcher  worker.Launcher
	evaluator Evaluator
	recorder  Recorder
	log       *zap.Logger
	cfg       Config
	now       func() time.Time
	newID     func() string
	sourceFor func(models.SessionKind) completion.Source

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[string]*entry
}

// entry is the registry's private record for one session.
type entry struct {
	// mu guards session, monitor and gone. It is never held across VCS,
	// filesystem or test-runner calls.
	mu      sync.Mutex
	session *models.Session
	monitor *monitorHandle
	gone    bool

	// op serialises finalize, auto-select, combine and cleanup.
	op sync.Mutex

	// ctx bounds monitors and supervised workers; cancel ends them.
	ctx     context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
	wake    chan struct{}
	source  completion.Source
}

// New returns an empty Registry.
func New(opts Options) (*Registry, error) {
	if opts.Git == nil {
		return nil, fmt.Errorf("sessions: git client is required")
	}
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("sessions: evaluator is required")
	}
	if opts.Launcher == nil {
		opts.Launcher = worker.NopLauncher{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.NewString()[:8] }
	}
	if opts.Sources == nil {
		opts.Sources = sourceFor
	}

	cfg := opts.Config
	if cfg.WorkspaceRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("sessions: workspace root: %w", err)
		}
		cfg.WorkspaceRoot = wd
	}
	if cfg.DefaultVariants <= 0 {
		cfg.DefaultVariants = DefaultVariants
	}
	if cfg.MaxVariants <= 0 {
		cfg.MaxVariants = DefaultMaxVariants
	}
	if cfg.DefaultVariants > cfg.MaxVariants {
		cfg.DefaultVariants = cfg.MaxVariants
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.EvalParallelism <= 0 {
		cfg.EvalParallelism = DefaultEvalParallelism
	}
	if cfg.AdhocBaseRef == "" {
		cfg.AdhocBaseRef = DefaultAdhocBaseRef
	}
	if cfg.NamingScheme == "" {
		cfg.NamingScheme = naming.DefaultScheme
	}
	if cfg.Worker.Command == "" {
		cfg.Worker = worker.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		git:       opts.Git,
		launcher:  opts.Launcher,
		evaluator: opts.Evaluator,
		recorder:  opts.Recorder,
		log:       opts.Logger,
		cfg:       cfg,
		now:       opts.Now,
		newID:     opts.NewID,
		sourceFor: opts.Sources,
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
	}, nil
}

// Config returns the effective configuration.
func (r *Registry) Config() Config {
	return r.cfg
}

// Close stops every monitor and supervised worker and forgets all sessions.
// Worktrees are left on disk.
func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for id, e := range r.entries {
		entries = append(entries, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, e := range entries {
		r.stopMonitor(e)
		e.workers.Wait()
		e.mu.Lock()
		e.gone = true
		e.mu.Unlock()
	}
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e, nil
}

func (r *Registry) register(s *models.Session, src completion.Source) *entry {
	ctx, cancel := context.WithCancel(r.ctx)
	e := &entry{
		session: s,
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		source:  src,
	}
	r.mu.Lock()
	r.entries[s.ID] = e
	r.mu.Unlock()
	return e
}

// deregister removes the session from the registry and marks the entry gone
// so background goroutines holding it stop.
func (r *Registry) deregister(id string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[id]; ok && cur == e {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	e.mu.Lock()
	e.gone = true
	e.mu.Unlock()
	e.cancel()
}

// uniqueID draws ids until one is not in use.
func (r *Registry) uniqueID() string {
	for {
		id := r.newID()
		r.mu.RLock()
		_, taken := r.entries[id]
		r.mu.RUnlock()
		if !taken {
			return id
		}
	}
}

// wakeMonitor nudges the session's monitor to poll now.
func (e *entry) wakeMonitor() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// GetSession returns a snapshot of the session.
func (r *Registry) GetSession(id string) (*models.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gone {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.session.Clone(), nil
}

// SessionSummary is one row of ListSessions.
type SessionSummary struct {
	ID         string             `json:"session_id"`
	Kind       models.SessionKind `json:"kind"`
	Task       string             `json:"task"`
	TargetRepo string             `json:"target_repo"`
	BaseBranch string             `json:"base_branch"`
	CreatedAt  time.Time          `json:"created_at"`
	Total      int                `json:"total"`
	Completed  int                `json:"completed"`
	Executed   int                `json:"executed"`
	Status     string             `json:"status"`
	Monitoring bool               `json:"monitoring"`
}

// Session status strings.
const (
	StatusInProgress = "in_progress"
	StatusComplete   = "complete"
)

// ListSessions summarises every session in creation order.
func (r *Registry) ListSessions() []SessionSummary {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]SessionSummary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.gone {
			e.mu.Unlock()
			continue
		}
		s := e.session
		sum := SessionSummary{
			ID:         s.ID,
			Kind:       s.Kind,
			Task:       s.Task,
			TargetRepo: s.BasePath,
			BaseBranch: s.BaseBranch,
			CreatedAt:  s.CreatedAt,
			Total:      len(s.Variants),
			Completed:  s.CompletedCount(),
			Status:     StatusInProgress,
			Monitoring: e.monitor != nil,
		}
		for _, v := range s.Variants {
			if v.Execution != nil {
				sum.Executed++
			}
		}
		if s.AllCompleted() {
			sum.Status = StatusComplete
		}
		e.mu.Unlock()
		out = append(out, sum)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// record writes a journal event, logging rather than returning failures.
func (r *Registry) record(ctx context.Context, s *models.Session, typ models.EventType, detail any) {
	if r.recorder == nil {
		return
	}
	ev := &models.Event{
		SessionID: s.ID,
		Type:      typ,
		Kind:      s.Kind,
		Task:      s.Task,
		Repo:      s.BasePath,
		CreatedAt: r.now().UTC(),
	}
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			ev.Detail = string(b)
		}
	}
	if err := r.recorder.Record(context.WithoutCancel(ctx), ev); err != nil {
		r.log.Warn("journal record failed", zap.String("session", s.ID), zap.String("event", string(typ)), zap.Error(err))
	}
}
