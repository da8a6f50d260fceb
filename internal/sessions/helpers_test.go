package sessions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/completion"
	"github.com/joescharf/ballot/internal/evaluate"
	"github.com/joescharf/ballot/internal/git"
	"github.com/joescharf/ballot/internal/models"
	"github.com/joescharf/ballot/internal/worker"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// fakeGit implements git.Client on the local filesystem. Worktrees are plain
// directories holding a .git file so IsRepoRoot recognises them.
type fakeGit struct {
	mu sync.Mutex

	current    string
	addFailAt  int // 1-based WorktreeAdd call that fails; 0 never
	adds       int
	addBases   []string
	worktrees  map[string]string // path -> branch
	branches   map[string]bool
	stats      map[string]string // worktree path -> diff --stat output
	statCalls  int
	statErrs   map[string]error // worktree path -> error
	removeErrs map[string]error // worktree path -> error
	mergeErrs  map[string]error // branch -> error
	merges     []string
	checkouts  []string
	deleted    []string
	aborts     int
	fetchErr   error
	fetches    int
}

func newFakeGit() *fakeGit {
	return &fakeGit{
		current:    "main",
		worktrees:  make(map[string]string),
		branches:   make(map[string]bool),
		stats:      make(map[string]string),
		statErrs:   make(map[string]error),
		removeErrs: make(map[string]error),
		mergeErrs:  make(map[string]error),
	}
}

var _ git.Client = (*fakeGit)(nil)

func (f *fakeGit) IsRepoRoot(path string) bool {
	_, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil
}

func (f *fakeGit) RepoRoot(path string) (string, error) { return path, nil }

func (f *fakeGit) CurrentBranch(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == "" {
		return "", errors.New("detached")
	}
	return f.current, nil
}

func (f *fakeGit) WorktreeAdd(repoPath, worktreePath, branch, base string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds++
	if f.addFailAt == f.adds {
		return fmt.Errorf("git worktree add failed: fatal: '%s' already exists", worktreePath)
	}
	if f.branches[branch] {
		return fmt.Errorf("git worktree add failed: a branch named '%s' already exists", branch)
	}
	if err := os.MkdirAll(worktreePath, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(worktreePath, ".git"), []byte("gitdir: fake\n"), 0o644); err != nil {
		return err
	}
	f.addBases = append(f.addBases, base)
	f.worktrees[worktreePath] = branch
	f.branches[branch] = true
	return nil
}

func (f *fakeGit) WorktreeRemove(repoPath, worktreePath string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErrs[worktreePath]; err != nil {
		return err
	}
	delete(f.worktrees, worktreePath)
	return os.RemoveAll(worktreePath)
}

func (f *fakeGit) WorktreeList(repoPath string) ([]git.WorktreeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []git.WorktreeInfo{{Path: repoPath, Branch: f.current}}
	for p, b := range f.worktrees {
		out = append(out, git.WorktreeInfo{Path: p, Branch: b})
	}
	return out, nil
}

func (f *fakeGit) BranchDelete(repoPath, branch string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.branches[branch] {
		return fmt.Errorf("git branch -D %s: error: branch '%s' not found", branch, branch)
	}
	for _, b := range f.worktrees {
		if b == branch {
			return fmt.Errorf("git branch -D %s: error: cannot delete branch used by worktree", branch)
		}
	}
	delete(f.branches, branch)
	f.deleted = append(f.deleted, branch)
	return nil
}

func (f *fakeGit) DiffStat(worktreePath, base string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statCalls++
	if err := f.statErrs[worktreePath]; err != nil {
		return "", err
	}
	return f.stats[worktreePath], nil
}

func (f *fakeGit) DiffNameOnly(worktreePath, base string) ([]string, error) {
	return nil, nil
}

func (f *fakeGit) Checkout(repoPath, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, branch)
	return nil
}

func (f *fakeGit) Merge(repoPath, branch, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.mergeErrs[branch]; err != nil {
		return err
	}
	f.merges = append(f.merges, branch+": "+message)
	return nil
}

func (f *fakeGit) MergeAbort(repoPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	return nil
}

func (f *fakeGit) Fetch(repoPath, remote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.fetchErr
}

func (f *fakeGit) setStat(path, stat string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[path] = stat
}

func (f *fakeGit) calls() (statCalls int, merges []string, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statCalls, append([]string(nil), f.merges...), append([]string(nil), f.deleted...)
}

// fakeLauncher records jobs and can hand back a canned ExecutionResult.
type fakeLauncher struct {
	mu     sync.Mutex
	jobs   []worker.Job
	result *models.ExecutionResult
	err    error
}

func (l *fakeLauncher) Launch(ctx context.Context, job worker.Job) (<-chan models.ExecutionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, job)
	if l.err != nil {
		return nil, l.err
	}
	if l.result == nil {
		return nil, nil
	}
	ch := make(chan models.ExecutionResult, 1)
	ch <- *l.result
	close(ch)
	return ch, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []*models.Event
}

func (r *fakeRecorder) Record(ctx context.Context, ev *models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRecorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type testEnv struct {
	reg      *Registry
	git      *fakeGit
	launcher *fakeLauncher
	recorder *fakeRecorder
	root     string
	repo     string
}

// makeRepo creates dir/name with a .git directory.
func makeRepo(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Join(p, ".git"), 0o755))
	return p
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvOpts(t, nil, mutate...)
}

// newTestEnvOpts is newTestEnv with a hook over the registry options.
func newTestEnvOpts(t *testing.T, withOpts func(*Options), mutate ...func(*Config)) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		git:      newFakeGit(),
		launcher: &fakeLauncher{},
		recorder: &fakeRecorder{},
		root:     root,
		repo:     makeRepo(t, root, "app"),
	}

	cfg := Config{
		WorkspaceRoot:   root,
		MonitorInterval: time.Hour,
		AutoCombine:     true,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	runner := evaluate.NewTestRunner(evaluate.RunnerConfig{Commands: []string{"definitely-not-a-binary-xyz"}}, zap.NewNop())
	var seq int
	var seqMu sync.Mutex
	opts := Options{
		Git:       env.git,
		Launcher:  env.launcher,
		Evaluator: evaluate.NewEvaluator(env.git, runner, nil, zap.NewNop()),
		Recorder:  env.recorder,
		Logger:    zap.NewNop(),
		Config:    cfg,
		NewID: func() string {
			seqMu.Lock()
			defer seqMu.Unlock()
			seq++
			return fmt.Sprintf("s%07d", seq)
		},
	}
	if withOpts != nil {
		withOpts(&opts)
	}
	reg, err := New(opts)
	require.NoError(t, err)
	env.reg = reg
	t.Cleanup(reg.Close)
	return env
}

func (env *testEnv) create(t *testing.T, task string, n int) *CreateResult {
	t.Helper()
	res, err := env.reg.CreateSession(context.Background(), CreateRequest{Task: task, Variants: n})
	require.NoError(t, err)
	return res
}

func (env *testEnv) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := env.reg.GetSession(id)
	require.NoError(t, err)
	return s
}

func variantIDs(s *models.Session) []string {
	var ids []string
	for _, v := range s.Variants {
		ids = append(ids, v.ID)
	}
	return ids
}

func entryIDs(rk *Ranking) []string {
	var ids []string
	for _, e := range rk.Entries {
		ids = append(ids, e.VariantID)
	}
	return ids
}

func appendSentinel(t *testing.T, worktree string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(worktree, completion.LogFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(completion.LogSentinel + " - " + time.Now().String() + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func statFor(files int) string {
	if files == 1 {
		return " a.go | 1 +\n 1 file changed, 1 insertion(+)"
	}
	var b strings.Builder
	for i := 0; i < files; i++ {
		fmt.Fprintf(&b, " f%d.go | 1 +\n", i)
	}
	fmt.Fprintf(&b, " %d files changed, %d insertions(+)", files, files)
	return b.String()
}
