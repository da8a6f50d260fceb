package sessions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/ballot/internal/completion"
	"github.com/joescharf/ballot/internal/models"
	"github.com/joescharf/ballot/internal/naming"
	"github.com/joescharf/ballot/internal/worker"
)

func TestCreateSession_AddLoggingScenario(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "add logging", 3)

	assert.Equal(t, "s0000001", res.SessionID)
	assert.Equal(t, env.repo, res.TargetRepo)
	assert.Equal(t, "main", res.BaseBranch)
	require.Len(t, res.Variants, 3)

	paths := map[string]bool{}
	branches := map[string]bool{}
	for i, v := range res.Variants {
		assert.Equal(t, fmt.Sprintf("variant-%d", i+1), v.ID)
		assert.Equal(t, fmt.Sprintf("voting-s0000001-add-logging-variant-%d", i+1), v.Branch)
		assert.Equal(t, filepath.Join(env.repo+".worktrees", fmt.Sprintf("s0000001-add-logging-var%d", i+1)), v.Path)
		assert.True(t, v.Launched)
		assert.FileExists(t, filepath.Join(v.Path, worker.TaskInstructionsFile))
		assert.FileExists(t, filepath.Join(v.Path, completion.LogFileName))
		paths[v.Path] = true
		branches[v.Branch] = true
	}
	assert.Len(t, paths, 3)
	assert.Len(t, branches, 3)

	p, err := env.reg.MarkComplete(res.SessionID, "variant-2")
	require.NoError(t, err)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 3, p.Total)
	assert.False(t, p.AllCompleted)

	rk, err := env.reg.Rank(context.Background(), res.SessionID, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"variant-2"}, entryIDs(rk))
	assert.Equal(t, []string{"variant-1", "variant-3"}, rk.Pending)
	assert.Equal(t, 3, rk.Summary.Total)
	assert.Equal(t, 1, rk.Summary.Completed)
}

func TestCreateSession_LegacyNamingScheme(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.NamingScheme = naming.SchemeV1 })
	res := env.create(t, "add logging", 2)

	assert.Equal(t, "voting-s0000001-variant-2", res.Variants[1].Branch)
	assert.Equal(t, string(naming.SchemeV1), env.session(t, res.SessionID).NamingScheme)
	info, ok := naming.ParseBranch(res.Variants[1].Branch)
	require.True(t, ok)
	assert.Equal(t, naming.SchemeV1, info.Scheme)
}

func TestCreateSession_LaunchesWorkers(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "add logging", 2)

	require.Len(t, env.launcher.jobs, 2)
	job := env.launcher.jobs[1]
	assert.Equal(t, res.SessionID, job.SessionID)
	assert.Equal(t, "variant-2", job.VariantID)
	assert.Equal(t, "add logging", job.Prompt)
	assert.True(t, job.LogCompletion)
	assert.Equal(t, res.Variants[1].Path, job.WorktreePath)
}

func TestCreateSession_LaunchFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.err = errors.New("osascript: not found")

	res := env.create(t, "add logging", 2)
	for _, v := range res.Variants {
		assert.False(t, v.Launched)
		assert.Contains(t, v.LaunchError, "osascript")
	}
	assert.Len(t, env.session(t, res.SessionID).Variants, 2)
}

func TestCreateSession_VariantBounds(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.DefaultVariants = 2; c.MaxVariants = 4 })

	res := env.create(t, "defaulted", 0)
	assert.Len(t, res.Variants, 2)

	for _, n := range []int{-1, 5} {
		_, err := env.reg.CreateSession(context.Background(), CreateRequest{Task: "x", Variants: n})
		assert.ErrorIs(t, err, ErrInvalidArgument, "variants=%d", n)
	}
	res = env.create(t, "at max", 4)
	assert.Len(t, res.Variants, 4)
}

func TestCreateSession_EmptyTask(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.reg.CreateSession(context.Background(), CreateRequest{Task: "   ", Variants: 1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateSession_DetachedHeadFallsBackToMain(t *testing.T) {
	env := newTestEnv(t)
	env.git.current = ""
	res := env.create(t, "x", 1)
	assert.Equal(t, DefaultBaseBranch, res.BaseBranch)
}

func TestCreateSession_ProvisioningFailure(t *testing.T) {
	env := newTestEnv(t)
	env.git.addFailAt = 3

	_, err := env.reg.CreateSession(context.Background(), CreateRequest{Task: "add logging", Variants: 4})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExternalTool)

	var pe *ProvisioningError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "variant-3", pe.VariantID)
	require.Len(t, pe.Created, 2)
	assert.Contains(t, pe.Error(), "already exists")

	// No rollback: earlier worktrees stay on disk, and nothing is registered.
	for _, p := range pe.Created {
		assert.DirExists(t, p)
	}
	assert.Empty(t, env.reg.ListSessions())
	assert.Empty(t, env.launcher.jobs)
}

func TestResolveRepo(t *testing.T) {
	t.Run("hint relative to workspace", func(t *testing.T) {
		env := newTestEnv(t)
		makeRepo(t, env.root, "other")
		res, err := env.reg.CreateSession(context.Background(), CreateRequest{Task: "x", Variants: 1, TargetRepo: "other"})
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(env.root, "other"), res.TargetRepo)
	})

	t.Run("hint that is not a repo", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, os.MkdirAll(filepath.Join(env.root, "plain"), 0o755))
		_, err := env.reg.CreateSession(context.Background(), CreateRequest{Task: "x", Variants: 1, TargetRepo: "plain"})
		assert.ErrorIs(t, err, ErrNotAGitRepo)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("ambiguous", func(t *testing.T) {
		env := newTestEnv(t)
		makeRepo(t, env.root, "other")
		_, err := env.reg.CreateSession(context.Background(), CreateRequest{Task: "x", Variants: 1})
		assert.ErrorIs(t, err, ErrPrecondition)
		var ae *AmbiguousRepoError
		require.ErrorAs(t, err, &ae)
		assert.Equal(t, []string{"app", "other"}, ae.Candidates)
	})

	t.Run("none", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, os.RemoveAll(env.repo))
		_, err := env.reg.CreateSession(context.Background(), CreateRequest{Task: "x", Variants: 1})
		assert.ErrorIs(t, err, ErrNoRepoFound)
		assert.ErrorIs(t, err, ErrPrecondition)
	})

	t.Run("workspace root is the repo", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, os.RemoveAll(env.repo))
		require.NoError(t, os.MkdirAll(filepath.Join(env.root, ".git"), 0o755))
		res, err := env.reg.CreateSession(context.Background(), CreateRequest{Task: "x", Variants: 1})
		require.NoError(t, err)
		assert.Equal(t, env.root, res.TargetRepo)
	})

	t.Run("worktrees directories are not candidates", func(t *testing.T) {
		env := newTestEnv(t)
		env.create(t, "first", 1)
		// app.worktrees now exists beside app; a second create must not see two repos.
		env.create(t, "second", 1)
	})
}

func TestMarkComplete(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "x", 2)

	_, err := env.reg.MarkComplete(res.SessionID, "variant-1")
	require.NoError(t, err)
	p, err := env.reg.MarkComplete(res.SessionID, "variant-1")
	require.NoError(t, err)
	assert.Equal(t, models.VariantStateCompleted, p.State)
	assert.Equal(t, 1, p.Completed)

	s := env.session(t, res.SessionID)
	v := s.Variant("variant-1")
	assert.True(t, v.Signals.Explicit)
	assert.NotNil(t, v.CompletedAt)

	_, err = env.reg.MarkComplete(res.SessionID, "variant-9")
	assert.ErrorIs(t, err, ErrVariantNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.reg.MarkComplete("nope", "variant-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGetVariant_RefreshesLogMarker(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "x", 2)

	info, err := env.reg.GetVariant(res.SessionID, "variant-1")
	require.NoError(t, err)
	assert.False(t, info.MarkerSeen)
	assert.Equal(t, models.VariantStatePending, info.Variant.State)
	assert.Equal(t, "log", info.Source)
	assert.True(t, info.LogCompletion)

	appendSentinel(t, res.Variants[0].Path)

	info, err = env.reg.GetVariant(res.SessionID, "variant-1")
	require.NoError(t, err)
	assert.True(t, info.MarkerSeen)
	assert.Equal(t, models.VariantStateCompleted, info.Variant.State)
	assert.True(t, info.Variant.Signals.Marker)

	// The refresh is recorded, not just reported.
	assert.True(t, env.session(t, res.SessionID).Variant("variant-1").Completed())

	_, err = env.reg.GetVariant(res.SessionID, "variant-7")
	assert.ErrorIs(t, err, ErrVariantNotFound)
}

// hookSource runs a callback, once armed, before reading the wrapped source.
type hookSource struct {
	completion.Source
	mu   sync.Mutex
	hook func()
}

func (h *hookSource) arm(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hook = fn
}

func (h *hookSource) Detect(path string) (bool, error) {
	h.mu.Lock()
	fn := h.hook
	h.hook = nil
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
	return h.Source.Detect(path)
}

func TestGetVariant_SessionCleanedDuringRefresh(t *testing.T) {
	src := &hookSource{Source: completion.NewLogSource()}
	env := newTestEnvOpts(t, func(o *Options) {
		o.Sources = func(models.SessionKind) completion.Source { return src }
	})
	res := env.create(t, "x", 1)
	// Let the monitor's first poll pass before arming the hook.
	require.Eventually(t, func() bool {
		for _, s := range env.reg.ListSessions() {
			if s.ID == res.SessionID {
				return s.Monitoring
			}
		}
		return false
	}, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	src.arm(func() {
		_, err := env.reg.Cleanup(context.Background(), res.SessionID, true)
		require.NoError(t, err)
	})

	_, err := env.reg.GetVariant(res.SessionID, "variant-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NotErrorIs(t, err, ErrVariantNotFound)
}

func TestCompletion_NeverRegresses(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "x", 1)
	path := res.Variants[0].Path

	appendSentinel(t, path)
	_, err := env.reg.GetVariant(res.SessionID, "variant-1")
	require.NoError(t, err)

	// Truncate the log: the sentinel is gone but the variant stays complete.
	require.NoError(t, os.WriteFile(filepath.Join(path, completion.LogFileName), nil, 0o644))
	info, err := env.reg.GetVariant(res.SessionID, "variant-1")
	require.NoError(t, err)
	assert.False(t, info.MarkerSeen)
	assert.Equal(t, models.VariantStateCompleted, info.Variant.State)
}

func TestListSessions(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, "first", 2)
	second := env.create(t, "second", 1)

	_, err := env.reg.MarkComplete(second.SessionID, "variant-1")
	require.NoError(t, err)

	list := env.reg.ListSessions()
	require.Len(t, list, 2)
	assert.Equal(t, first.SessionID, list[0].ID)
	assert.Equal(t, StatusInProgress, list[0].Status)
	assert.Equal(t, 0, list[0].Completed)
	assert.Equal(t, 2, list[0].Total)
	assert.Equal(t, second.SessionID, list[1].ID)
	assert.Equal(t, StatusComplete, list[1].Status)
	assert.Equal(t, models.SessionKindVoting, list[1].Kind)
}

func TestGetSession_ReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "x", 1)

	s := env.session(t, res.SessionID)
	s.Variants[0].State = models.VariantStateCompleted
	s.Variants = nil

	again := env.session(t, res.SessionID)
	require.Len(t, again.Variants, 1)
	assert.Equal(t, models.VariantStatePending, again.Variants[0].State)

	_, err := env.reg.GetSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSupervisedWorkerResultIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.launcher.result = &models.ExecutionResult{Success: true, Output: "ok"}
	res := env.create(t, "x", 1)

	require.Eventually(t, func() bool {
		return env.session(t, res.SessionID).Variants[0].Execution != nil
	}, waitFor, tick)

	s := env.session(t, res.SessionID)
	assert.True(t, s.Variants[0].Execution.Success)
	assert.Equal(t, 1, env.reg.ListSessions()[0].Executed)
}

func TestRegistriesAreIsolated(t *testing.T) {
	a := newTestEnv(t)
	b := newTestEnv(t)

	var wg sync.WaitGroup
	for _, env := range []*testEnv{a, b} {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := env.reg.CreateSession(context.Background(), CreateRequest{Task: fmt.Sprintf("task %d", i), Variants: 2})
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	assert.Len(t, a.reg.ListSessions(), 3)
	assert.Len(t, b.reg.ListSessions(), 3)
	for _, s := range a.reg.ListSessions() {
		assert.Equal(t, a.repo, s.TargetRepo)
	}
}

func TestConcurrentSignalsAndRanking(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "x", 5)

	var wg sync.WaitGroup
	for _, v := range res.Variants {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := env.reg.MarkComplete(res.SessionID, v.ID)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := env.reg.Rank(context.Background(), res.SessionID, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rk, err := env.reg.Rank(context.Background(), res.SessionID, false)
	require.NoError(t, err)
	assert.Len(t, rk.Entries, 5)
	assert.Empty(t, rk.Pending)
}

func TestJournalEvents(t *testing.T) {
	env := newTestEnv(t)
	res := env.create(t, "x", 2)
	_, err := env.reg.Finalize(context.Background(), res.SessionID, "variant-1", false)
	require.NoError(t, err)
	_, err = env.reg.Cleanup(context.Background(), res.SessionID, true)
	require.NoError(t, err)

	assert.Equal(t, []models.EventType{
		models.EventSessionCreated,
		models.EventSessionFinalized,
		models.EventSessionCleaned,
	}, env.recorder.types())
	assert.Equal(t, res.SessionID, env.recorder.events[0].SessionID)
	assert.Contains(t, env.recorder.events[1].Detail, `"winner":"variant-1"`)
}
