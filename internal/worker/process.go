package worker

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/models"
)

// OutputLimit caps the output kept in an ExecutionResult.
const OutputLimit = 1000

// ProcessLauncher runs the agent as a child process of ballot and reports how
// it exited. Workers are killed when the job context is cancelled.
type ProcessLauncher struct {
	cfg   Config
	log   *zap.Logger
	shell string
	now   func() time.Time
}

// NewProcessLauncher returns a supervising launcher that runs jobs with /bin/sh.
func NewProcessLauncher(cfg Config, log *zap.Logger) *ProcessLauncher {
	return &ProcessLauncher{cfg: cfg, log: log, shell: "/bin/sh", now: time.Now}
}

func (l *ProcessLauncher) Launch(ctx context.Context, job Job) (<-chan models.ExecutionResult, error) {
	return l.start(ctx, job, l.cfg.Script(job))
}

func (l *ProcessLauncher) start(ctx context.Context, job Job, script string) (<-chan models.ExecutionResult, error) {
	cmd := exec.CommandContext(ctx, l.shell, "-c", script)
	cmd.Dir = job.WorktreePath
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)

	out := &limitedBuffer{limit: OutputLimit}
	cmd.Stdout = out
	cmd.Stderr = out

	started := l.now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	l.log.Debug("worker started",
		zap.String("session", job.SessionID),
		zap.String("variant", job.VariantID),
		zap.Int("pid", cmd.Process.Pid))

	ch := make(chan models.ExecutionResult, 1)
	go func() {
		defer close(ch)
		err := cmd.Wait()

		res := models.ExecutionResult{
			Success:   err == nil,
			ExitCode:  exitCode(err),
			Output:    out.String(),
			StartedAt: started,
			EndedAt:   l.now(),
		}
		l.log.Debug("worker exited",
			zap.String("session", job.SessionID),
			zap.String("variant", job.VariantID),
			zap.Int("exit_code", res.ExitCode))
		ch <- res
	}()
	return ch, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer keeps the first limit bytes written to it and discards the rest.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
