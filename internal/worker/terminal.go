package worker

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/joescharf/ballot/internal/models"
)

// osascriptFunc runs an AppleScript and returns its combined output.
type osascriptFunc func(ctx context.Context, script string) ([]byte, error)

func runOsascript(ctx context.Context, script string) ([]byte, error) {
	return exec.CommandContext(ctx, "osascript", "-e", script).CombinedOutput()
}

// appleScriptEscape escapes s for use inside an AppleScript string literal.
func appleScriptEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// TerminalLauncher opens a macOS Terminal window per job.
type TerminalLauncher struct {
	cfg       Config
	log       *zap.Logger
	osascript osascriptFunc
}

// NewTerminalLauncher returns a launcher that drives Terminal.app.
func NewTerminalLauncher(cfg Config, log *zap.Logger) *TerminalLauncher {
	return &TerminalLauncher{cfg: cfg, log: log, osascript: runOsascript}
}

func (l *TerminalLauncher) Launch(ctx context.Context, job Job) (<-chan models.ExecutionResult, error) {
	script := fmt.Sprintf(`tell application "Terminal"
	do script "%s"
	activate
end tell`, appleScriptEscape(l.cfg.CdScript(job)))

	if out, err := l.osascript(ctx, script); err != nil {
		return nil, fmt.Errorf("launch Terminal: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	l.log.Debug("terminal launched", zap.String("session", job.SessionID), zap.String("variant", job.VariantID))
	return nil, nil
}

// ITermLauncher opens an iTerm2 window per job, named after the variant.
type ITermLauncher struct {
	cfg       Config
	log       *zap.Logger
	osascript osascriptFunc
}

// NewITermLauncher returns a launcher that drives iTerm2.
func NewITermLauncher(cfg Config, log *zap.Logger) *ITermLauncher {
	return &ITermLauncher{cfg: cfg, log: log, osascript: runOsascript}
}

func (l *ITermLauncher) Launch(ctx context.Context, job Job) (<-chan models.ExecutionResult, error) {
	script := fmt.Sprintf(`tell application "iTerm2"
	activate
	set newWindow to (create window with default profile)
	tell current session of newWindow
		set name to "%s"
		write text "%s"
	end tell
end tell`, appleScriptEscape(job.Title()), appleScriptEscape(l.cfg.CdScript(job)))

	if out, err := l.osascript(ctx, script); err != nil {
		return nil, fmt.Errorf("launch iTerm: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	l.log.Debug("iterm launched", zap.String("session", job.SessionID), zap.String("variant", job.VariantID))
	return nil, nil
}
