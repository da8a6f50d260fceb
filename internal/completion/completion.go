// Package completion decides when a variant has finished. A variant completes
// when any of its sources fires, and never becomes pending again.
package completion

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joescharf/ballot/internal/models"
)

// Worktree files that act as completion markers.
const (
	LogFileName    = "execution.log"
	LogSentinel    = "TASK COMPLETED SUCCESSFULLY"
	MarkerFileName = ".task_complete"
)

// Source detects an external completion signal inside a worktree.
type Source interface {
	Name() string
	Detect(worktreePath string) (bool, error)
}

// LogSource fires once the worker log contains the sentinel text.
type LogSource struct {
	File     string
	Sentinel string
}

// NewLogSource returns a LogSource using the default log name and sentinel.
func NewLogSource() *LogSource {
	return &LogSource{File: LogFileName, Sentinel: LogSentinel}
}

func (s *LogSource) Name() string { return "log" }

// Detect reports whether the log exists and contains the sentinel. A missing
// log is not an error; the worker simply has not written anything yet.
func (s *LogSource) Detect(worktreePath string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, s.File))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", s.File, err)
	}
	return bytes.Contains(data, []byte(s.Sentinel)), nil
}

// MarkerSource fires when a marker file exists in the worktree.
type MarkerSource struct {
	File string
}

// NewMarkerSource returns a MarkerSource for the default marker file.
func NewMarkerSource() *MarkerSource {
	return &MarkerSource{File: MarkerFileName}
}

func (s *MarkerSource) Name() string { return "marker" }

func (s *MarkerSource) Detect(worktreePath string) (bool, error) {
	_, err := os.Stat(filepath.Join(worktreePath, s.File))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", s.File, err)
}

// Merge combines a variant's current state with its signals. Completed is
// absorbing: no combination of signals returns a completed variant to pending.
func Merge(state models.VariantState, sig models.Signals) models.VariantState {
	if state == models.VariantStateCompleted || sig.Any() {
		return models.VariantStateCompleted
	}
	return models.VariantStatePending
}

// Observe polls src for the worktree and folds the result into sig. A marker
// that was seen stays seen even if the file later disappears.
func Observe(src Source, worktreePath string, sig models.Signals) (models.Signals, error) {
	if sig.Marker {
		return sig, nil
	}
	fired, err := src.Detect(worktreePath)
	if err != nil {
		return sig, err
	}
	sig.Marker = fired
	return sig, nil
}
