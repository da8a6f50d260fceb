// Package daemon keeps one ballot server per workspace. Sessions live only in
// the memory of the process that created them, so a second server over the
// same workspace would hand out ids the first one cannot resolve.
package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyRunning is returned by Acquire when a live process holds the file.
var ErrAlreadyRunning = errors.New("ballot server already running")

// RunningError names the process that holds the PID file.
type RunningError struct {
	PID  int
	Path string
}

func (e *RunningError) Error() string {
	return fmt.Sprintf("%v (pid %d, %s)", ErrAlreadyRunning, e.PID, e.Path)
}

func (e *RunningError) Unwrap() error { return ErrAlreadyRunning }

// PIDFile guards a workspace with a PID file.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// PathFor returns the PID file location for workspace under stateDir. The
// workspace path is hashed so the name is stable and filesystem-safe.
func PathFor(stateDir, workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		abs = workspace
	}
	sum := sha256.Sum256([]byte(filepath.Clean(abs)))
	return filepath.Join(stateDir, "serve-"+hex.EncodeToString(sum[:])[:12]+".pid")
}

// Acquire claims the PID file for the current process. A file left behind by
// a dead process is taken over.
func (p *PIDFile) Acquire() error {
	if pid, running := p.IsRunning(); running && pid != os.Getpid() {
		return &RunningError{PID: pid, Path: p.Path}
	}
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return p.WritePID(os.Getpid())
}

// Release removes the PID file if the current process still owns it.
func (p *PIDFile) Release() error {
	pid, err := p.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return os.Remove(p.Path)
}

// WritePID writes the given PID to the file.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read reads the PID from the file.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}
