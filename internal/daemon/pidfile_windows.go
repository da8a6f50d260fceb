//go:build windows

package daemon

import (
	"os"
	"syscall"
)

// IsRunning reports the PID in the file and whether that process is alive.
// FindProcess always succeeds on Windows, so liveness is probed with a zero signal.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	err = proc.Signal(syscall.Signal(0))
	return pid, err == nil
}
