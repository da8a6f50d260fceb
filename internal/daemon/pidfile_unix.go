//go:build !windows

package daemon

import "syscall"

// IsRunning reports the PID in the file and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	// Signal 0 probes for existence without delivering anything.
	err = syscall.Kill(pid, 0)
	return pid, err == nil || err == syscall.EPERM
}
