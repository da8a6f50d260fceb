//go:build windows

package worker

import "os/exec"

// setProcessGroup is a no-op on Windows; cancellation kills the shell only.
func setProcessGroup(_ *exec.Cmd) {}
