//go:build !windows

package render

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts cmd in its own process group so that helpers it
// spawns (mmdc starts a browser) die with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills a process and all its children by sending SIGKILL
// to the process group (negative PID).
func killProcessGroup(pid int) {
	// Best-effort; the caller falls back to killing the process itself.
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}
