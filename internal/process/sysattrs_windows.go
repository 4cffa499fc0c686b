//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// signalGroup terminates the process. Windows has no deliverable SIGINT or
// SIGTERM for console-less children, so every request ends in TerminateProcess.
func signalGroup(p *os.Process, _ Signal) error {
	return p.Kill()
}

// killGroup is a no-op on Windows; only the leader process is tracked.
func killGroup(int) error { return nil }

func exitCodeOf(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	return ps.ExitCode()
}
