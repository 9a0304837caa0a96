//go:build windows

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func shellArgv(command string) []string {
	return []string{"cmd", "/c", command}
}

// trackCwd is a no-op: cmd.exe has no portable trailer for this.
func trackCwd(command, _ string) string { return command }

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// signalGroup has no graceful form on Windows; the process is always killed.
func signalGroup(cmd *exec.Cmd, _ bool) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
