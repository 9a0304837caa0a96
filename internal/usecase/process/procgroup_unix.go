//go:build !windows

package process

import (
	"os/exec"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// shellArgv returns the argv that runs command through the system shell.
func shellArgv(command string) []string {
	return []string{"/bin/sh", "-c", command}
}

// trackCwd appends a trailer that records the shell's final directory in
// file and preserves the command's exit status.
func trackCwd(command, file string) string {
	quoted := "'" + strings.ReplaceAll(file, "'", `'\''`) + "'"
	return command + "\n__toolrun_rc=$?\npwd -P > " + quoted + " 2>/dev/null\nexit $__toolrun_rc"
}

// setProcessGroup places the child in its own process group so the whole
// tree can be signalled at once.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup sends SIGTERM, or SIGKILL when force is set, to the child's
// process group.
func signalGroup(cmd *exec.Cmd, force bool) error {
	if cmd.Process == nil {
		return nil
	}
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	err := unix.Kill(-cmd.Process.Pid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}
