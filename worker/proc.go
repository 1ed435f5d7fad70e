package worker

import (
	"os"
	"syscall"
)

// exitCode maps a finished process to its exit code. A process killed by a
// signal reports 128 plus the signal number, like a shell does.
func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return -1
	}
	if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return ps.ExitCode()
}
