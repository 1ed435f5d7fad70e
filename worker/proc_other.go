//go:build !unix

package worker

import (
	"errors"
	"os"
	"os/exec"
)

func setProcAttr(*exec.Cmd) {}

func killProcess(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// killedBySignal cannot tell a kill from an exit here, so every process
// reaped after Terminate counts as killed.
func killedBySignal(*os.ProcessState) bool { return true }
