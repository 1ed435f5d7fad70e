package worker

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// DefaultPayloadFileThreshold is the payload size above which the request is
// passed through a temporary file instead of the command line.
const DefaultPayloadFileThreshold = 64 << 10

// DefaultWaitDelay bounds how long Wait keeps copying output after the
// worker process exited.
const DefaultWaitDelay = time.Second

// WorkerIDEnv carries the spec id into the worker process.
const WorkerIDEnv = "ISOLATE_WORKER_ID"

// Launcher describes how to spawn a worker process. The payload (or the path
// of a file holding it) is appended as the last argument.
type Launcher struct {
	// Path is the worker executable.
	Path string
	// Args precede the payload argument.
	Args []string
	// Env is appended to the parent environment; later entries win.
	Env []string
	// PayloadFileThreshold overrides DefaultPayloadFileThreshold when positive.
	PayloadFileThreshold int
	// TempDir holds payload files. Empty means os.TempDir.
	TempDir string
	// WaitDelay overrides DefaultWaitDelay when positive.
	WaitDelay time.Duration
	// MaxOutputBytes caps what is kept of each output stream when positive.
	// Stdout keeps its head, stderr its tail, which holds the response; the
	// cap must leave room for it.
	MaxOutputBytes int
}

// DefaultLauncher re-executes the current binary as "<self> worker".
func DefaultLauncher() (Launcher, error) {
	self, err := os.Executable()
	if err != nil {
		return Launcher{}, fmt.Errorf("failed to resolve executable: %w", err)
	}
	return Launcher{Path: self, Args: []string{"worker"}}, nil
}

func (l Launcher) threshold() int {
	if l.PayloadFileThreshold > 0 {
		return l.PayloadFileThreshold
	}
	return DefaultPayloadFileThreshold
}

func (l Launcher) waitDelay() time.Duration {
	if l.WaitDelay > 0 {
		return l.WaitDelay
	}
	return DefaultWaitDelay
}

func (l Launcher) environ(extra ...string) []string {
	env := append(os.Environ(), l.Env...)
	return deduplicateEnv(append(env, extra...))
}

// deduplicateEnv keeps the last occurrence of each env var key.
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}
