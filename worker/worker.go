// Package worker runs a single job in a fresh OS process.
//
// A worker moves through three states: a Spec describes what to run, Start
// turns it into a Running process whose output is captured as it arrives, and
// once the process is gone FromRunning takes an immutable Exited snapshot.
// Host is the other side: the entry point a worker binary calls to decode its
// request, run the job and write the response.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/isolate/control"
	"github.com/pithecene-io/isolate/diagnostic"
	"github.com/pithecene-io/isolate/iox"
	"github.com/pithecene-io/isolate/job"
	"github.com/pithecene-io/isolate/protocol"
	"github.com/pithecene-io/isolate/telemetry"
)

// StillRunningError is returned when a snapshot is requested from a worker
// that has not exited.
type StillRunningError struct {
	ID string
}

func (e *StillRunningError) Error() string {
	return fmt.Sprintf("worker %s is still running", e.ID)
}

// Spec is an immutable description of a job to run in its own process.
type Spec struct {
	id        string
	call      job.Call
	control   control.Descriptor
	resources []string
}

// NewSpec creates a spec. An empty id is replaced by a random one.
// Jobs naming the same resource id are never run concurrently.
func NewSpec(id string, call job.Call, c control.Descriptor, resources ...string) Spec {
	if id == "" {
		id = uuid.NewString()
	}
	return Spec{
		id:        id,
		call:      call,
		control:   c,
		resources: append([]string(nil), resources...),
	}
}

// ID returns the spec id.
func (s Spec) ID() string { return s.id }

// Call returns the job call.
func (s Spec) Call() job.Call { return s.call }

// Control returns the control descriptor.
func (s Spec) Control() control.Descriptor { return s.control }

// Resources returns the resource ids the job requires.
func (s Spec) Resources() []string { return append([]string(nil), s.resources...) }

// Start spawns the worker process. The request is passed as the last
// argument, or through a temporary file when it exceeds the launcher's
// payload threshold. Relative control paths are resolved against the current
// working directory first. Cancelling ctx kills the worker.
func (s Spec) Start(ctx context.Context, l Launcher) (*Running, error) {
	if l.Path == "" {
		return nil, fmt.Errorf("worker %s: launcher has no executable", s.id)
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to read working directory: %w", err)
	}
	c := s.control.Normalize(wd)
	c.Separator = protocol.NewSeparator()

	payload, err := protocol.NewRequest(c, s.call).ToPayload()
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", s.id, err)
	}

	arg := payload
	cleanup := func() {}
	if len(payload) > l.threshold() {
		path, err := writePayloadFile(l.TempDir, payload)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", s.id, err)
		}
		arg = path
		cleanup = iox.RemoveFunc(path)
	}

	args := append(append([]string(nil), l.Args...), arg)
	cmd := exec.CommandContext(ctx, l.Path, args...)
	cmd.Env = l.environ(WorkerIDEnv + "=" + s.id)
	cmd.WaitDelay = l.waitDelay()
	setProcAttr(cmd)
	cmd.Cancel = func() error { return killProcess(cmd) }

	r := &Running{
		spec:      s,
		separator: c.Separator,
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	r.stdout.limit = l.MaxOutputBytes
	r.stderr.limit = l.MaxOutputBytes
	// The response is written last, so stderr keeps its tail.
	r.stderr.keepTail = true
	cmd.Stdout = &r.stdout
	cmd.Stderr = &r.stderr

	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to start worker %s: %w", s.id, err)
	}
	r.started = time.Now()
	r.sampler = telemetry.NewSampler(cmd.Process.Pid)

	go r.wait(cleanup)
	return r, nil
}

func writePayloadFile(dir, payload string) (string, error) {
	f, err := os.CreateTemp(dir, "isolate-payload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create payload file: %w", err)
	}
	if _, err := f.WriteString(payload); err != nil {
		iox.DiscardClose(f)
		iox.DiscardRemove(f.Name())
		return "", fmt.Errorf("failed to write payload file: %w", err)
	}
	if err := f.Close(); err != nil {
		iox.DiscardRemove(f.Name())
		return "", fmt.Errorf("failed to close payload file: %w", err)
	}
	return f.Name(), nil
}

// Stream selects one of a worker's output streams.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// buffer collects process output. Writes come from exec's copy goroutines;
// reads never block on them. With a positive limit it keeps the first limit
// bytes, or the last ones when keepTail is set.
type buffer struct {
	mu       sync.Mutex
	data     bytes.Buffer
	read     int
	limit    int
	keepTail bool
	dropped  int64
}

func (b *buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit <= 0 {
		return b.data.Write(p)
	}
	if !b.keepTail {
		room := b.limit - b.data.Len()
		if room < 0 {
			room = 0
		}
		if len(p) > room {
			b.dropped += int64(len(p) - room)
			b.data.Write(p[:room])
			return len(p), nil
		}
		return b.data.Write(p)
	}

	b.data.Write(p)
	if over := b.data.Len() - b.limit; over > 0 {
		b.data.Next(over)
		b.dropped += int64(over)
		b.read = max(b.read-over, 0)
	}
	return len(p), nil
}

func (b *buffer) droppedBytes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// drain returns the bytes written since the previous drain.
func (b *buffer) drain() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	all := b.data.Bytes()
	if b.read >= len(all) {
		return nil
	}
	chunk := append([]byte(nil), all[b.read:]...)
	b.read = len(all)
	return chunk
}

func (b *buffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data.Bytes()...)
}

// Running is a live worker process.
type Running struct {
	spec      Spec
	separator string
	cmd       *exec.Cmd
	started   time.Time
	sampler   *telemetry.Sampler

	stdout buffer
	stderr buffer

	done       chan struct{}
	exitCode   int
	exitState  *os.ProcessState
	waitErr    error
	finished   time.Time
	terminated atomic.Bool

	extractOnce sync.Once
	outcome     protocol.Outcome
	diagnostics []byte
	peak        int64
}

func (r *Running) wait(cleanup func()) {
	err := r.cmd.Wait()
	r.exitState = r.cmd.ProcessState
	r.exitCode = exitCode(r.cmd.ProcessState)
	if r.cmd.ProcessState == nil {
		r.waitErr = err
	}
	r.finished = time.Now()
	r.sampler.Stop()
	cleanup()
	r.settle()
	close(r.done)
}

// settle clears the terminated flag of a worker that exited on its own while
// Terminate was getting ready to kill it. Its response is complete.
// exitState must be final.
func (r *Running) settle() {
	if r.terminated.Load() && r.exitState != nil && !killedBySignal(r.exitState) {
		r.terminated.Store(false)
	}
}

// ID returns the spec id.
func (r *Running) ID() string { return r.spec.id }

// Spec returns the spec the worker was started from.
func (r *Running) Spec() Spec { return r.spec }

// PID returns the worker process id.
func (r *Running) PID() int { return r.cmd.Process.Pid }

// Started returns when the process was spawned.
func (r *Running) Started() time.Time { return r.started }

// Done is closed once the process has exited and its output is collected.
func (r *Running) Done() <-chan struct{} { return r.done }

// IsRunning reports whether the process has not yet exited.
func (r *Running) IsRunning() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// ReadStream returns the output captured on s since the previous read.
// It never blocks.
func (r *Running) ReadStream(s Stream) []byte {
	if s == Stderr {
		return r.stderr.drain()
	}
	return r.stdout.drain()
}

// Poll samples memory usage and reports whether the process is still running.
// Output is captured in the background; use ReadStream to consume it.
func (r *Running) Poll() bool {
	running := r.IsRunning()
	if running {
		r.sampler.Sample()
	}
	return running
}

// Dropped returns how many bytes of s were discarded by the launcher's
// output limit.
func (r *Running) Dropped(s Stream) int64 {
	if s == Stderr {
		return r.stderr.droppedBytes()
	}
	return r.stdout.droppedBytes()
}

// Stdout returns everything the worker wrote to stdout so far.
func (r *Running) Stdout() []byte {
	return r.stdout.bytes()
}

// Stderr returns the worker's diagnostic output. Once the process exited the
// response payload is stripped; before that the raw buffer is returned.
func (r *Running) Stderr() []byte {
	if r.IsRunning() {
		return r.stderr.bytes()
	}
	r.extract()
	return append([]byte(nil), r.diagnostics...)
}

// Return returns the job outcome. It fails with *StillRunningError while the
// process is alive.
func (r *Running) Return() (protocol.Outcome, error) {
	if r.IsRunning() {
		return protocol.Outcome{}, &StillRunningError{ID: r.spec.id}
	}
	r.extract()
	return r.outcome, nil
}

// PeakMemoryBytes returns the worker's peak memory usage: the figure it
// reported in its response, or the parent's own measurement without one.
func (r *Running) PeakMemoryBytes() int64 {
	if r.IsRunning() {
		return r.sampler.Peak()
	}
	r.extract()
	return r.peak
}

// ExitCode returns the process exit code, or -1 while it is running.
func (r *Running) ExitCode() int {
	if r.IsRunning() {
		return -1
	}
	return r.exitCode
}

// Terminated reports whether the worker was killed by Terminate.
func (r *Running) Terminated() bool {
	return r.terminated.Load()
}

// extract parses the response out of stderr exactly once.
func (r *Running) extract() {
	r.extractOnce.Do(func() {
		raw := r.stderr.bytes()
		measured := telemetry.Max(r.sampler.Peak(), telemetry.FromProcessState(r.exitState))

		if r.terminated.Load() {
			// A partial response must not be trusted.
			if i := bytes.Index(raw, []byte(r.separator)); i >= 0 {
				raw = bytes.TrimSuffix(raw[:i], []byte("\r\n"))
			}
			e := diagnostic.New(diagnostic.CategoryTerminated,
				"worker %s was terminated after %s", r.spec.id, r.finished.Sub(r.started).Round(time.Millisecond))
			e.Type = "terminated"
			r.outcome = protocol.Failure(e)
			r.diagnostics = raw
			r.peak = measured
			return
		}

		if r.waitErr != nil {
			e := diagnostic.New(diagnostic.CategoryLaunch, "worker %s: %v", r.spec.id, r.waitErr)
			r.outcome = protocol.Failure(e)
			r.diagnostics = raw
			r.peak = measured
			return
		}

		resp, diag := protocol.FromStderr(raw, r.separator)
		r.outcome = resp.Outcome
		r.diagnostics = diag
		r.peak = resp.Telemetry.PeakMemoryBytes
		if r.peak <= 0 {
			r.peak = measured
		}
	})
}

// Terminate kills the worker immediately and waits up to wait for it to be
// reaped. Any response it was writing is discarded, unless the worker turns
// out to have exited on its own before the kill landed.
func (r *Running) Terminate(wait time.Duration) (*Exited, error) {
	if r.IsRunning() {
		r.terminated.Store(true)
		if err := killProcess(r.cmd); err != nil {
			return nil, fmt.Errorf("failed to kill worker %s: %w", r.spec.id, err)
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			return nil, fmt.Errorf("worker %s did not exit within %s of being killed", r.spec.id, wait)
		}
		r.settle()
	}
	return FromRunning(r)
}

// Exited is an immutable snapshot of a finished worker.
type Exited struct {
	id          string
	exitCode    int
	returnValue protocol.Outcome
	stdout      []byte
	stderr      []byte
	peak        int64
	terminated  bool
	duration    time.Duration
}

// FromRunning snapshots a worker that has exited. It fails with
// *StillRunningError otherwise.
func FromRunning(r *Running) (*Exited, error) {
	if r.IsRunning() {
		return nil, &StillRunningError{ID: r.spec.id}
	}
	r.extract()
	return &Exited{
		id:          r.spec.id,
		exitCode:    r.exitCode,
		returnValue: r.outcome,
		stdout:      r.stdout.bytes(),
		stderr:      append([]byte(nil), r.diagnostics...),
		peak:        r.peak,
		terminated:  r.terminated.Load(),
		duration:    r.finished.Sub(r.started),
	}, nil
}

// ID returns the spec id.
func (e *Exited) ID() string { return e.id }

// ExitCode returns the process exit code.
func (e *Exited) ExitCode() int { return e.exitCode }

// ReturnValue returns the job outcome.
func (e *Exited) ReturnValue() protocol.Outcome { return e.returnValue }

// Stdout returns the worker's stdout.
func (e *Exited) Stdout() []byte { return append([]byte(nil), e.stdout...) }

// Stderr returns the worker's diagnostic output without the response payload.
func (e *Exited) Stderr() []byte { return append([]byte(nil), e.stderr...) }

// PeakMemoryBytes returns the worker's peak memory usage.
func (e *Exited) PeakMemoryBytes() int64 { return e.peak }

// Terminated reports whether the worker was killed.
func (e *Exited) Terminated() bool { return e.terminated }

// Duration returns how long the process ran.
func (e *Exited) Duration() time.Duration { return e.duration }
