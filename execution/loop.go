// Package execution runs batches of jobs, each in its own worker process.
//
// A Loop keeps at most Concurrency workers alive, never runs two jobs that
// share a resource id at the same time, and kills workers that outlive the
// timeout. A single goroutine polls every running worker; nothing blocks on
// one worker's output.
package execution

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/isolate/diagnostic"
	"github.com/pithecene-io/isolate/log"
	"github.com/pithecene-io/isolate/metrics"
	"github.com/pithecene-io/isolate/worker"
)

// Defaults applied by NewLoop.
const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultKillWait     = 5 * time.Second
)

// ErrNoTimeout is returned when Options.Timeout is not positive.
var ErrNoTimeout = errors.New("execution timeout is required")

// OutputFunc receives worker output as the loop drains it.
type OutputFunc func(id string, stream worker.Stream, chunk []byte)

// Options configures a Loop.
type Options struct {
	// Timeout is the wall-clock budget of each worker, counted from its start.
	// Required.
	Timeout time.Duration
	// BatchTimeout bounds a whole Run call when positive. Hitting it behaves
	// like cancelling ctx, except that killed workers are marked TimedOut.
	// A deadline on ctx has the same effect.
	BatchTimeout time.Duration
	// Concurrency bounds the number of live workers. Default runtime.NumCPU().
	Concurrency int
	// PollInterval is the delay between polling passes. Default 10ms.
	PollInterval time.Duration
	// KillWait bounds the wait for a killed worker to be reaped. Default 5s.
	KillWait time.Duration
	// Launcher spawns workers. Required.
	Launcher worker.Launcher
	// Logger receives lifecycle events. Default discards.
	Logger *log.Logger
	// Collector receives counters. Optional.
	Collector *metrics.Collector
	// OnOutput is called with every chunk of output read. Optional.
	OnOutput OutputFunc
}

// Loop executes batches of worker specs.
type Loop struct {
	opts  Options
	locks *resourceLocks
}

// NewLoop validates opts and applies defaults.
func NewLoop(opts Options) (*Loop, error) {
	if opts.Timeout <= 0 {
		return nil, ErrNoTimeout
	}
	if opts.Launcher.Path == "" {
		return nil, errors.New("execution launcher has no executable")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.NumCPU()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.KillWait <= 0 {
		opts.KillWait = DefaultKillWait
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Loop{opts: opts, locks: newResourceLocks()}, nil
}

// Run executes jobs with a fresh Loop.
func Run(ctx context.Context, jobs []worker.Spec, opts Options) ([]Result, error) {
	l, err := NewLoop(opts)
	if err != nil {
		return nil, err
	}
	return l.Run(ctx, jobs)
}

// slot is a job the loop has started.
type slot struct {
	index   int
	owner   string
	spec    worker.Spec
	running *worker.Running
	started time.Time
	logger  *log.Logger
}

// Run executes jobs and returns one Result per job, in submission order.
// Worker failures are reported in the Results, never as an error. When ctx
// is done or BatchTimeout passes, running workers are killed, jobs not yet
// started fail, and the context error is returned along with the Results.
func (l *Loop) Run(ctx context.Context, jobs []worker.Spec) ([]Result, error) {
	results := make([]Result, len(jobs))
	if len(jobs) == 0 {
		return results, nil
	}

	pending := make([]int, len(jobs))
	for i := range jobs {
		pending[i] = i
	}
	var running []*slot

	l.opts.Logger.Info("batch started", map[string]any{
		"jobs":        len(jobs),
		"concurrency": l.opts.Concurrency,
		"timeout":     l.opts.Timeout.String(),
	})

	if l.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.BatchTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	// Workers outlive ctx until the loop kills them, so that every kill
	// goes through Terminate and is recorded as such.
	spawnCtx := context.WithoutCancel(ctx)

	for {
		pending, running = l.schedule(spawnCtx, jobs, pending, running, results)

		var overdue []*slot
		running, overdue = l.poll(running, results)
		l.terminate(overdue, results, true)

		if len(pending) == 0 && len(running) == 0 {
			break
		}

		select {
		case <-ctx.Done():
			l.terminate(running, results, errors.Is(ctx.Err(), context.DeadlineExceeded))
			for _, i := range pending {
				results[i] = failed(jobs[i].ID(), diagnostic.CategoryTerminated, "worker %s not started: %v", jobs[i].ID(), ctx.Err())
			}
			l.opts.Logger.Warn("batch cancelled", map[string]any{
				"killed":      len(running),
				"not_started": len(pending),
				"error":       ctx.Err().Error(),
			})
			return results, ctx.Err()
		case <-ticker.C:
		}
	}

	l.opts.Logger.Info("batch finished", map[string]any{"jobs": len(jobs)})
	return results, nil
}

// schedule starts pending jobs in submission order while capacity allows.
// A job waiting on a resource blocks every later job that needs any of its
// resources, so jobs sharing a resource run in the order they were given.
func (l *Loop) schedule(ctx context.Context, jobs []worker.Spec, pending []int, running []*slot, results []Result) ([]int, []*slot) {
	blocked := make(map[string]struct{})
	remaining := pending[:0]

	for _, i := range pending {
		spec := jobs[i]
		resources := spec.Resources()

		if len(running) >= l.opts.Concurrency || anyBlocked(blocked, resources) {
			block(blocked, resources)
			remaining = append(remaining, i)
			continue
		}

		owner := uuid.NewString()
		if !l.locks.tryAcquire(owner, resources) {
			block(blocked, resources)
			remaining = append(remaining, i)
			continue
		}

		s, err := l.start(ctx, i, owner, spec)
		if err != nil {
			l.locks.release(owner, resources)
			results[i] = failed(spec.ID(), diagnostic.CategoryLaunch, "%v", err)
			continue
		}
		running = append(running, s)
	}
	return remaining, running
}

func anyBlocked(blocked map[string]struct{}, resources []string) bool {
	for _, r := range resources {
		if _, ok := blocked[r]; ok {
			return true
		}
	}
	return false
}

func block(blocked map[string]struct{}, resources []string) {
	for _, r := range resources {
		blocked[r] = struct{}{}
	}
}

func (l *Loop) start(ctx context.Context, index int, owner string, spec worker.Spec) (*slot, error) {
	logger := l.opts.Logger.With("worker_id", spec.ID())
	r, err := spec.Start(ctx, l.opts.Launcher)
	if err != nil {
		l.opts.Collector.IncLaunchFailure()
		logger.Error("worker launch failed", map[string]any{"error": err.Error(), "job": spec.Call().Name})
		return nil, err
	}
	l.opts.Collector.IncWorkerStarted()
	logger.Info("worker started", map[string]any{
		"pid":       r.PID(),
		"job":       spec.Call().Name,
		"resources": spec.Resources(),
	})
	return &slot{
		index:   index,
		owner:   owner,
		spec:    spec,
		running: r,
		started: r.Started(),
		logger:  logger,
	}, nil
}

// poll drains output, collects finished workers and returns the ones
// still running along with those past their deadline.
func (l *Loop) poll(running []*slot, results []Result) (alive, overdue []*slot) {
	now := time.Now()
	alive = running[:0]
	for _, s := range running {
		l.drain(s)
		if !s.running.Poll() {
			l.drain(s)
			l.finish(s, results)
			continue
		}
		if now.Sub(s.started) > l.opts.Timeout {
			overdue = append(overdue, s)
			continue
		}
		alive = append(alive, s)
	}
	return alive, overdue
}

func (l *Loop) drain(s *slot) {
	if l.opts.OnOutput == nil {
		return
	}
	for _, stream := range []worker.Stream{worker.Stdout, worker.Stderr} {
		if chunk := s.running.ReadStream(stream); len(chunk) > 0 {
			l.opts.OnOutput(s.spec.ID(), stream, chunk)
		}
	}
}

func (l *Loop) finish(s *slot, results []Result) {
	defer l.locks.release(s.owner, s.spec.Resources())

	e, err := worker.FromRunning(s.running)
	if err != nil {
		// Poll reported the worker gone; this is a lifecycle bug.
		results[s.index] = failed(s.spec.ID(), diagnostic.CategoryLaunch, "%v", err)
		return
	}
	results[s.index] = fromExited(e, s.started, e.Terminated())
	l.record(s, results[s.index])
}

// terminate kills workers in parallel and records their results.
func (l *Loop) terminate(slots []*slot, results []Result, timedOut bool) {
	if len(slots) == 0 {
		return
	}
	var g errgroup.Group
	for _, s := range slots {
		g.Go(func() error {
			e, err := s.running.Terminate(l.opts.KillWait)
			if err != nil {
				results[s.index] = failed(s.spec.ID(), diagnostic.CategoryTerminated, "%v", err)
				results[s.index].Started = s.started
				results[s.index].Finished = time.Now()
				results[s.index].TimedOut = timedOut
				return fmt.Errorf("worker %s: %w", s.spec.ID(), err)
			}
			results[s.index] = fromExited(e, s.started, timedOut && e.Terminated())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.opts.Logger.Error("worker kill failed", map[string]any{"error": err.Error()})
	}

	for _, s := range slots {
		l.locks.release(s.owner, s.spec.Resources())
		l.record(s, results[s.index])
	}
}

func (l *Loop) record(s *slot, r Result) {
	c := l.opts.Collector
	c.ObservePeakMemory(r.PeakMemoryBytes)

	fields := map[string]any{
		"exit_code":         r.ExitCode,
		"duration_ms":       r.Duration().Milliseconds(),
		"peak_memory_bytes": r.PeakMemoryBytes,
	}

	switch {
	case r.Succeeded():
		c.IncWorkerSucceeded()
		s.logger.Info("worker succeeded", fields)
		return
	case r.TimedOut || (r.ReturnValue.Err != nil && r.ReturnValue.Err.Category == diagnostic.CategoryTerminated):
		c.IncWorkerTerminated()
		fields["timed_out"] = r.TimedOut
		s.logger.Warn("worker terminated", fields)
		return
	}

	err := r.ReturnValue.Err
	if err == nil {
		err = diagnostic.New(diagnostic.CategoryUnstructured, "worker exited with code %d", r.ExitCode)
	}
	fields["category"] = string(err.Category)
	fields["error"] = err.Message

	switch err.Category {
	case diagnostic.CategoryJob, diagnostic.CategoryPanic, diagnostic.CategoryEnvironment:
		c.IncWorkerFailed()
		s.logger.Warn("worker failed", fields)
	case diagnostic.CategoryProtocol:
		c.IncResponseDecodeError()
		c.IncWorkerCrashed()
		s.logger.Error("worker response malformed", fields)
	default:
		c.IncWorkerCrashed()
		s.logger.Error("worker crashed", fields)
	}
}
