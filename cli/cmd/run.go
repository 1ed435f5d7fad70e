package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/pithecene-io/isolate/cli/config"
	"github.com/pithecene-io/isolate/cli/render"
	"github.com/pithecene-io/isolate/diagnostic"
	"github.com/pithecene-io/isolate/execution"
	"github.com/pithecene-io/isolate/iox"
	"github.com/pithecene-io/isolate/log"
	"github.com/pithecene-io/isolate/metrics"
	"github.com/pithecene-io/isolate/worker"
)

// Exit codes of isolate run.
const (
	exitSuccess      = 0
	exitJobError     = 1
	exitWorkerCrash  = 2
	exitInvalidInput = 3
)

// defaultTimeout applies when neither the flag nor the batch file sets one.
const defaultTimeout = time.Minute

// RunCommand returns the run command.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute a batch of jobs, each in its own worker process",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "config",
				Aliases:  []string{"c"},
				Usage:    "Path to the YAML batch file",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-worker wall-clock budget (overrides batch file)",
			},
			&cli.DurationFlag{
				Name:  "batch-timeout",
				Usage: "Wall-clock budget of the whole batch (overrides batch file)",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Maximum number of live workers (overrides batch file)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error (overrides batch file)",
			},
			&cli.BoolFlag{
				Name:  "stream",
				Usage: "Echo worker output to stderr as it arrives",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress result output",
			},
		}, OutputFlags()...),
		Action: runAction,
	}
}

// JobSummary is one row of the run report.
type JobSummary struct {
	ID              string `json:"id" yaml:"id"`
	Func            string `json:"func" yaml:"func"`
	ExitCode        int    `json:"exit_code" yaml:"exit_code"`
	DurationMS      int64  `json:"duration_ms" yaml:"duration_ms"`
	PeakMemoryBytes int64  `json:"peak_memory_bytes" yaml:"peak_memory_bytes"`
	Value           any    `json:"value,omitempty" yaml:"value,omitempty"`
	Error           string `json:"error,omitempty" yaml:"error,omitempty"`
	Status          string `json:"status" yaml:"status" render:"status"`
}

// RunReport is the output of isolate run.
type RunReport struct {
	BatchID string           `json:"batch_id" yaml:"batch_id"`
	Jobs    []JobSummary     `json:"jobs" yaml:"jobs"`
	Metrics metrics.Snapshot `json:"metrics" yaml:"metrics"`
}

func runAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}

	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}
	if err := cfg.Validate(); err != nil {
		return cli.Exit(fmt.Sprintf("invalid batch %s: %v", path, err), exitInvalidInput)
	}
	specs, err := cfg.Specs()
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid batch %s: %v", path, err), exitInvalidInput)
	}

	def, err := worker.DefaultLauncher()
	if err != nil {
		return cli.Exit(err.Error(), exitWorkerCrash)
	}
	opts, level, err := buildOptions(c, cfg, def)
	if err != nil {
		return cli.Exit(err.Error(), exitInvalidInput)
	}

	batchID := uuid.NewString()
	logger := log.NewLoggerWithLevel(batchID, level)
	defer iox.DiscardErr(logger.Sync)
	collector := metrics.NewCollector(batchID, opts.Launcher.Path)
	opts.Logger = logger
	opts.Collector = collector
	if c.Bool("stream") {
		opts.OnOutput = streamOutput(c.App.ErrWriter)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, runErr := execution.Run(ctx, specs, opts)
	if results == nil && runErr != nil {
		return cli.Exit(runErr.Error(), exitInvalidInput)
	}

	if !c.Bool("quiet") {
		report := buildReport(batchID, specs, results, collector.Snapshot())
		if err := renderReport(r, report); err != nil {
			return fmt.Errorf("failed to render report: %w", err)
		}
	}

	if runErr != nil {
		return cli.Exit(fmt.Sprintf("batch interrupted: %v", runErr), exitWorkerCrash)
	}
	return cli.Exit("", exitCodeFor(results))
}

// buildOptions resolves loop options from flags over the batch file. The
// returned level is the log level to use.
func buildOptions(c *cli.Context, cfg *config.Config, def worker.Launcher) (execution.Options, string, error) {
	opts := execution.Options{
		Timeout:      cfg.Timeout.Duration,
		BatchTimeout: cfg.BatchTimeout.Duration,
		Concurrency:  cfg.Concurrency,
		PollInterval: cfg.PollInterval.Duration,
		KillWait:     cfg.KillWait.Duration,
		Launcher:     cfg.Launcher(def),
	}
	if c.IsSet("timeout") {
		opts.Timeout = c.Duration("timeout")
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Timeout < 0 {
		return execution.Options{}, "", fmt.Errorf("invalid --timeout: %s", opts.Timeout)
	}
	if c.IsSet("batch-timeout") {
		opts.BatchTimeout = c.Duration("batch-timeout")
		if opts.BatchTimeout < 0 {
			return execution.Options{}, "", fmt.Errorf("invalid --batch-timeout: %s", opts.BatchTimeout)
		}
	}
	if c.IsSet("concurrency") {
		opts.Concurrency = c.Int("concurrency")
		if opts.Concurrency <= 0 {
			return execution.Options{}, "", fmt.Errorf("invalid --concurrency: %d (must be positive)", opts.Concurrency)
		}
	}

	level := cfg.LogLevel
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	if level == "" {
		level = "warn"
	}
	if _, err := zapcore.ParseLevel(level); err != nil {
		return execution.Options{}, "", fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return opts, level, nil
}

func streamOutput(w io.Writer) execution.OutputFunc {
	if w == nil {
		w = os.Stderr
	}
	// The loop calls this from a single goroutine.
	return func(id string, stream worker.Stream, chunk []byte) {
		fmt.Fprintf(w, "[%s %s] %s", id, stream, chunk)
	}
}

func buildReport(batchID string, specs []worker.Spec, results []execution.Result, snap metrics.Snapshot) RunReport {
	report := RunReport{
		BatchID: batchID,
		Jobs:    make([]JobSummary, len(results)),
		Metrics: snap,
	}
	for i, r := range results {
		report.Jobs[i] = summarize(specs[i], r)
	}
	return report
}

func summarize(spec worker.Spec, r execution.Result) JobSummary {
	s := JobSummary{
		ID:              r.ID,
		Func:            spec.Call().Name,
		ExitCode:        r.ExitCode,
		DurationMS:      r.Duration().Milliseconds(),
		PeakMemoryBytes: r.PeakMemoryBytes,
		Status:          status(r),
	}
	var value any
	if err := r.Unwrap(&value); err != nil {
		s.Error = err.Error()
		return s
	}
	s.Value = value
	if !r.Succeeded() {
		s.Error = fmt.Sprintf("exit status %d", r.ExitCode)
	}
	return s
}

// status buckets a result for display and exit code selection.
func status(r execution.Result) string {
	switch {
	case r.Succeeded():
		return render.StatusSucceeded
	case r.TimedOut:
		return render.StatusTimedOut
	case r.Started.IsZero() && r.ReturnValue.Err != nil && r.ReturnValue.Err.Category == diagnostic.CategoryTerminated:
		return render.StatusNotRun
	}
	if err := r.ReturnValue.Err; err != nil {
		switch err.Category {
		case diagnostic.CategoryJob, diagnostic.CategoryPanic, diagnostic.CategoryEnvironment:
			return render.StatusFailed
		}
	}
	return render.StatusCrashed
}

// exitCodeFor maps results to the process exit code. Crashes outrank job
// errors.
func exitCodeFor(results []execution.Result) int {
	code := exitSuccess
	for _, r := range results {
		switch status(r) {
		case render.StatusSucceeded:
		case render.StatusFailed:
			if code == exitSuccess {
				code = exitJobError
			}
		default:
			return exitWorkerCrash
		}
	}
	return code
}

func renderReport(r *render.Renderer, report RunReport) error {
	if r.Format() != render.FormatTable {
		return r.Render(report)
	}
	if err := r.Render(report.Jobs); err != nil {
		return err
	}
	return r.Render(report.Metrics)
}
