package execution

import (
	"fmt"
	"time"

	"github.com/pithecene-io/isolate/diagnostic"
	"github.com/pithecene-io/isolate/protocol"
	"github.com/pithecene-io/isolate/worker"
)

// Result is the outcome of one job in a batch.
type Result struct {
	ID              string
	ExitCode        int
	Stdout          []byte
	Stderr          []byte
	ReturnValue     protocol.Outcome
	PeakMemoryBytes int64
	// TimedOut is set when the worker was killed for exceeding the timeout.
	TimedOut bool
	// Started and Finished are zero for jobs that never launched.
	Started  time.Time
	Finished time.Time
}

// Succeeded reports whether the job returned a value and exited cleanly.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0 && !r.ReturnValue.Failed()
}

// Duration returns how long the worker ran.
func (r Result) Duration() time.Duration {
	if r.Started.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Unwrap decodes the return value into v, or returns the job's error as a
// *RemoteError whose trace continues into the caller. v may be nil.
func (r Result) Unwrap(v any) error {
	if r.ReturnValue.Failed() {
		return &RemoteError{
			ID:       r.ID,
			ExitCode: r.ExitCode,
			Err:      r.ReturnValue.Err.WithBoundary(fmt.Sprintf("worker %s (exit %d)", r.ID, r.ExitCode)),
		}
	}
	if v == nil {
		return nil
	}
	return r.ReturnValue.Decode(v)
}

// RemoteError is an error raised inside a worker process.
// Its message is the original message; errors.As reaches the
// *diagnostic.Error with the original type, location and trace.
type RemoteError struct {
	ID       string
	ExitCode int
	Err      *diagnostic.Error
}

func (e *RemoteError) Error() string {
	return e.Err.Error()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

func fromExited(e *worker.Exited, started time.Time, timedOut bool) Result {
	return Result{
		ID:              e.ID(),
		ExitCode:        e.ExitCode(),
		Stdout:          e.Stdout(),
		Stderr:          e.Stderr(),
		ReturnValue:     e.ReturnValue(),
		PeakMemoryBytes: e.PeakMemoryBytes(),
		TimedOut:        timedOut,
		Started:         started,
		Finished:        started.Add(e.Duration()),
	}
}

// failed is the result of a job that produced no worker snapshot.
func failed(id string, category diagnostic.Category, format string, args ...any) Result {
	e := diagnostic.New(category, format, args...)
	e.Type = string(category)
	return Result{ID: id, ExitCode: -1, ReturnValue: protocol.Failure(e)}
}
