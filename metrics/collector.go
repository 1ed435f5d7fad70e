// Package metrics provides per-batch counters for worker executions.
//
// The Collector accumulates counters while a batch runs. It is a leaf package
// with no internal dependencies.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of the batch counters.
type Snapshot struct {
	// Worker lifecycle
	WorkersStarted    int64 `json:"workers_started" yaml:"workers_started"`
	WorkersSucceeded  int64 `json:"workers_succeeded" yaml:"workers_succeeded"`
	WorkersFailed     int64 `json:"workers_failed" yaml:"workers_failed"`
	WorkersCrashed    int64 `json:"workers_crashed" yaml:"workers_crashed"`
	WorkersTerminated int64 `json:"workers_terminated" yaml:"workers_terminated"`

	// Launcher and protocol
	LaunchFailures       int64 `json:"launch_failures" yaml:"launch_failures"`
	ResponseDecodeErrors int64 `json:"response_decode_errors" yaml:"response_decode_errors"`

	// PeakMemoryBytes is the largest peak observed across workers.
	PeakMemoryBytes int64 `json:"peak_memory_bytes" yaml:"peak_memory_bytes"`

	// Dimensions (informational, set at construction)
	BatchID    string `json:"batch_id" yaml:"batch_id"`
	Executable string `json:"executable" yaml:"executable"`
}

// Collector accumulates metrics during a single batch.
// Thread-safe via sync.Mutex. All methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	workersStarted    int64
	workersSucceeded  int64
	workersFailed     int64
	workersCrashed    int64
	workersTerminated int64

	launchFailures       int64
	responseDecodeErrors int64

	peakMemoryBytes int64

	batchID    string
	executable string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(batchID, executable string) *Collector {
	return &Collector{batchID: batchID, executable: executable}
}

func (c *Collector) add(counter *int64) {
	c.mu.Lock()
	*counter++
	c.mu.Unlock()
}

// IncWorkerStarted records a spawned worker.
func (c *Collector) IncWorkerStarted() {
	if c == nil {
		return
	}
	c.add(&c.workersStarted)
}

// IncWorkerSucceeded records a worker whose job returned a value.
func (c *Collector) IncWorkerSucceeded() {
	if c == nil {
		return
	}
	c.add(&c.workersSucceeded)
}

// IncWorkerFailed records a worker whose job reported an error.
func (c *Collector) IncWorkerFailed() {
	if c == nil {
		return
	}
	c.add(&c.workersFailed)
}

// IncWorkerCrashed records a worker that exited without a response.
func (c *Collector) IncWorkerCrashed() {
	if c == nil {
		return
	}
	c.add(&c.workersCrashed)
}

// IncWorkerTerminated records a worker killed for running too long or on
// cancellation.
func (c *Collector) IncWorkerTerminated() {
	if c == nil {
		return
	}
	c.add(&c.workersTerminated)
}

// IncLaunchFailure records a worker that could not be spawned.
func (c *Collector) IncLaunchFailure() {
	if c == nil {
		return
	}
	c.add(&c.launchFailures)
}

// IncResponseDecodeError records a response that was present but malformed.
func (c *Collector) IncResponseDecodeError() {
	if c == nil {
		return
	}
	c.add(&c.responseDecodeErrors)
}

// ObservePeakMemory records a worker's peak memory usage.
func (c *Collector) ObservePeakMemory(bytes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if bytes > c.peakMemoryBytes {
		c.peakMemoryBytes = bytes
	}
	c.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics.
// Returns a zero Snapshot for a nil Collector.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		WorkersStarted:       c.workersStarted,
		WorkersSucceeded:     c.workersSucceeded,
		WorkersFailed:        c.workersFailed,
		WorkersCrashed:       c.workersCrashed,
		WorkersTerminated:    c.workersTerminated,
		LaunchFailures:       c.launchFailures,
		ResponseDecodeErrors: c.responseDecodeErrors,
		PeakMemoryBytes:      c.peakMemoryBytes,
		BatchID:              c.batchID,
		Executable:           c.executable,
	}
}
