package metrics

import (
	"sync"
	"testing"
)

func TestCollector_IncrementMethods(t *testing.T) {
	c := NewCollector("batch-001", "/usr/local/bin/isolate")

	c.IncWorkerStarted()
	c.IncWorkerStarted()
	c.IncWorkerStarted()
	c.IncWorkerSucceeded()
	c.IncWorkerFailed()
	c.IncWorkerCrashed()
	c.IncWorkerTerminated()
	c.IncWorkerTerminated()
	c.IncLaunchFailure()
	c.IncResponseDecodeError()
	c.ObservePeakMemory(10)
	c.ObservePeakMemory(30)
	c.ObservePeakMemory(20)

	s := c.Snapshot()

	if s.WorkersStarted != 3 {
		t.Errorf("WorkersStarted = %d, want 3", s.WorkersStarted)
	}
	if s.WorkersSucceeded != 1 {
		t.Errorf("WorkersSucceeded = %d, want 1", s.WorkersSucceeded)
	}
	if s.WorkersFailed != 1 {
		t.Errorf("WorkersFailed = %d, want 1", s.WorkersFailed)
	}
	if s.WorkersCrashed != 1 {
		t.Errorf("WorkersCrashed = %d, want 1", s.WorkersCrashed)
	}
	if s.WorkersTerminated != 2 {
		t.Errorf("WorkersTerminated = %d, want 2", s.WorkersTerminated)
	}
	if s.LaunchFailures != 1 {
		t.Errorf("LaunchFailures = %d, want 1", s.LaunchFailures)
	}
	if s.ResponseDecodeErrors != 1 {
		t.Errorf("ResponseDecodeErrors = %d, want 1", s.ResponseDecodeErrors)
	}
	if s.PeakMemoryBytes != 30 {
		t.Errorf("PeakMemoryBytes = %d, want 30", s.PeakMemoryBytes)
	}
	if s.BatchID != "batch-001" || s.Executable != "/usr/local/bin/isolate" {
		t.Errorf("dimensions = %q, %q", s.BatchID, s.Executable)
	}
}

func TestCollector_NilSafe(t *testing.T) {
	var c *Collector

	c.IncWorkerStarted()
	c.IncWorkerSucceeded()
	c.IncWorkerFailed()
	c.IncWorkerCrashed()
	c.IncWorkerTerminated()
	c.IncLaunchFailure()
	c.IncResponseDecodeError()
	c.ObservePeakMemory(1)

	if s := c.Snapshot(); s != (Snapshot{}) {
		t.Errorf("nil Snapshot = %+v, want zero", s)
	}
}

func TestCollector_Concurrent(t *testing.T) {
	c := NewCollector("", "")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c.IncWorkerStarted()
			c.ObservePeakMemory(int64(n))
		}(i)
	}
	wg.Wait()

	s := c.Snapshot()
	if s.WorkersStarted != 50 {
		t.Errorf("WorkersStarted = %d, want 50", s.WorkersStarted)
	}
	if s.PeakMemoryBytes != 49 {
		t.Errorf("PeakMemoryBytes = %d, want 49", s.PeakMemoryBytes)
	}
}
