// Package telemetry measures worker memory usage.
//
// A worker reports its own peak resident set size right before it writes its
// response. The parent keeps an independent high-water mark by sampling the
// child's RSS while it polls, and reads the kernel's figure once the child has
// been reaped; whichever source is available and largest wins.
package telemetry

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// PeakRSS returns the peak resident set size of the current process in bytes.
func PeakRSS() int64 {
	return peakRSS()
}

// FromProcessState returns the peak resident set size of a reaped child in
// bytes, or 0 when the platform does not report it.
func FromProcessState(ps *os.ProcessState) int64 {
	if ps == nil {
		return 0
	}
	return fromProcessState(ps)
}

// Sampler tracks the highest RSS observed for a running process.
type Sampler struct {
	pid int32

	mu   sync.Mutex
	proc *process.Process
	peak int64
	dead bool
}

// NewSampler creates a sampler for pid. No system call is made until Sample.
func NewSampler(pid int) *Sampler {
	return &Sampler{pid: int32(pid)}
}

// Sample reads the current RSS and returns the peak so far.
// Once the process is gone, Sample stops querying and returns the last peak.
func (s *Sampler) Sample() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return s.peak
	}
	if s.proc == nil {
		p, err := process.NewProcess(s.pid)
		if err != nil {
			s.dead = true
			return s.peak
		}
		s.proc = p
	}
	info, err := s.proc.MemoryInfo()
	if err != nil || info == nil {
		s.dead = true
		return s.peak
	}
	if rss := int64(info.RSS); rss > s.peak {
		s.peak = rss
	}
	return s.peak
}

// Peak returns the highest RSS observed without sampling.
func (s *Sampler) Peak() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak
}

// Stop marks the process as gone.
func (s *Sampler) Stop() {
	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
}

// Max returns the largest of the given measurements.
func Max(values ...int64) int64 {
	var m int64
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}
