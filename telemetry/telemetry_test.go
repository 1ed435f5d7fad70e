package telemetry

import (
	"os"
	"testing"
)

func TestPeakRSS_Positive(t *testing.T) {
	if got := PeakRSS(); got <= 0 {
		t.Errorf("PeakRSS() = %d, want > 0", got)
	}
}

func TestPeakRSS_Monotonic(t *testing.T) {
	before := PeakRSS()
	buf := make([]byte, 32<<20)
	for i := 0; i < len(buf); i += 4096 {
		buf[i] = 1
	}
	after := PeakRSS()
	if after < before {
		t.Errorf("PeakRSS decreased: %d then %d", before, after)
	}
	_ = buf[len(buf)-1]
}

func TestSampler_CurrentProcess(t *testing.T) {
	s := NewSampler(os.Getpid())
	if s.Peak() != 0 {
		t.Errorf("Peak() before sampling = %d, want 0", s.Peak())
	}
	first := s.Sample()
	if first <= 0 {
		t.Fatalf("Sample() = %d, want > 0", first)
	}
	if second := s.Sample(); second < first {
		t.Errorf("Sample() decreased: %d then %d", first, second)
	}

	s.Stop()
	if got := s.Sample(); got != s.Peak() {
		t.Errorf("Sample() after Stop = %d, want cached peak %d", got, s.Peak())
	}
}

func TestFromProcessState_Nil(t *testing.T) {
	if got := FromProcessState(nil); got != 0 {
		t.Errorf("FromProcessState(nil) = %d, want 0", got)
	}
}

func TestMax(t *testing.T) {
	tests := []struct {
		in   []int64
		want int64
	}{
		{nil, 0},
		{[]int64{3}, 3},
		{[]int64{1, 9, 4}, 9},
		{[]int64{-1, 0}, 0},
	}
	for _, tt := range tests {
		if got := Max(tt.in...); got != tt.want {
			t.Errorf("Max(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
