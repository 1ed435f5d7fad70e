//go:build !linux && !darwin

package telemetry

import (
	"os"
	"runtime"
)

// Without getrusage, the memory obtained from the OS by the Go runtime is the
// closest available upper bound.
func peakRSS() int64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return int64(ms.Sys)
}

func fromProcessState(*os.ProcessState) int64 {
	return 0
}
