//go:build linux

package consolidate

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// loadPercent reads the 1-minute load average via sysinfo(2) and scales it
// to a percentage of logical CPU count, per spec.md §4.4 step 1. Returns
// ok=false if the syscall fails, in which case the caller treats the load
// check as passing.
func loadPercent() (float64, bool) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, false
	}

	// Sysinfo_t.Loads are fixed-point values scaled by 1<<16 (SI_LOAD_SHIFT).
	load1 := float64(info.Loads[0]) / (1 << 16)

	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}

	return (load1 / float64(n)) * 100, true
}
