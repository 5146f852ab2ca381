//go:build linux

package engine

import (
	"time"

	"golang.org/x/sys/unix"
)

// loadScale converts sysinfo load averages to floats (SI_LOAD_SHIFT).
const loadScale = 1 << 16

func fillPlatform(s *ResourceSnapshot) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		s.ProcessCPU = time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
		// ru_maxrss is KiB on linux
		s.ProcessMaxRSS = int64(ru.Maxrss) * 1024
	}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err == nil {
		unit := int64(si.Unit)
		if unit == 0 {
			unit = 1
		}
		s.HostMemTotal = int64(si.Totalram) * unit
		s.HostMemFree = int64(si.Freeram) * unit
		s.HostLoad1 = float64(si.Loads[0]) / loadScale
		s.HostProcs = int(si.Procs)
	}
}
