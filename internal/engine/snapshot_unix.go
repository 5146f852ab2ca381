//go:build unix && !linux

package engine

import (
	"time"

	"golang.org/x/sys/unix"
)

func fillPlatform(s *ResourceSnapshot) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err == nil {
		s.ProcessCPU = time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
		s.ProcessMaxRSS = int64(ru.Maxrss)
	}
}
