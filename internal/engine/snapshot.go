package engine

import (
	"runtime"
	"time"
)

// ResourceSnapshot samples host and benchmark-process resources at the
// moment a trial is invoked.
type ResourceSnapshot struct {
	TakenAt        time.Time     `json:"taken_at"`
	ProcessCPU     time.Duration `json:"process_cpu"`
	ProcessMaxRSS  int64         `json:"process_max_rss_bytes"`
	HostMemFree    int64         `json:"host_mem_free_bytes,omitempty"`
	HostMemTotal   int64         `json:"host_mem_total_bytes,omitempty"`
	HostLoad1      float64       `json:"host_load1,omitempty"`
	HostProcs      int           `json:"host_procs,omitempty"`
	GoroutineCount int           `json:"goroutines"`
}

// TakeSnapshot returns the current resource snapshot. Fields the platform
// cannot report are left zero.
func TakeSnapshot() *ResourceSnapshot {
	s := &ResourceSnapshot{
		TakenAt:        time.Now(),
		GoroutineCount: runtime.NumGoroutine(),
	}
	fillPlatform(s)
	return s
}
