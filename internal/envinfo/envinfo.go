// Package envinfo fingerprints the host a benchmark ran on.
package envinfo

import (
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// Info is embedded in every result document.
type Info struct {
	Hostname      string            `json:"hostname"`
	Kernel        string            `json:"kernel"`
	OS            string            `json:"os"`
	Distro        string            `json:"distro,omitempty"`
	Arch          string            `json:"arch"`
	GoVersion     string            `json:"go_version"`
	CPUModel      string            `json:"cpu_model"`
	LogicalCPUs   int               `json:"logical_cpus"`
	MemoryTotalMB int64             `json:"memory_total_mb"`
	Binaries      map[string]string `json:"binaries,omitempty"`
}

// Tools looked up on PATH.
var Tools = []string{"docker", "isula", "crictl", "containerd", "crio", "runc", "isulad"}

// Paths of the files read by Collect. Tests point them at fixtures.
var (
	cpuinfoPath   = "/proc/cpuinfo"
	meminfoPath   = "/proc/meminfo"
	osReleasePath = "/etc/os-release"
)

func Collect() Info {
	host, _ := os.Hostname()
	info := Info{
		Hostname:      host,
		Kernel:        kernelRelease(),
		OS:            runtime.GOOS,
		Distro:        readPrettyName(osReleasePath),
		Arch:          runtime.GOARCH,
		GoVersion:     runtime.Version(),
		CPUModel:      readCPUModel(cpuinfoPath),
		LogicalCPUs:   runtime.NumCPU(),
		MemoryTotalMB: readMemTotalMiB(meminfoPath),
		Binaries:      map[string]string{},
	}
	for _, tool := range Tools {
		if p, err := exec.LookPath(tool); err == nil {
			info.Binaries[tool] = p
		}
	}
	return info
}

func readCPUModel(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	for _, ln := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(ln, "model name") {
			parts := strings.SplitN(ln, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return "unknown"
}

func readMemTotalMiB(path string) int64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	for _, ln := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(ln, "MemTotal:") {
			f := strings.Fields(ln)
			if len(f) >= 2 {
				kb, _ := strconv.ParseInt(f[1], 10, 64)
				return kb / 1024
			}
		}
	}
	return 0
}

func readPrettyName(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, ln := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(ln, "PRETTY_NAME="); ok {
			return strings.Trim(strings.TrimSpace(v), `"`)
		}
	}
	return ""
}
