// Package operation holds the static catalog of benchmark operations and
// the named suites built from them.
package operation

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

type Category string

const (
	CategoryLifecycle Category = "lifecycle"
	CategoryImage     Category = "image"
	CategoryNetwork   Category = "network"
	CategoryStorage   Category = "storage"
	CategoryResource  Category = "resource"
)

// Mode separates single-trial latency measurements from throughput under
// concurrent load. Summaries of different modes are never compared.
type Mode string

const (
	ModeLatency    Mode = "latency"
	ModeThroughput Mode = "throughput"
)

type Idempotency string

const (
	Repeatable     Idempotency = "repeatable"
	CleanupBetween Idempotency = "cleanup-between"
)

// CleanupAction names the residue kind removed after a trial.
type CleanupAction string

const (
	CleanupNone      CleanupAction = "none"
	CleanupContainer CleanupAction = "remove_container"
	CleanupPod       CleanupAction = "remove_pod"
	CleanupImage     CleanupAction = "remove_image"
	CleanupVolume    CleanupAction = "remove_volume"
)

var knownCleanups = []CleanupAction{CleanupNone, CleanupContainer, CleanupPod, CleanupImage, CleanupVolume}

// Style is the interface style an engine is driven through.
type Style string

const (
	StyleCRI    Style = "cri"
	StyleClient Style = "client"
)

// ParseStyle accepts the canonical names plus the descriptive aliases.
func ParseStyle(s string) (Style, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cri", "rpc", "rpc-lifecycle":
		return StyleCRI, nil
	case "client", "api", "direct-api":
		return StyleClient, nil
	}
	return "", fmt.Errorf("unknown interface style %q", s)
}

// Spec is one registered benchmark operation.
type Spec struct {
	Name        string        `json:"name"`
	Category    Category      `json:"category"`
	Mode        Mode          `json:"mode"`
	Required    []string      `json:"required,omitempty"`
	Idempotency Idempotency   `json:"idempotency"`
	Cleanup     CleanupAction `json:"cleanup"`
	Styles      []Style       `json:"styles"`
	Description string        `json:"description"`
}

func (s Spec) Supports(style Style) bool {
	return slices.Contains(s.Styles, style)
}

// NeedsCleanup reports whether every trial is expected to leave residue
// that must be removed before the next one.
func (s Spec) NeedsCleanup() bool {
	return s.Idempotency == CleanupBetween && s.Cleanup != CleanupNone
}

// Args are the string arguments passed to an operation invocation.
type Args map[string]string

const (
	ArgImage   = "image"
	ArgCommand = "command"
	ArgSize    = "size"
	ArgKeep    = "keep_image"
	ArgNetwork = "host_network"
)

func (a Args) Get(key string) string { return a[key] }

func (a Args) Image() string { return a[ArgImage] }

// Command splits the command argument on whitespace.
func (a Args) Command() []string { return strings.Fields(a[ArgCommand]) }

func (a Args) Bool(key string) bool {
	b, _ := strconv.ParseBool(a[key])
	return b
}

// Bytes parses a human size such as "16MiB" or "64m".
func (a Args) Bytes(key string) (int64, error) {
	v := strings.TrimSpace(a[key])
	if v == "" {
		return 0, fmt.Errorf("argument %q is empty", key)
	}
	n, err := units.RAMInBytes(v)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", key, err)
	}
	return n, nil
}

// Merge returns a new Args with override applied over a.
func (a Args) Merge(override Args) Args {
	out := make(Args, len(a)+len(override))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range override {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
