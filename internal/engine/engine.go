// Package engine defines the uniform contract every container runtime
// adapter implements, plus the outcome types the trial runner consumes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/p-arndt/enginebench/internal/operation"
)

// Style aliases the interface style declared by the operation catalog.
type Style = operation.Style

const (
	StyleCRI    = operation.StyleCRI
	StyleClient = operation.StyleClient
)

// LabelManaged marks every resource created by an adapter.
const (
	LabelManaged = "enginebench.managed"
	LabelRun     = "enginebench.run"
	NamePrefix   = "enginebench-"
)

var (
	ErrUnsupported = errors.New("operation not supported by adapter")
	ErrClosed      = errors.New("engine handle is closed")
)

// Handle identifies one connected runtime instance. It is created by
// Adapter.Connect and must be released with Adapter.Close.
type Handle struct {
	Name    string `json:"name"`
	Target  string `json:"target"`
	Style   Style  `json:"style"`
	Version string `json:"version,omitempty"`
	Runtime string `json:"runtime,omitempty"`

	conn any
}

// NewHandle builds a handle carrying adapter-private connection state.
func NewHandle(name, target string, style Style, conn any) *Handle {
	return &Handle{Name: name, Target: target, Style: style, conn: conn}
}

// Conn returns the adapter-private connection state.
func (h *Handle) Conn() any { return h.conn }

// Adapter is implemented once per interface style. The runner never knows
// which variant it holds.
type Adapter interface {
	Connect(ctx context.Context, target string) (*Handle, error)
	Invoke(ctx context.Context, h *Handle, spec operation.Spec, args operation.Args) Outcome
	Cleanup(ctx context.Context, h *Handle, spec operation.Spec, residue Residue) error
	Close(h *Handle) error
}

// Lister is implemented by adapters that can enumerate managed resources
// left behind by earlier, possibly crashed, runs.
type Lister interface {
	Leftovers(ctx context.Context, h *Handle) (Residue, error)
}

// Residue lists resources a trial created and left behind.
type Residue struct {
	Containers []string `json:"containers,omitempty"`
	Pods       []string `json:"pods,omitempty"`
	Images     []string `json:"images,omitempty"`
	Volumes    []string `json:"volumes,omitempty"`
	Networks   []string `json:"networks,omitempty"`
}

func (r Residue) Empty() bool {
	return len(r.Containers) == 0 && len(r.Pods) == 0 && len(r.Images) == 0 &&
		len(r.Volumes) == 0 && len(r.Networks) == 0
}

// Outcome is the uniform result of one invocation. Duration covers only the
// measured runtime call, never prerequisite setup performed by the adapter.
type Outcome struct {
	Duration time.Duration     `json:"duration"`
	Success  bool              `json:"success"`
	Err      error             `json:"-"`
	Residue  Residue           `json:"residue"`
	Snapshot *ResourceSnapshot `json:"snapshot,omitempty"`
	Payload  map[string]any    `json:"payload,omitempty"`
}

// Succeeded builds a successful outcome.
func Succeeded(d time.Duration, residue Residue, payload map[string]any) Outcome {
	return Outcome{Duration: d, Success: true, Residue: residue, Payload: payload}
}

// Failed builds a failed outcome for op at stage. Whatever was created so
// far is kept in residue so it can still be cleaned up.
func Failed(op, stage string, d time.Duration, residue Residue, err error) Outcome {
	return Outcome{Duration: d, Err: &StageError{Op: op, Stage: stage, Err: err}, Residue: residue}
}

// StageError reports which step of a possibly composite operation failed.
type StageError struct {
	Op    string
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	if e.Stage == "" || e.Stage == e.Op {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: stage %s: %v", e.Op, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage recorded in err, if any.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// ConnectionError means the runtime endpoint could not be reached or
// failed its probe. It aborts the remaining trials for that engine.
type ConnectionError struct {
	Engine string
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s (%s): %v", e.Engine, e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err carries a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// Time runs fn and returns how long it took.
func Time(fn func() error) (time.Duration, error) {
	start := time.Now()
	err := fn()
	return time.Since(start), err
}
