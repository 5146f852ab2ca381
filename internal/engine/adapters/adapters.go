// Package adapters builds the engine adapter for an interface style.
package adapters

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/engine/cri"
	"github.com/p-arndt/enginebench/internal/engine/docker"
)

// Options are shared by both adapter variants; each uses what applies.
type Options struct {
	RunID string
	// ImageEndpoint serves the CRI image service when it differs from
	// the runtime endpoint.
	ImageEndpoint string
	LogRoot       string
	// StopTimeout is the client-style stop grace period in seconds.
	StopTimeout int
	// ProbeTimeout bounds the CRI version probe on connect.
	ProbeTimeout time.Duration
}

// New returns the adapter for style.
func New(style engine.Style, opts Options, logger *slog.Logger) (engine.Adapter, error) {
	switch style {
	case engine.StyleCRI:
		o := []cri.Option{cri.WithRunID(opts.RunID)}
		if opts.ImageEndpoint != "" {
			o = append(o, cri.WithImageEndpoint(opts.ImageEndpoint))
		}
		if opts.LogRoot != "" {
			o = append(o, cri.WithLogRoot(opts.LogRoot))
		}
		if opts.ProbeTimeout > 0 {
			o = append(o, cri.WithProbeTimeout(opts.ProbeTimeout))
		}
		return cri.New(logger.With("adapter", "cri"), o...), nil
	case engine.StyleClient:
		o := []docker.Option{docker.WithRunID(opts.RunID)}
		if opts.StopTimeout > 0 {
			o = append(o, docker.WithStopTimeout(opts.StopTimeout))
		}
		return docker.New(logger.With("adapter", "client"), o...), nil
	}
	return nil, fmt.Errorf("no adapter for interface style %q", style)
}
