// Package sweeper removes benchmark-owned resources that earlier runs left
// behind, before and after a run.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

// Target lists and removes managed residue on one engine.
type Target interface {
	engine.Lister
	Cleanup(ctx context.Context, h *engine.Handle, spec operation.Spec, residue engine.Residue) error
}

type Sweeper struct {
	timeout time.Duration
	logger  *slog.Logger
}

// New returns a sweeper. timeout bounds each engine's sweep; zero means
// the caller's context alone.
func New(timeout time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{timeout: timeout, logger: logger}
}

// Sweep removes every leftover on h and returns how many items it found.
// Errors are logged, never returned; a failed sweep must not stop a run.
func (s *Sweeper) Sweep(ctx context.Context, t Target, h *engine.Handle) int {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	left, err := t.Leftovers(ctx, h)
	if err != nil {
		s.logger.Warn("sweep: list leftovers", "engine", h.Name, "error", err)
		return 0
	}
	n := count(left)
	if n == 0 {
		return 0
	}

	s.logger.Info("sweeping leftovers", "engine", h.Name,
		"containers", len(left.Containers), "pods", len(left.Pods),
		"networks", len(left.Networks), "volumes", len(left.Volumes))

	if err := t.Cleanup(ctx, h, operation.Spec{}, left); err != nil {
		s.logger.Warn("sweep: cleanup", "engine", h.Name, "error", err)
	}
	return n
}

func count(r engine.Residue) int {
	return len(r.Containers) + len(r.Pods) + len(r.Images) + len(r.Volumes) + len(r.Networks)
}
