// Package runner executes the warm-up and measurement protocol for
// benchmark operations and drives whole suites across engines.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

const (
	DefaultFailureThreshold = 0.5
	DefaultCleanupTimeout   = 10 * time.Second
)

// Options control one Run.
type Options struct {
	Iterations  int
	Warmup      int
	Concurrency int
	// Timeout is the per-trial deadline.
	Timeout        time.Duration
	CleanupTimeout time.Duration
	// FailureThreshold is used as given: zero marks any failed or timed
	// out trial unreliable. Callers wanting the usual tolerance pass
	// DefaultFailureThreshold.
	FailureThreshold float64
	// TrialRate caps trial starts per second; zero means unpaced.
	TrialRate float64
	Snapshots bool
}

func (o Options) withDefaults() Options {
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.CleanupTimeout <= 0 {
		o.CleanupTimeout = DefaultCleanupTimeout
	}
	return o
}

// Runner executes trials. It is safe for concurrent use by multiple
// goroutines, each driving its own handle.
type Runner struct {
	logger *slog.Logger

	// late tracks adapter calls that outlived their deadline.
	late sync.WaitGroup
	// lateDebt counts failed cleanups of residue left by those calls.
	lateDebt atomic.Int64
}

func New(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run executes the warm-up and measured trials of spec against h.
// Per-trial failures are data; Run never returns an error.
func (r *Runner) Run(ctx context.Context, a engine.Adapter, h *engine.Handle, spec operation.Spec, args operation.Args, opts Options) *SampleSet {
	opts = opts.withDefaults()
	concurrency := 1
	if spec.Mode == operation.ModeThroughput {
		concurrency = opts.Concurrency
	} else if opts.Concurrency > 1 {
		r.logger.Debug("latency operation runs sequentially", "op", spec.Name, "requested_concurrency", opts.Concurrency)
	}

	set := &SampleSet{
		Operation:   spec.Name,
		Engine:      h.Name,
		Mode:        spec.Mode,
		Concurrency: concurrency,
		Requested:   opts.Iterations,
		Warmup:      opts.Warmup,
		Durations:   []time.Duration{},
		Trials:      []Trial{},
	}

	var limiter *rate.Limiter
	if opts.TrialRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.TrialRate), 1)
	}

	log := r.logger.With("engine", h.Name, "op", spec.Name)

	for i := 0; i < opts.Warmup; i++ {
		if ctx.Err() != nil {
			set.abort("cancelled")
			return r.finish(set, opts, log)
		}
		t, residue := r.trial(ctx, a, h, spec, args, opts, i)
		// warm-up residue is cleaned but never counted as debt
		if !residue.Empty() {
			_ = r.cleanup(ctx, a, h, spec, residue, opts.CleanupTimeout, log)
		}
		if t.cancelled {
			set.abort("cancelled")
			return r.finish(set, opts, log)
		}
		if t.Result == Failure && engine.IsConnectionError(t.err) {
			log.Error("connection lost during warm-up", "error", t.err)
			set.abort(t.Error)
			return r.finish(set, opts, log)
		}
	}

	if concurrency > 1 {
		r.runConcurrent(ctx, a, h, spec, args, opts, concurrency, limiter, set, log)
	} else {
		r.runSequential(ctx, a, h, spec, args, opts, limiter, set, log)
	}

	return r.finish(set, opts, log)
}

func (r *Runner) finish(set *SampleSet, opts Options, log *slog.Logger) *SampleSet {
	set.Unreliable = set.FailureRate() > opts.FailureThreshold
	if set.Unreliable {
		log.Warn("sample set unreliable",
			"failures", set.Failures, "timeouts", set.Timeouts,
			"attempted", set.Attempted(), "threshold", opts.FailureThreshold)
	}
	return set
}

func (r *Runner) runSequential(ctx context.Context, a engine.Adapter, h *engine.Handle, spec operation.Spec, args operation.Args, opts Options, limiter *rate.Limiter, set *SampleSet, log *slog.Logger) {
	for i := 0; i < opts.Iterations; i++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				set.abort("cancelled")
				return
			}
		}
		if ctx.Err() != nil {
			set.abort("cancelled")
			return
		}

		t, residue := r.trial(ctx, a, h, spec, args, opts, i)
		if !residue.Empty() {
			if !spec.NeedsCleanup() {
				log.Debug("unexpected residue", "attempt", i, "residue", residue)
			}
			if err := r.cleanup(ctx, a, h, spec, residue, opts.CleanupTimeout, log); err != nil {
				set.CleanupDebt++
			}
		}
		if t.cancelled {
			set.abort("cancelled")
			return
		}
		set.record(t.Trial)
		r.logTrial(log, t.Trial)

		if t.Result == Failure && engine.IsConnectionError(t.err) {
			log.Error("connection lost, aborting remaining trials", "completed", i+1, "error", t.err)
			set.abort(t.Error)
			return
		}
	}
}

func (r *Runner) runConcurrent(ctx context.Context, a engine.Adapter, h *engine.Handle, spec operation.Spec, args operation.Args, opts Options, n int, limiter *rate.Limiter, set *SampleSet, log *slog.Logger) {
	sem := semaphore.NewWeighted(int64(n))
	results := make([]*trialResult, opts.Iterations)
	var (
		lost    atomic.Bool
		debt    atomic.Int32
		lostErr atomic.Value
	)

	for i := 0; i < opts.Iterations; i++ {
		if lost.Load() {
			break
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				break
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		go func(i int) {
			defer sem.Release(1)
			t, residue := r.trial(ctx, a, h, spec, args, opts, i)
			results[i] = &t
			if !residue.Empty() {
				if err := r.cleanup(ctx, a, h, spec, residue, opts.CleanupTimeout, log); err != nil {
					debt.Add(1)
				}
			}
			if t.Result == Failure && engine.IsConnectionError(t.err) {
				lostErr.CompareAndSwap(nil, t.Error)
				lost.Store(true)
			}
		}(i)
	}

	// Wait for in-flight trials. Each is bounded by its own deadline, so
	// this cannot block past the longest remaining trial timeout.
	_ = sem.Acquire(context.Background(), int64(n))
	sem.Release(int64(n))

	for _, t := range results {
		if t == nil || t.cancelled {
			continue
		}
		set.record(t.Trial)
		r.logTrial(log, t.Trial)
	}
	set.CleanupDebt += int(debt.Load())

	switch {
	case lost.Load():
		reason, _ := lostErr.Load().(string)
		log.Error("connection lost, aborting remaining trials", "error", reason)
		set.abort(reason)
	case ctx.Err() != nil:
		set.abort("cancelled")
	}
}

type trialResult struct {
	Trial
	err       error
	cancelled bool
}

// trial makes one adapter call under the per-trial deadline. The call runs
// on its own goroutine so an adapter that ignores cancellation still
// yields a timeout on schedule.
func (r *Runner) trial(ctx context.Context, a engine.Adapter, h *engine.Handle, spec operation.Spec, args operation.Args, opts Options, attempt int) (trialResult, engine.Residue) {
	tctx := ctx
	cancel := context.CancelFunc(func() {})
	if opts.Timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	var snap *engine.ResourceSnapshot
	if opts.Snapshots {
		snap = engine.TakeSnapshot()
	}

	done := make(chan engine.Outcome, 1)
	start := time.Now()
	go func() { done <- a.Invoke(tctx, h, spec, args) }()

	res := trialResult{Trial: Trial{Attempt: attempt, Start: start, Snapshot: snap}}

	select {
	case out := <-done:
		res.End = time.Now()
		res.Duration = out.Duration
		res.Payload = out.Payload
		if out.Snapshot != nil {
			res.Snapshot = out.Snapshot
		}
		switch {
		case out.Success:
			res.Result = Success
		case ctx.Err() != nil:
			res.cancelled = true
		case errors.Is(tctx.Err(), context.DeadlineExceeded):
			res.Result = Timeout
			res.err = out.Err
			res.Error = errString(out.Err, "deadline exceeded")
		default:
			res.Result = Failure
			res.err = out.Err
			res.Error = errString(out.Err, "operation failed")
			res.Stage = engine.StageOf(out.Err)
		}
		return res, out.Residue

	case <-tctx.Done():
		res.End = time.Now()
		if ctx.Err() != nil {
			res.cancelled = true
		} else {
			res.Result = Timeout
			res.Duration = res.End.Sub(start)
			res.Error = "deadline exceeded after " + opts.Timeout.String()
		}
		r.reapLate(done, a, h, spec, opts.CleanupTimeout)
		return res, engine.Residue{}
	}
}

// reapLate waits in the background for an abandoned adapter call and
// cleans up whatever it created.
func (r *Runner) reapLate(done <-chan engine.Outcome, a engine.Adapter, h *engine.Handle, spec operation.Spec, timeout time.Duration) {
	r.late.Add(1)
	go func() {
		defer r.late.Done()
		out := <-done
		if out.Residue.Empty() {
			return
		}
		log := r.logger.With("engine", h.Name, "op", spec.Name)
		if err := r.cleanup(context.Background(), a, h, spec, out.Residue, timeout, log); err != nil {
			r.lateDebt.Add(1)
		}
	}()
}

// LateDebt is the number of abandoned calls whose residue could not be
// removed. It is final once Drain has returned true.
func (r *Runner) LateDebt() int {
	return int(r.lateDebt.Load())
}

// Drain waits up to timeout for abandoned adapter calls to finish and be
// cleaned up. It reports whether all of them did.
func (r *Runner) Drain(timeout time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		r.late.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (r *Runner) cleanup(ctx context.Context, a engine.Adapter, h *engine.Handle, spec operation.Spec, residue engine.Residue, timeout time.Duration, log *slog.Logger) error {
	// cleanup runs even when the suite was cancelled
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := a.Cleanup(cctx, h, spec, residue); err != nil {
		log.Warn("cleanup failed", "residue", residue, "error", err)
		return err
	}
	return nil
}

func (r *Runner) logTrial(log *slog.Logger, t Trial) {
	switch t.Result {
	case Success:
		log.Debug("trial", "attempt", t.Attempt, "duration", t.Duration)
	case Timeout:
		log.Warn("trial timed out", "attempt", t.Attempt, "error", t.Error)
	default:
		log.Warn("trial failed", "attempt", t.Attempt, "stage", t.Stage, "error", t.Error)
	}
}

func errString(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
