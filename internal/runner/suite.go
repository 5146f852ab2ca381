package runner

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

// Target is one engine to benchmark.
type Target struct {
	Name     string
	Endpoint string
	Adapter  engine.Adapter
}

// Step is one operation of a suite with its resolved arguments.
type Step struct {
	Spec operation.Spec
	Args operation.Args
}

// Hook runs against a freshly connected or about-to-close handle.
type Hook func(ctx context.Context, t Target, h *engine.Handle)

// Plan describes a suite run: every step against every target, and every
// throughput step at every concurrency level.
type Plan struct {
	Steps           []Step
	Targets         []Target
	Levels          []int
	Options         Options
	ParallelEngines bool

	AfterConnect Hook
	BeforeClose  Hook
}

// Key identifies one SampleSet within a suite.
type Key struct {
	Operation   string
	Engine      string
	Concurrency int
}

// SuiteResult carries every completed SampleSet in plan order.
type SuiteResult struct {
	Sets         []*SampleSet
	Handles      map[string]*engine.Handle
	EngineErrors map[string]string
	Partial      bool
	// LateDebt is cleanup debt from calls that outlived their deadline,
	// which belongs to no single set.
	LateDebt int
	Started  time.Time
	Finished time.Time
}

// Suite drives plans. Engine connections are owned by the goroutine that
// opened them and closed before Run returns.
type Suite struct {
	runner *Runner
	logger *slog.Logger
}

func NewSuite(r *Runner, logger *slog.Logger) *Suite {
	return &Suite{runner: r, logger: logger}
}

// Run executes the plan. On cancellation it stops scheduling new pairs and
// returns what completed, with Partial set.
func (s *Suite) Run(ctx context.Context, plan Plan) *SuiteResult {
	res := &SuiteResult{
		Handles:      make(map[string]*engine.Handle),
		EngineErrors: make(map[string]string),
		Started:      time.Now(),
	}
	levels := normalizeLevels(plan.Levels)

	var (
		mu   sync.Mutex
		sets = make(map[Key]*SampleSet)
	)
	collect := func(set *SampleSet) {
		mu.Lock()
		defer mu.Unlock()
		sets[Key{set.Operation, set.Engine, set.Concurrency}] = set
	}
	fail := func(engineName, msg string) {
		mu.Lock()
		defer mu.Unlock()
		res.EngineErrors[engineName] = msg
	}
	connected := func(name string, h *engine.Handle) {
		mu.Lock()
		defer mu.Unlock()
		res.Handles[name] = h
	}

	if plan.ParallelEngines {
		var g errgroup.Group
		for _, t := range plan.Targets {
			g.Go(func() error {
				e := s.newEngineRun(plan, t, levels, collect, fail, connected)
				if e.connect(ctx) {
					e.runSteps(ctx, plan.Steps)
					e.close(ctx)
				}
				return nil
			})
		}
		_ = g.Wait()
	} else {
		var runs []*engineRun
		for _, t := range plan.Targets {
			e := s.newEngineRun(plan, t, levels, collect, fail, connected)
			if e.connect(ctx) {
				runs = append(runs, e)
			}
		}
		for _, step := range plan.Steps {
			for _, e := range runs {
				e.runSteps(ctx, []Step{step})
			}
		}
		for _, e := range runs {
			e.close(ctx)
		}
	}

	for _, step := range plan.Steps {
		for _, t := range plan.Targets {
			for _, c := range levelsFor(step.Spec, levels) {
				if set, ok := sets[Key{step.Spec.Name, t.Name, c}]; ok {
					res.Sets = append(res.Sets, set)
				}
			}
		}
	}
	res.Partial = ctx.Err() != nil
	res.Finished = time.Now()
	if res.Partial {
		s.logger.Warn("suite interrupted, returning partial results", "completed_sets", len(res.Sets))
	}
	return res
}

type engineRun struct {
	suite     *Suite
	plan      Plan
	target    Target
	levels    []int
	handle    *engine.Handle
	down      bool
	collect   func(*SampleSet)
	fail      func(string, string)
	connected func(string, *engine.Handle)
	log       *slog.Logger
}

func (s *Suite) newEngineRun(plan Plan, t Target, levels []int, collect func(*SampleSet), fail func(string, string), connected func(string, *engine.Handle)) *engineRun {
	return &engineRun{
		suite:     s,
		plan:      plan,
		target:    t,
		levels:    levels,
		collect:   collect,
		fail:      fail,
		connected: connected,
		log:       s.logger.With("engine", t.Name),
	}
}

func (e *engineRun) connect(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	h, err := e.target.Adapter.Connect(ctx, e.target.Endpoint)
	if err != nil {
		e.log.Error("connect failed, skipping engine", "target", e.target.Endpoint, "error", err)
		e.fail(e.target.Name, err.Error())
		e.down = true
		return false
	}
	h.Name = e.target.Name
	e.handle = h
	e.connected(e.target.Name, h)
	e.log.Info("connected", "target", h.Target, "version", h.Version, "style", h.Style)
	if e.plan.AfterConnect != nil {
		e.plan.AfterConnect(ctx, e.target, h)
	}
	return true
}

// reconnect replaces a handle whose connection was lost. One attempt.
func (e *engineRun) reconnect(ctx context.Context) bool {
	if e.handle != nil {
		_ = e.target.Adapter.Close(e.handle)
		e.handle = nil
	}
	e.log.Info("reconnecting after connection loss")
	h, err := e.target.Adapter.Connect(ctx, e.target.Endpoint)
	if err != nil {
		e.log.Error("reconnect failed, skipping remaining operations", "error", err)
		e.fail(e.target.Name, err.Error())
		e.down = true
		return false
	}
	h.Name = e.target.Name
	e.handle = h
	e.connected(e.target.Name, h)
	return true
}

func (e *engineRun) runSteps(ctx context.Context, steps []Step) {
	for _, step := range steps {
		for _, c := range levelsFor(step.Spec, e.levels) {
			if e.down || ctx.Err() != nil {
				return
			}
			opts := e.plan.Options
			opts.Concurrency = c
			e.log.Info("running", "op", step.Spec.Name, "iterations", opts.Iterations, "warmup", opts.Warmup, "concurrency", c)

			set := e.suite.runner.Run(ctx, e.target.Adapter, e.handle, step.Spec, step.Args, opts)
			cancelled := set.Aborted && set.AbortReason == "cancelled"
			if !cancelled || len(set.Trials) > 0 {
				e.collect(set)
			}
			if set.Aborted && !cancelled {
				if !e.reconnect(ctx) {
					return
				}
			}
		}
	}
}

func (e *engineRun) close(ctx context.Context) {
	if e.handle == nil {
		return
	}
	if e.plan.BeforeClose != nil {
		e.plan.BeforeClose(context.WithoutCancel(ctx), e.target, e.handle)
	}
	if err := e.target.Adapter.Close(e.handle); err != nil {
		e.log.Warn("close failed", "error", err)
	}
	e.handle = nil
}

func normalizeLevels(levels []int) []int {
	var out []int
	for _, l := range levels {
		if l >= 1 && !slices.Contains(out, l) {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return []int{1}
	}
	return out
}

// levelsFor returns the concurrency levels a step runs at. Latency steps
// always run once, sequentially.
func levelsFor(spec operation.Spec, levels []int) []int {
	if spec.Mode != operation.ModeThroughput {
		return []int{1}
	}
	return levels
}
