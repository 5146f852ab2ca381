package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/p-arndt/enginebench/internal/compare"
	"github.com/p-arndt/enginebench/internal/config"
	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/engine/adapters"
	"github.com/p-arndt/enginebench/internal/envinfo"
	"github.com/p-arndt/enginebench/internal/operation"
	"github.com/p-arndt/enginebench/internal/report"
	"github.com/p-arndt/enginebench/internal/result"
	"github.com/p-arndt/enginebench/internal/runner"
	"github.com/p-arndt/enginebench/internal/stats"
	"github.com/p-arndt/enginebench/internal/store"
	"github.com/p-arndt/enginebench/internal/sweeper"
)

var errNoEngine = errors.New("no engine could be reached")

// runFlags are the overrides shared by run, compare and bench. Only flags
// the user set replace configured values.
type runFlags struct {
	style        string
	iterations   int
	warmup       int
	concurrency  int
	levels       string
	suite        string
	timeout      time.Duration
	output       string
	format       string
	parallel     bool
	baseline     string
	image        string
	outlierSigma float64
	args         map[string]string
}

func (f *runFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.IntVarP(&f.iterations, "iterations", "i", 0, "measured trials per operation")
	fl.IntVar(&f.warmup, "warmup-iterations", 0, "untimed warm-up trials (0 disables warmup)")
	fl.DurationVar(&f.timeout, "timeout", 0, "per-trial deadline")
	fl.StringVarP(&f.output, "output", "o", "", "write the JSON result document to this file")
	fl.StringVarP(&f.format, "format", "f", "console", "output format: console or json")
	fl.StringVar(&f.image, "image", "", "image for every operation")
	fl.Float64Var(&f.outlierSigma, "outlier-sigma", 0, "exclude samples beyond this many standard deviations (0 keeps all)")
	fl.StringToStringVar(&f.args, "arg", nil, "operation argument override, key=value (repeatable)")
}

func (f *runFlags) registerMulti(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.style, "executor-type", "e", string(engine.StyleCRI), "interface style: cri or client")
	fl.BoolVar(&f.parallel, "parallel-engines", false, "benchmark engines concurrently")
	fl.StringVar(&f.baseline, "baseline", "", "engine every other engine is compared against")
}

func (f *runFlags) apply(cmd *cobra.Command, req *config.RunRequest) error {
	fl := cmd.Flags()
	if fl.Changed("executor-type") {
		req.Style = engine.Style(f.style)
	}
	if fl.Changed("iterations") {
		req.Iterations = f.iterations
	}
	if fl.Changed("warmup-iterations") {
		req.Warmup = f.warmup
	}
	if fl.Changed("concurrency") {
		req.ConcurrencyLevels = []int{f.concurrency}
	}
	if fl.Changed("concurrency-levels") {
		levels, err := config.ParseLevels(f.levels)
		if err != nil {
			return err
		}
		req.ConcurrencyLevels = levels
	}
	if fl.Changed("timeout") {
		req.Timeout = f.timeout
	}
	if fl.Changed("baseline") {
		req.Baseline = f.baseline
	}
	if fl.Changed("image") {
		req.Image = f.image
		// an explicit image also overrides lifecycle_image
		req.Args[operation.ArgImage] = f.image
	}
	if fl.Changed("outlier-sigma") {
		req.OutlierSigma = f.outlierSigma
	}
	for k, v := range f.args {
		req.Args[k] = v
	}
	req.Format = f.format
	req.Output = f.output
	req.ParallelEngines = f.parallel
	return nil
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run STYLE ENGINE OPERATION|SUITE",
		Short: "Benchmark one operation or suite on one engine",
		Example: `  enginebench run cri isulad create_container -i 20
  enginebench run client docker client_offline --format json -o out.json`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := config.NewRequest(a.cfg, "run")
			req.Style = engine.Style(args[0])
			req.Engines = []string{args[1]}
			if err := f.apply(cmd, req); err != nil {
				return err
			}
			return a.execute(cmd.Context(), req, args[2])
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 1, "concurrent trials for throughput operations")
	return cmd
}

func (a *app) compareCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "compare ENGINE... OPERATION|SUITE",
		Short: "Benchmark the same operation or suite on several engines and compare them",
		Example: `  enginebench compare isulad crio containerd create_container
  enginebench compare -e client isulad docker client --baseline docker`,
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := config.NewRequest(a.cfg, "compare")
			req.Style = engine.StyleCRI
			req.Engines = args[:len(args)-1]
			if err := f.apply(cmd, req); err != nil {
				return err
			}
			return a.execute(cmd.Context(), req, args[len(args)-1])
		},
	}
	f.register(cmd)
	f.registerMulti(cmd)
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 1, "concurrent trials for throughput operations")
	return cmd
}

func (a *app) benchCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "bench ENGINE...",
		Short: "Run a benchmark suite across engines, sweeping concurrency levels",
		Example: `  enginebench bench isulad crio --concurrency-levels 1,2,4,8
  enginebench bench -e client isulad docker --suite client_extended`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := config.NewRequest(a.cfg, "bench")
			req.Style = engine.StyleCRI
			req.Engines = args
			if err := f.apply(cmd, req); err != nil {
				return err
			}
			suite := f.suite
			if suite == "" {
				suite = defaultSuite(req.Style)
			}
			return a.execute(cmd.Context(), req, suite)
		},
	}
	f.register(cmd)
	f.registerMulti(cmd)
	cmd.Flags().StringVar(&f.suite, "suite", "", "suite name (default standard_offline for cri, client_offline for client)")
	cmd.Flags().StringVar(&f.levels, "concurrency-levels", "", `comma-separated concurrency levels, e.g. "1,2,4,8"`)
	return cmd
}

func defaultSuite(style engine.Style) string {
	if style == engine.StyleClient {
		return "client_offline"
	}
	return "standard_offline"
}

// resolveTarget sets the request's suite when name is a suite, otherwise
// its operation.
func resolveTarget(reg *operation.Registry, req *config.RunRequest, name string) {
	if _, err := reg.Suite(name); err == nil {
		req.Suite = name
		return
	}
	req.Operation = name
}

func (a *app) execute(ctx context.Context, req *config.RunRequest, target string) error {
	reg, err := operation.Default(nil, a.cfg.Suites)
	if err != nil {
		return err
	}
	resolveTarget(reg, req, target)

	if req.Mode != "run" {
		for _, name := range req.DropIncompatible() {
			a.logger.Warn("skipping engine: interface style not supported", "engine", name, "style", req.Style)
		}
	}
	if err := req.Validate(reg, a.cfg); err != nil {
		return err
	}
	steps, err := req.Steps(reg, a.cfg)
	if err != nil {
		return err
	}

	runID := uuid.NewString()[:8]
	plan, err := a.buildPlan(req, steps, runID)
	if err != nil {
		return err
	}
	a.logger.Info("starting run", "run_id", runID, "mode", req.Mode, "style", req.Style,
		"engines", req.Engines, "operations", len(steps), "levels", req.ConcurrencyLevels)

	r := runner.New(a.logger)
	res := runner.NewSuite(r, a.logger).Run(ctx, plan)
	if !r.Drain(plan.Options.CleanupTimeout) {
		a.logger.Warn("late adapter calls still running at exit")
	}
	res.LateDebt = r.LateDebt()

	specs := make(map[string]operation.Spec, len(steps))
	for _, s := range steps {
		specs[s.Spec.Name] = s.Spec
	}
	doc := result.Build(echo(req, a.cfg), envinfo.Collect(), specs, res, result.Options{
		Outliers:     stats.OutlierPolicy{Sigma: req.OutlierSigma},
		Compare:      compareConfig(req, a.cfg),
		Comparison:   len(req.Engines) > 1,
		AnomalySigma: a.cfg.Tests.AnomalySigma,
	})
	if err := a.emit(doc, req); err != nil {
		return err
	}
	if len(res.Handles) == 0 {
		return errNoEngine
	}
	return nil
}

func (a *app) buildPlan(req *config.RunRequest, steps []config.Step, runID string) (runner.Plan, error) {
	tc := a.cfg.Tests
	plan := runner.Plan{
		Levels:          req.ConcurrencyLevels,
		ParallelEngines: req.ParallelEngines,
		Options: runner.Options{
			Iterations:       req.Iterations,
			Warmup:           req.Warmup,
			Timeout:          req.Timeout,
			CleanupTimeout:   time.Duration(tc.CleanupTimeoutSeconds) * time.Second,
			FailureThreshold: req.FailureThreshold,
			TrialRate:        tc.TrialRate,
			Snapshots:        tc.Snapshots,
		},
	}
	for _, s := range steps {
		plan.Steps = append(plan.Steps, runner.Step{Spec: s.Spec, Args: s.Args})
	}

	for _, name := range req.Engines {
		ep, err := a.cfg.Endpoint(name, req.Style)
		if err != nil {
			return runner.Plan{}, err
		}
		ec := a.cfg.Engines[name]
		ad, err := adapters.New(req.Style, adapters.Options{
			RunID:         runID,
			ImageEndpoint: ec.ImageEndpoint,
			LogRoot:       tc.PodLogRoot,
			StopTimeout:   tc.StopTimeoutSeconds,
			ProbeTimeout:  time.Duration(ec.TimeoutSeconds) * time.Second,
		}, a.logger.With("engine", name))
		if err != nil {
			return runner.Plan{}, err
		}
		plan.Targets = append(plan.Targets, runner.Target{Name: name, Endpoint: ep, Adapter: ad})
	}

	if tc.Sweep {
		sw := sweeper.New(plan.Options.CleanupTimeout, a.logger)
		hook := func(ctx context.Context, t runner.Target, h *engine.Handle) {
			if st, ok := t.Adapter.(sweeper.Target); ok {
				sw.Sweep(ctx, st, h)
			}
		}
		plan.AfterConnect = hook
		plan.BeforeClose = hook
	}
	return plan, nil
}

func compareConfig(req *config.RunRequest, cfg *config.Config) compare.Config {
	c := cfg.Compare
	c.ValidityThreshold = req.ValidityThreshold
	c.Baseline = req.Baseline
	return c
}

func echo(req *config.RunRequest, cfg *config.Config) result.Request {
	return result.Request{
		Mode:       req.Mode,
		Style:      string(req.Style),
		Engines:    req.Engines,
		Operation:  req.Operation,
		Suite:      req.Suite,
		Iterations: req.Iterations,
		Warmup:     req.Warmup,
		Timeout:    req.Timeout.String(),
		Levels:     req.ConcurrencyLevels,
		Parallel:   req.ParallelEngines,
		Baseline:   req.Baseline,
		Image:      req.Image,
		Outliers:   req.OutlierSigma,
		Threshold:  req.FailureThreshold,
		Validity:   req.ValidityThreshold,
		MinSamples: cfg.Compare.MinSamples,
	}
}

// emit renders doc and persists it. Persistence failures are logged; the
// rendered result is what the user asked for.
func (a *app) emit(doc *result.Document, req *config.RunRequest) error {
	var err error
	if req.Format == "json" && req.Output == "" {
		err = report.JSON(a.stdout, doc)
	} else {
		err = report.NewConsole(a.stdout, false).Render(doc)
	}
	if err != nil {
		return err
	}

	if req.Output != "" {
		if err := writeJSON(req.Output, doc); err != nil {
			return err
		}
		a.logger.Info("result written", "path", req.Output)
	}
	if dir := a.cfg.Report.OutputDir; dir != "" {
		paths, err := report.WriteArtifacts(dir, doc, a.cfg.Report.Formats)
		if err != nil {
			a.logger.Warn("write artifacts", "error", err)
		}
		if len(paths) > 0 {
			a.logger.Info("artifacts saved", "paths", paths)
		}
	}
	if path := a.cfg.Report.ArchivePath; path != "" {
		if err := archive(path, doc); err != nil {
			a.logger.Warn("archive result", "path", path, "error", err)
		}
	}
	return nil
}

func writeJSON(path string, doc *result.Document) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	return report.JSON(f, doc)
}

func archive(path string, doc *result.Document) error {
	st, err := store.New(path)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.Save(doc)
}
