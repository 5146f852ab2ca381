package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/enginebench/internal/config"
	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/engine/cri"
	"github.com/p-arndt/enginebench/internal/engine/docker"
	"github.com/p-arndt/enginebench/internal/operation"
	"github.com/p-arndt/enginebench/internal/store"
)

func testApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	var out bytes.Buffer
	return &app{
		cfg:    cfg,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		stdout: &out,
		stderr: io.Discard,
	}, &out
}

func execute(t *testing.T, a *app, args ...string) error {
	t.Helper()
	root := a.rootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(config.LogConfig{Level: "warn", Format: "json"}, false, &buf)
	l.Info("hidden")
	l.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"k":"v"`)

	buf.Reset()
	l = newLogger(config.LogConfig{Level: "bogus"}, true, &buf)
	l.Debug("debug on")
	assert.Contains(t, buf.String(), "debug on")
}

func TestResolveTarget(t *testing.T) {
	reg, err := operation.Default(nil, nil)
	require.NoError(t, err)

	req := &config.RunRequest{}
	resolveTarget(reg, req, "standard")
	assert.Equal(t, "standard", req.Suite)
	assert.Empty(t, req.Operation)

	req = &config.RunRequest{}
	resolveTarget(reg, req, operation.ListImages)
	assert.Equal(t, operation.ListImages, req.Operation)
	assert.Empty(t, req.Suite)
}

func TestDefaultSuite(t *testing.T) {
	assert.Equal(t, "standard_offline", defaultSuite(engine.StyleCRI))
	assert.Equal(t, "client_offline", defaultSuite(engine.StyleClient))
}

func TestRunFlagsApplyOnlyChanged(t *testing.T) {
	a, _ := testApp(t)
	var f runFlags
	cmd := &cobra.Command{Use: "x"}
	f.register(cmd)
	f.registerMulti(cmd)
	cmd.Flags().StringVar(&f.levels, "concurrency-levels", "", "")
	require.NoError(t, cmd.ParseFlags([]string{"-i", "7", "-e", "client", "--image", "alpine:3", "--concurrency-levels", "1,4", "--arg", "size=1MiB"}))

	req := config.NewRequest(a.cfg, "bench")
	require.NoError(t, f.apply(cmd, req))

	assert.Equal(t, 7, req.Iterations)
	assert.Equal(t, a.cfg.Tests.Warmup, req.Warmup)
	assert.Equal(t, engine.StyleClient, req.Style)
	assert.Equal(t, "alpine:3", req.Image)
	assert.Equal(t, "alpine:3", req.Args[operation.ArgImage])
	assert.Equal(t, "1MiB", req.Args[operation.ArgSize])
	assert.Equal(t, []int{1, 4}, req.ConcurrencyLevels)
	assert.Equal(t, "isulad", req.Baseline)
}

func TestBuildPlan(t *testing.T) {
	a, _ := testApp(t)
	reg, err := operation.Default(nil, nil)
	require.NoError(t, err)

	req := config.NewRequest(a.cfg, "compare")
	req.Style = engine.StyleCRI
	req.Engines = []string{"isulad", "crio"}
	req.Suite = "standard"
	steps, err := req.Steps(reg, a.cfg)
	require.NoError(t, err)

	plan, err := a.buildPlan(req, steps, "abcd1234")
	require.NoError(t, err)

	require.Len(t, plan.Targets, 2)
	assert.Equal(t, "unix:///var/run/isulad.sock", plan.Targets[0].Endpoint)
	assert.IsType(t, &cri.Adapter{}, plan.Targets[1].Adapter)
	assert.Len(t, plan.Steps, len(steps))
	assert.Equal(t, req.Iterations, plan.Options.Iterations)
	assert.NotNil(t, plan.AfterConnect)
	assert.NotNil(t, plan.BeforeClose)

	a.cfg.Tests.Sweep = false
	req.Style = engine.StyleClient
	req.Engines = []string{"docker"}
	plan, err = a.buildPlan(req, steps, "abcd1234")
	require.NoError(t, err)
	assert.IsType(t, &docker.Adapter{}, plan.Targets[0].Adapter)
	assert.Nil(t, plan.AfterConnect)
}

func TestRunRejectsStyleMismatch(t *testing.T) {
	a, _ := testApp(t)
	a.cfgPath = filepath.Join(t.TempDir(), "none.yaml")

	err := execute(t, a, "run", "cri", "docker", "list_images")

	var ce *config.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, err.Error(), "docker does not support the cri interface style")
}

func TestRunUnreachableEngineIsArchived(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "enginebench.yaml")
	yaml := `
engines:
  isulad:
    endpoints:
      cri: unix://` + filepath.Join(dir, "missing.sock") + `
    timeout_seconds: 1
tests:
  iterations: 1
  warmup: 0
report:
  output_dir: ` + filepath.Join(dir, "results") + `
  archive_path: ` + filepath.Join(dir, "runs.db") + `
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(yaml), 0644))

	a, out := testApp(t)
	err := execute(t, a, "--config", cfgPath, "run", "cri", "isulad", "list_images")
	assert.ErrorIs(t, err, errNoEngine)
	assert.Contains(t, out.String(), "isulad")

	matches, err := filepath.Glob(filepath.Join(dir, "results", "*_run_cri_isulad_list_images", "result.json"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	matches, err = filepath.Glob(filepath.Join(dir, "results", "*_run_cri_isulad_list_images", "report.txt"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)

	st, err := store.New(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	runs, err := st.List(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	st.Close()

	out.Reset()
	require.NoError(t, execute(t, a, "--config", cfgPath, "history"))
	assert.Contains(t, out.String(), runs[0].ID)

	out.Reset()
	require.NoError(t, execute(t, a, "--config", cfgPath, "show", runs[0].ID, "-f", "json"))
	assert.Contains(t, out.String(), `"engine_errors"`)
}

func TestListCommands(t *testing.T) {
	a, out := testApp(t)
	a.cfgPath = filepath.Join(t.TempDir(), "none.yaml")

	require.NoError(t, execute(t, a, "list-engines"))
	assert.Contains(t, out.String(), "containerd")
	assert.Contains(t, out.String(), "unix:///var/run/docker.sock")

	out.Reset()
	require.NoError(t, execute(t, a, "list-operations", "-e", "client"))
	assert.Contains(t, out.String(), operation.VolumeCreate)
	assert.NotContains(t, out.String(), operation.RunPodSandbox+" ")
	assert.Contains(t, out.String(), "client_extended:")
}

func TestShowWithoutArchive(t *testing.T) {
	a, _ := testApp(t)
	a.cfgPath = filepath.Join(t.TempDir(), "none.yaml")
	t.Setenv("ENGINEBENCH_ARCHIVE_PATH", "")

	err := execute(t, a, "show", "x")
	assert.ErrorContains(t, err, "archive is disabled")
}
