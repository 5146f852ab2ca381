package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/p-arndt/enginebench/internal/config"
)

// exitInterrupted is the conventional status for a run stopped by SIGINT.
const exitInterrupted = 130

type app struct {
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	err := a.rootCmd().ExecuteContext(ctx)
	interrupted := ctx.Err() != nil
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ce *config.ConfigurationError
		if errors.As(err, &ce) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	if interrupted {
		fmt.Fprintln(os.Stderr, "Operation cancelled by user")
		os.Exit(exitInterrupted)
	}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "enginebench",
		Short: "Benchmark and compare container engines",
		Long: `Drives repeatable, timed operations against container engines reached
through the CRI gRPC API or a direct client API, and compares the results
with an explicit validity flag on every comparison.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (default ./enginebench.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		a.runCmd(),
		a.compareCmd(),
		a.benchCmd(),
		a.healthCmd(),
		a.listEnginesCmd(),
		a.listOperationsCmd(),
		a.historyCmd(),
		a.showCmd(),
	)
	return root
}

func (a *app) init() error {
	path := a.cfgPath
	if path == "" {
		path = "enginebench.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.logger = newLogger(cfg.Log, a.verbose, a.stderr)
	return nil
}

func newLogger(lc config.LogConfig, verbose bool, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(lc.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
