package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/engine/adapters"
	"github.com/p-arndt/enginebench/internal/operation"
	"github.com/p-arndt/enginebench/internal/report"
	"github.com/p-arndt/enginebench/internal/store"
)

const healthTimeout = 15 * time.Second

func (a *app) healthCmd() *cobra.Command {
	var style string
	cmd := &cobra.Command{
		Use:   "health ENGINE",
		Short: "Check engine connectivity and print its version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.health(cmd.Context(), args[0], engine.Style(style))
		},
	}
	cmd.Flags().StringVarP(&style, "executor-type", "e", string(engine.StyleCRI), "interface style: cri or client")
	return cmd
}

func (a *app) health(ctx context.Context, name string, style engine.Style) error {
	if err := engine.CheckStyle(name, style); err != nil {
		return err
	}
	ep, err := a.cfg.Endpoint(name, style)
	if err != nil {
		return err
	}
	ec := a.cfg.Engines[name]
	ad, err := adapters.New(style, adapters.Options{
		ImageEndpoint: ec.ImageEndpoint,
		ProbeTimeout:  time.Duration(ec.TimeoutSeconds) * time.Second,
	}, a.logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	fmt.Fprintf(a.stdout, "Checking health of %s engine...\n", name)
	h, err := ad.Connect(ctx, ep)
	if err != nil {
		fmt.Fprintln(a.stdout, color.RedString("✗ health check failed: %v", err))
		return err
	}
	defer ad.Close(h)

	fmt.Fprintln(a.stdout, color.GreenString("✓ %s engine is healthy and connected", name))
	fmt.Fprintf(a.stdout, "  style:    %s\n", h.Style)
	fmt.Fprintf(a.stdout, "  endpoint: %s\n", h.Target)
	if h.Version != "" {
		fmt.Fprintf(a.stdout, "  version:  %s\n", h.Version)
	}
	if h.Runtime != "" {
		fmt.Fprintf(a.stdout, "  runtime:  %s\n", h.Runtime)
	}
	return nil
}

func (a *app) listEnginesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-engines",
		Short: "List configured container engines and their endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := make([]string, 0, len(a.cfg.Engines))
			for n := range a.cfg.Engines {
				names = append(names, n)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ENGINE\tSTYLE\tENDPOINT")
			for _, n := range names {
				eps := a.cfg.Engines[n].Endpoints
				styles := make([]string, 0, len(eps))
				for s := range eps {
					styles = append(styles, s)
				}
				sort.Strings(styles)
				for _, s := range styles {
					fmt.Fprintf(w, "%s\t%s\t%s\n", n, s, eps[s])
				}
			}
			return w.Flush()
		},
	}
}

func (a *app) listOperationsCmd() *cobra.Command {
	var style string
	cmd := &cobra.Command{
		Use:   "list-operations",
		Short: "List benchmark operations and suites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := operation.Default(nil, a.cfg.Suites)
			if err != nil {
				return err
			}
			specs := reg.All()
			if style != "" {
				specs = reg.ForStyle(engine.Style(style))
			}

			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OPERATION\tCATEGORY\tMODE\tSTYLES\tDESCRIPTION")
			for _, s := range specs {
				styles := make([]string, len(s.Styles))
				for i, st := range s.Styles {
					styles[i] = string(st)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Category, s.Mode, strings.Join(styles, ","), s.Description)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Fprintln(a.stdout, "\nSuites:")
			for _, name := range reg.SuiteNames() {
				ops, _ := reg.Suite(name)
				fmt.Fprintf(a.stdout, "  %s: %s\n", name, strings.Join(ops, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&style, "executor-type", "e", "", "only operations available through this style")
	return cmd
}

func (a *app) openArchive() (*store.Store, error) {
	if a.cfg.Report.ArchivePath == "" {
		return nil, fmt.Errorf("result archive is disabled (report.archive_path is empty)")
	}
	return store.New(a.cfg.Report.ArchivePath)
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openArchive()
			if err != nil {
				return err
			}
			defer st.Close()
			runs, err := st.List(limit)
			if err != nil {
				return err
			}
			report.NewConsole(a.stdout, false).Runs(runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum runs to list (0 for all)")
	return cmd
}

func (a *app) showCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Re-render an archived run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openArchive()
			if err != nil {
				return err
			}
			defer st.Close()
			doc, err := st.Get(args[0])
			if err != nil {
				return err
			}
			if format == "json" {
				return report.JSON(a.stdout, doc)
			}
			return report.NewConsole(a.stdout, false).Render(doc)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "console", "output format: console or json")
	return cmd
}
