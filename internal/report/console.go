// Package report renders result documents. Nothing here computes
// statistics; every number shown comes from the document.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/fatih/color"

	"github.com/p-arndt/enginebench/internal/compare"
	"github.com/p-arndt/enginebench/internal/result"
	"github.com/p-arndt/enginebench/internal/stats"
	"github.com/p-arndt/enginebench/internal/store"
)

// Console writes human-readable tables.
type Console struct {
	w       io.Writer
	faster  func(a ...any) string
	slower  func(a ...any) string
	neutral func(a ...any) string
	warn    func(a ...any) string
}

// NewConsole returns a console renderer. Colour follows color.NoColor
// unless plain is set.
func NewConsole(w io.Writer, plain bool) *Console {
	paint := func(attrs ...color.Attribute) func(a ...any) string {
		c := color.New(attrs...)
		if plain {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return &Console{
		w:       w,
		faster:  paint(color.FgGreen),
		slower:  paint(color.FgRed),
		neutral: paint(color.FgYellow),
		warn:    paint(color.FgYellow, color.Bold),
	}
}

func (c *Console) Render(doc *result.Document) error {
	h := doc.Host
	fmt.Fprintf(c.w, "enginebench %s run %s (%s)\n", doc.Request.Mode, doc.ID, doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(c.w, "Host: %s | Kernel: %s | CPU: %s (%d cores) | RAM: %s\n",
		h.Hostname, h.Kernel, valueOrDefault(h.CPUModel, "unknown"), h.LogicalCPUs,
		units.BytesSize(float64(h.MemoryTotalMB)*1024*1024))
	fmt.Fprintf(c.w, "Style: %s | Target: %s | Iterations: %d (+%d warmup) | Timeout: %s\n\n",
		doc.Request.Style, valueOrDefault(doc.Request.Suite, doc.Request.Operation),
		doc.Request.Iterations, doc.Request.Warmup, doc.Request.Timeout)

	c.engines(doc)
	c.entries(doc)
	if len(doc.Comparisons) > 0 {
		c.comparisons(doc.Comparisons)
	}
	c.footer(doc)
	return nil
}

func (c *Console) engines(doc *result.Document) {
	names := make([]string, 0, len(doc.Engines)+len(doc.EngineErrors))
	for n := range doc.Engines {
		names = append(names, n)
	}
	for n := range doc.EngineErrors {
		if _, ok := doc.Engines[n]; !ok {
			names = append(names, n)
		}
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(c.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENGINE\tSTYLE\tTARGET\tVERSION\tSTATUS")
	for _, n := range names {
		status := "ok"
		if msg, ok := doc.EngineErrors[n]; ok {
			status = c.slower(msg)
		}
		if hd, ok := doc.Engines[n]; ok && hd != nil {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", n, hd.Style, hd.Target, valueOrDefault(hd.Version, "-"), status)
			continue
		}
		fmt.Fprintf(w, "%s\t-\t-\t-\t%s\n", n, status)
	}
	w.Flush()
	fmt.Fprintln(c.w)
}

func (c *Console) entries(doc *result.Document) {
	w := tabwriter.NewWriter(c.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tENGINE\tCONC\tN\tOK%\tMEAN\tMEDIAN\tP95\tP99\tSTDDEV\tOPS/S\tFLAGS")
	for _, e := range doc.Entries {
		s := e.Summary
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%.0f\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Operation, e.Engine, e.Concurrency, s.Count, s.Attempted, s.SuccessRate*100,
			ms(s, s.Mean), ms(s, s.Median), ms(s, s.P95), ms(s, s.P99), ms(s, s.StdDev),
			throughput(s), c.flags(e))
	}
	w.Flush()
	fmt.Fprintln(c.w)
}

func (c *Console) flags(e result.Entry) string {
	var f []string
	if e.Aborted {
		f = append(f, c.slower("aborted: "+e.AbortReason))
	} else if e.Unreliable {
		f = append(f, c.warn("unreliable"))
	}
	if e.Timeouts > 0 {
		f = append(f, fmt.Sprintf("timeouts=%d", e.Timeouts))
	}
	if e.CleanupDebt > 0 {
		f = append(f, c.warn(fmt.Sprintf("debt=%d", e.CleanupDebt)))
	}
	if len(e.Anomalies) > 0 {
		f = append(f, fmt.Sprintf("anomalies=%d", len(e.Anomalies)))
	}
	if e.Summary.Excluded > 0 {
		f = append(f, fmt.Sprintf("excluded=%d", e.Summary.Excluded))
	}
	if len(f) == 0 {
		return "-"
	}
	return strings.Join(f, " ")
}

func (c *Console) comparisons(results []compare.Result) {
	w := tabwriter.NewWriter(c.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OPERATION\tCONC\tBASELINE\tCANDIDATE\tRATIO\tDELTA\tVERDICT")
	for _, r := range results {
		ratio := "-"
		if r.Ratio > 0 {
			ratio = fmt.Sprintf("%.3f", r.Ratio)
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			r.Operation, r.Concurrency, r.Baseline, r.Candidate, ratio,
			fmtDelta(r.Delta), c.verdict(r))
	}
	w.Flush()
	fmt.Fprintln(c.w)
}

func (c *Console) verdict(r compare.Result) string {
	switch r.Verdict {
	case compare.Faster:
		return c.faster(string(r.Verdict))
	case compare.Slower:
		return c.slower(string(r.Verdict))
	case compare.Equal:
		return string(r.Verdict)
	}
	if r.Reason != "" {
		return c.neutral(fmt.Sprintf("%s (%s)", r.Verdict, r.Reason))
	}
	return c.neutral(string(r.Verdict))
}

func (c *Console) footer(doc *result.Document) {
	if bad := doc.Unreliable(); len(bad) > 0 {
		fmt.Fprintln(c.w, c.warn(fmt.Sprintf("%d result(s) exceeded the failure threshold or were aborted", len(bad))))
	}
	if doc.CleanupDebt > 0 {
		fmt.Fprintln(c.w, c.warn(fmt.Sprintf("cleanup debt: %d residue item(s) could not be removed", doc.CleanupDebt)))
	}
	if doc.Partial {
		fmt.Fprintln(c.w, c.warn("run was interrupted; results are partial"))
	}
	fmt.Fprintf(c.w, "Finished in %s\n", doc.Duration.Round(time.Millisecond))
}

// Runs lists archived runs.
func (c *Console) Runs(runs []*store.Run) {
	w := tabwriter.NewWriter(c.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tMODE\tSTYLE\tENGINES\tTARGET\tPARTIAL")
	for _, r := range runs {
		partial := ""
		if r.Partial {
			partial = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.CreatedAt.Local().Format(time.DateTime),
			r.Mode, r.Style, strings.Join(r.Engines, ","), r.Target, partial)
	}
	w.Flush()
}

func ms(s stats.Summary, d time.Duration) string {
	if !s.Defined {
		return "-"
	}
	return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
}

func throughput(s stats.Summary) string {
	if !s.Defined || s.Throughput == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f", s.Throughput)
}

func fmtDelta(d time.Duration) string {
	v := float64(d) / float64(time.Millisecond)
	return fmt.Sprintf("%+.2fms", v)
}

func valueOrDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
