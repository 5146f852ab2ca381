// Package result defines the structured document handed to reporters and
// the archive. Reporters compute nothing; everything they show is here.
package result

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/enginebench/internal/compare"
	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/envinfo"
	"github.com/p-arndt/enginebench/internal/operation"
	"github.com/p-arndt/enginebench/internal/runner"
	"github.com/p-arndt/enginebench/internal/stats"
)

const SchemaVersion = 1

// Request echoes the run request that produced a document.
type Request struct {
	Mode       string   `json:"mode"`
	Style      string   `json:"style"`
	Engines    []string `json:"engines"`
	Operation  string   `json:"operation,omitempty"`
	Suite      string   `json:"suite,omitempty"`
	Iterations int      `json:"iterations"`
	Warmup     int      `json:"warmup"`
	Timeout    string   `json:"timeout"`
	Levels     []int    `json:"concurrency_levels"`
	Parallel   bool     `json:"parallel_engines"`
	Baseline   string   `json:"baseline,omitempty"`
	Image      string   `json:"image,omitempty"`
	Outliers   float64  `json:"outlier_sigma,omitempty"`
	Threshold  float64  `json:"failure_threshold"`
	Validity   float64  `json:"validity_threshold"`
	MinSamples int      `json:"min_samples"`
}

// Entry is everything known about one (operation, engine, concurrency).
type Entry struct {
	Operation   string          `json:"operation"`
	Engine      string          `json:"engine"`
	Category    string          `json:"category"`
	Mode        operation.Mode  `json:"mode"`
	Concurrency int             `json:"concurrency"`
	Summary     stats.Summary   `json:"summary"`
	Durations   []time.Duration `json:"durations_ns"`
	Anomalies   []int           `json:"anomalies,omitempty"`
	Requested   int             `json:"requested"`
	Warmup      int             `json:"warmup"`
	Failures    int             `json:"failures"`
	Timeouts    int             `json:"timeouts"`
	CleanupDebt int             `json:"cleanup_debt"`
	Unreliable  bool            `json:"unreliable"`
	Aborted     bool            `json:"aborted"`
	AbortReason string          `json:"abort_reason,omitempty"`
	Trials      []runner.Trial  `json:"trials"`
}

// Document is the outbound result of one run.
type Document struct {
	Schema       int                       `json:"schema"`
	ID           string                    `json:"id"`
	GeneratedAt  time.Time                 `json:"generated_at"`
	Duration     time.Duration             `json:"duration"`
	Host         envinfo.Info              `json:"host"`
	Request      Request                   `json:"request"`
	Engines      map[string]*engine.Handle `json:"engines"`
	EngineErrors map[string]string         `json:"engine_errors,omitempty"`
	Entries      []Entry                   `json:"entries"`
	Comparisons  []compare.Result          `json:"comparisons,omitempty"`
	CleanupDebt  int                       `json:"cleanup_debt"`
	Partial      bool                      `json:"partial"`
}

// Options control how sample sets are reduced into a document.
type Options struct {
	Outliers   stats.OutlierPolicy
	Compare    compare.Config
	Comparison bool
	// AnomalySigma flags, without removing, samples beyond this many
	// standard deviations. Zero disables.
	AnomalySigma float64
}

// Build reduces a suite result into a document.
func Build(req Request, host envinfo.Info, specs map[string]operation.Spec, res *runner.SuiteResult, opts Options) *Document {
	doc := &Document{
		Schema:       SchemaVersion,
		ID:           uuid.NewString(),
		GeneratedAt:  time.Now().UTC(),
		Duration:     res.Finished.Sub(res.Started),
		Host:         host,
		Request:      req,
		Engines:      res.Handles,
		EngineErrors: res.EngineErrors,
		Entries:      []Entry{},
		Partial:      res.Partial,
		CleanupDebt:  res.LateDebt,
	}

	var cmp []compare.Entry
	for _, set := range res.Sets {
		e := Entry{
			Operation:   set.Operation,
			Engine:      set.Engine,
			Category:    string(specs[set.Operation].Category),
			Mode:        set.Mode,
			Concurrency: set.Concurrency,
			Summary:     stats.Summarize(set.Durations, set.Attempted(), opts.Outliers),
			Durations:   set.Durations,
			Anomalies:   stats.Anomalies(set.Durations, opts.AnomalySigma),
			Requested:   set.Requested,
			Warmup:      set.Warmup,
			Failures:    set.Failures,
			Timeouts:    set.Timeouts,
			CleanupDebt: set.CleanupDebt,
			Unreliable:  set.Unreliable,
			Aborted:     set.Aborted,
			AbortReason: set.AbortReason,
			Trials:      set.Trials,
		}
		doc.Entries = append(doc.Entries, e)
		doc.CleanupDebt += set.CleanupDebt
		cmp = append(cmp, compare.Entry{
			Operation:   e.Operation,
			Engine:      e.Engine,
			Mode:        e.Mode,
			Concurrency: e.Concurrency,
			Summary:     e.Summary,
		})
	}

	if opts.Comparison {
		doc.Comparisons = compare.All(cmp, opts.Compare)
	}
	return doc
}

// Unreliable returns the entries flagged unreliable or aborted.
func (d *Document) Unreliable() []Entry {
	var out []Entry
	for _, e := range d.Entries {
		if e.Unreliable || e.Aborted {
			out = append(out, e)
		}
	}
	return out
}

func (d *Document) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

func Decode(r io.Reader) (*Document, error) {
	var d Document
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	if d.Schema != SchemaVersion {
		return nil, fmt.Errorf("decode result: unsupported schema %d", d.Schema)
	}
	return &d, nil
}
