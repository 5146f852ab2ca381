// Package compare aligns summaries of the same operation across engines.
package compare

import (
	"fmt"
	"math"
	"time"

	"github.com/p-arndt/enginebench/internal/operation"
	"github.com/p-arndt/enginebench/internal/stats"
)

type Verdict string

const (
	Faster       Verdict = "faster"
	Slower       Verdict = "slower"
	Equal        Verdict = "equal"
	Inconclusive Verdict = "inconclusive"
)

const (
	DefaultValidityThreshold = 0.5
	DefaultMinSamples        = 1
	DefaultEqualBand         = 0.02
)

// Config holds comparison thresholds. Zero MinSamples and EqualBand take
// the defaults. ValidityThreshold is used as given, so zero disables the
// success-rate gate.
type Config struct {
	ValidityThreshold float64 `yaml:"validity_threshold" json:"validity_threshold"`
	MinSamples        int     `yaml:"min_samples" json:"min_samples"`
	EqualBand         float64 `yaml:"equal_band" json:"equal_band"`
	// Baseline, when set and present, is compared against every other
	// engine instead of forming every ordered pair.
	Baseline string `yaml:"baseline" json:"baseline,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.EqualBand <= 0 {
		c.EqualBand = DefaultEqualBand
	}
	return c
}

// Entry is one engine's summary for an operation at a concurrency level.
type Entry struct {
	Operation   string
	Engine      string
	Mode        operation.Mode
	Concurrency int
	Summary     stats.Summary
}

// Result compares candidate B against baseline A. Ratio is B.mean/A.mean.
type Result struct {
	Operation   string         `json:"operation"`
	Mode        operation.Mode `json:"mode"`
	Concurrency int            `json:"concurrency"`
	Baseline    string         `json:"baseline"`
	Candidate   string         `json:"candidate"`
	Ratio       float64        `json:"ratio"`
	Delta       time.Duration  `json:"delta"`
	Valid       bool           `json:"valid"`
	Reason      string         `json:"reason,omitempty"`
	Verdict     Verdict        `json:"verdict"`
}

// Pair compares b against a.
func Pair(a, b Entry, cfg Config) Result {
	cfg = cfg.withDefaults()
	r := Result{
		Operation:   a.Operation,
		Mode:        a.Mode,
		Concurrency: a.Concurrency,
		Baseline:    a.Engine,
		Candidate:   b.Engine,
		Verdict:     Inconclusive,
	}

	if a.Summary.Defined && b.Summary.Defined {
		r.Delta = b.Summary.Mean - a.Summary.Mean
		if a.Summary.Mean > 0 {
			r.Ratio = float64(b.Summary.Mean) / float64(a.Summary.Mean)
		}
	}

	r.Reason = invalidReason(a, b, cfg)
	if r.Reason != "" {
		return r
	}
	r.Valid = true

	switch {
	case math.Abs(r.Ratio-1) <= cfg.EqualBand:
		r.Verdict = Equal
	case r.Ratio < 1:
		r.Verdict = Faster
	default:
		r.Verdict = Slower
	}
	return r
}

func invalidReason(a, b Entry, cfg Config) string {
	switch {
	case a.Operation != b.Operation:
		return "operation mismatch"
	case a.Mode != b.Mode:
		return "mode mismatch"
	case a.Concurrency != b.Concurrency:
		return "concurrency mismatch"
	}
	for _, e := range []Entry{a, b} {
		s := e.Summary
		switch {
		case !s.Defined:
			return fmt.Sprintf("%s has no successful samples", e.Engine)
		case s.SuccessRate < cfg.ValidityThreshold:
			return fmt.Sprintf("%s success rate %.0f%% below %.0f%%", e.Engine, s.SuccessRate*100, cfg.ValidityThreshold*100)
		case s.Count < cfg.MinSamples:
			return fmt.Sprintf("%s has %d samples, need %d", e.Engine, s.Count, cfg.MinSamples)
		}
	}
	if a.Summary.Mean <= 0 {
		return fmt.Sprintf("%s mean is zero", a.Engine)
	}
	return ""
}

// All compares entries that share operation, mode and concurrency. With a
// baseline present in a group, each other engine is compared against it;
// otherwise every ordered pair is produced. Group order follows entries.
func All(entries []Entry, cfg Config) []Result {
	type groupKey struct {
		op   string
		mode operation.Mode
		conc int
	}
	var (
		order  []groupKey
		groups = make(map[groupKey][]Entry)
	)
	for _, e := range entries {
		k := groupKey{e.Operation, e.Mode, e.Concurrency}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	var out []Result
	for _, k := range order {
		g := groups[k]
		if len(g) < 2 {
			continue
		}
		if base, ok := find(g, cfg.Baseline); ok {
			for _, e := range g {
				if e.Engine != base.Engine {
					out = append(out, Pair(base, e, cfg))
				}
			}
			continue
		}
		for i := range g {
			for j := range g {
				if i != j {
					out = append(out, Pair(g[i], g[j], cfg))
				}
			}
		}
	}
	return out
}

func find(g []Entry, engine string) (Entry, bool) {
	if engine == "" {
		return Entry{}, false
	}
	for _, e := range g {
		if e.Engine == engine {
			return e, true
		}
	}
	return Entry{}, false
}
