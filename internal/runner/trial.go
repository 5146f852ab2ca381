package runner

import (
	"time"

	"github.com/p-arndt/enginebench/internal/engine"
	"github.com/p-arndt/enginebench/internal/operation"
)

// Result classifies one measured trial.
type Result string

const (
	Success Result = "success"
	Failure Result = "failure"
	Timeout Result = "timeout"
)

// Trial is one recorded execution attempt. Immutable once appended to a
// SampleSet.
type Trial struct {
	Attempt  int                      `json:"attempt"`
	Start    time.Time                `json:"start"`
	End      time.Time                `json:"end"`
	Duration time.Duration            `json:"duration"`
	Result   Result                   `json:"result"`
	Stage    string                   `json:"stage,omitempty"`
	Error    string                   `json:"error,omitempty"`
	Snapshot *engine.ResourceSnapshot `json:"snapshot,omitempty"`
	Payload  map[string]any           `json:"payload,omitempty"`
}

// SampleSet holds the measured trials of one (operation, engine,
// concurrency) triple. Durations holds exactly one entry per successful
// trial, in execution order.
type SampleSet struct {
	Operation   string          `json:"operation"`
	Engine      string          `json:"engine"`
	Mode        operation.Mode  `json:"mode"`
	Concurrency int             `json:"concurrency"`
	Requested   int             `json:"requested"`
	Warmup      int             `json:"warmup"`
	Durations   []time.Duration `json:"durations"`
	Trials      []Trial         `json:"trials"`
	Failures    int             `json:"failures"`
	Timeouts    int             `json:"timeouts"`
	CleanupDebt int             `json:"cleanup_debt"`
	Unreliable  bool            `json:"unreliable"`
	Aborted     bool            `json:"aborted"`
	AbortReason string          `json:"abort_reason,omitempty"`
}

// Attempted is the number of measured trials that actually ran.
func (s *SampleSet) Attempted() int { return len(s.Trials) }

// FailureRate is (failures + timeouts) / attempted. An empty set has rate 1.
func (s *SampleSet) FailureRate() float64 {
	if len(s.Trials) == 0 {
		return 1
	}
	return float64(s.Failures+s.Timeouts) / float64(len(s.Trials))
}

func (s *SampleSet) record(t Trial) {
	s.Trials = append(s.Trials, t)
	switch t.Result {
	case Success:
		s.Durations = append(s.Durations, t.Duration)
	case Timeout:
		s.Timeouts++
	default:
		s.Failures++
	}
}

func (s *SampleSet) abort(reason string) {
	s.Aborted = true
	if s.AbortReason == "" {
		s.AbortReason = reason
	}
}
