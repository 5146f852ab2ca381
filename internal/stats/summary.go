// Package stats reduces measured trial durations into summary statistics.
package stats

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// OutlierPolicy controls explicit outlier exclusion. A zero Sigma disables it.
type OutlierPolicy struct {
	Sigma float64 `json:"sigma" yaml:"sigma"`
}

// Summary is a read-only reduction of a set of successful durations.
//
// When Defined is false no sample survived and every statistic is
// meaningless; consumers must check Defined before using any of them.
type Summary struct {
	Defined     bool          `json:"defined"`
	Count       int           `json:"count"`
	Attempted   int           `json:"attempted"`
	Excluded    int           `json:"excluded"`
	SuccessRate float64       `json:"success_rate"`
	Mean        time.Duration `json:"mean"`
	Median      time.Duration `json:"median"`
	StdDev      time.Duration `json:"stddev"`
	Min         time.Duration `json:"min"`
	Max         time.Duration `json:"max"`
	P50         time.Duration `json:"p50"`
	P90         time.Duration `json:"p90"`
	P95         time.Duration `json:"p95"`
	P99         time.Duration `json:"p99"`
	// Throughput is successful operations per second of summed busy time.
	Throughput float64 `json:"throughput"`
	Shape      Shape   `json:"shape"`
}

// Summarize computes a fresh Summary. attempted is the number of measured
// trials (successes, failures and timeouts) and is the success-rate
// denominator. The input slice is never modified.
func Summarize(durations []time.Duration, attempted int, policy OutlierPolicy) Summary {
	s := Summary{Attempted: attempted}

	kept := durations
	if policy.Sigma > 0 && len(durations) > 2 {
		// a band tight enough to exclude everything is ignored
		if k := excludeOutliers(durations, policy.Sigma); len(k) > 0 {
			kept = k
			s.Excluded = len(durations) - len(kept)
		}
	}

	if attempted > 0 {
		s.SuccessRate = float64(len(durations)) / float64(attempted)
	}
	if len(kept) == 0 {
		return s
	}

	sorted := make([]time.Duration, len(kept))
	copy(sorted, kept)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mean, sd := meanStdDev(sorted)
	var total time.Duration
	for _, d := range sorted {
		total += d
	}

	s.Defined = true
	s.Count = len(sorted)
	s.Mean = time.Duration(math.Round(mean))
	s.StdDev = time.Duration(math.Round(sd))
	s.Min = sorted[0]
	s.Max = sorted[len(sorted)-1]
	s.P50 = NearestRank(sorted, 50)
	s.P90 = NearestRank(sorted, 90)
	s.P95 = NearestRank(sorted, 95)
	s.P99 = NearestRank(sorted, 99)
	s.Median = s.P50
	if total > 0 {
		s.Throughput = float64(len(sorted)) / total.Seconds()
	}
	s.Shape = classify(sorted, mean, sd)
	return s
}

// NearestRank returns the p-th percentile of an ascending slice using the
// nearest-rank method: the value at 1-based rank ceil(p/100 * n).
func NearestRank(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(p * float64(n) / 100))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

func meanStdDev(v []time.Duration) (float64, float64) {
	var sum float64
	for _, d := range v {
		sum += float64(d)
	}
	mean := sum / float64(len(v))
	if len(v) < 2 {
		return mean, 0
	}
	var sq float64
	for _, d := range v {
		diff := float64(d) - mean
		sq += diff * diff
	}
	return mean, math.Sqrt(sq / float64(len(v)-1))
}

func excludeOutliers(v []time.Duration, sigma float64) []time.Duration {
	mean, sd := meanStdDev(v)
	if sd == 0 {
		return v
	}
	limit := sigma * sd
	out := make([]time.Duration, 0, len(v))
	for _, d := range v {
		if math.Abs(float64(d)-mean) <= limit {
			out = append(out, d)
		}
	}
	return out
}

// MarshalJSON renders the statistics of an undefined summary as null so
// consumers cannot mistake them for zero durations.
func (s Summary) MarshalJSON() ([]byte, error) {
	type plain Summary
	if s.Defined {
		return json.Marshal(plain(s))
	}
	return json.Marshal(struct {
		Defined     bool     `json:"defined"`
		Count       int      `json:"count"`
		Attempted   int      `json:"attempted"`
		Excluded    int      `json:"excluded"`
		SuccessRate float64  `json:"success_rate"`
		Mean        *float64 `json:"mean"`
		Median      *float64 `json:"median"`
		StdDev      *float64 `json:"stddev"`
		Min         *float64 `json:"min"`
		Max         *float64 `json:"max"`
		P50         *float64 `json:"p50"`
		P90         *float64 `json:"p90"`
		P95         *float64 `json:"p95"`
		P99         *float64 `json:"p99"`
		Throughput  *float64 `json:"throughput"`
	}{
		Count:       s.Count,
		Attempted:   s.Attempted,
		Excluded:    s.Excluded,
		SuccessRate: s.SuccessRate,
	})
}
