package stats

import (
	"math"
	"time"
)

// Shape describes the distribution of a sample set.
type Shape struct {
	Skewness       float64 `json:"skewness"`
	ExcessKurtosis float64 `json:"excess_kurtosis"`
	Class          string  `json:"class"`
}

const (
	ShapeUnknown  = "insufficient_data"
	ShapeNormal   = "approximately_normal"
	ShapeRight    = "right_skewed"
	ShapeLeft     = "left_skewed"
	ShapeHeavy    = "heavy_tailed"
	ShapeUniform  = "light_tailed"
	minShapeCount = 4
)

func classify(v []time.Duration, mean, sd float64) Shape {
	if len(v) < minShapeCount || sd == 0 {
		return Shape{Class: ShapeUnknown}
	}
	var m3, m4 float64
	for _, d := range v {
		z := (float64(d) - mean) / sd
		m3 += z * z * z
		m4 += z * z * z * z
	}
	n := float64(len(v))
	sh := Shape{
		Skewness:       m3 / n,
		ExcessKurtosis: m4/n - 3,
	}
	switch {
	case sh.Skewness > 1:
		sh.Class = ShapeRight
	case sh.Skewness < -1:
		sh.Class = ShapeLeft
	case sh.ExcessKurtosis > 1:
		sh.Class = ShapeHeavy
	case sh.ExcessKurtosis < -1:
		sh.Class = ShapeUniform
	default:
		sh.Class = ShapeNormal
	}
	return sh
}

// Anomalies returns the indexes of samples farther than sigma standard
// deviations from the mean, in input order. Nothing is removed.
func Anomalies(v []time.Duration, sigma float64) []int {
	if len(v) < 3 || sigma <= 0 {
		return nil
	}
	mean, sd := meanStdDev(v)
	if sd == 0 {
		return nil
	}
	var idx []int
	for i, d := range v {
		if math.Abs(float64(d)-mean) > sigma*sd {
			idx = append(idx, i)
		}
	}
	return idx
}
