package stats

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ms(v ...int) []time.Duration {
	out := make([]time.Duration, len(v))
	for i, x := range v {
		out[i] = time.Duration(x) * time.Millisecond
	}
	return out
}

func TestSummarizeBasic(t *testing.T) {
	s := Summarize(ms(10, 20, 30, 40, 50), 5, OutlierPolicy{})

	require.True(t, s.Defined)
	assert.Equal(t, 5, s.Count)
	assert.Equal(t, 30*time.Millisecond, s.Mean)
	assert.Equal(t, 30*time.Millisecond, s.Median)
	assert.Equal(t, 10*time.Millisecond, s.Min)
	assert.Equal(t, 50*time.Millisecond, s.Max)
	assert.Equal(t, 1.0, s.SuccessRate)
	assert.InDelta(t, float64(15811388*time.Nanosecond), float64(s.StdDev), float64(time.Microsecond))
	assert.InDelta(t, 5/0.15, s.Throughput, 0.001)
}

func TestSummarizeMeanWithinBounds(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		n := r.Intn(50) + 1
		v := make([]time.Duration, n)
		for j := range v {
			v[j] = time.Duration(r.Int63n(int64(time.Second)))
		}
		s := Summarize(v, n, OutlierPolicy{})
		require.True(t, s.Defined)
		assert.GreaterOrEqual(t, s.Mean, s.Min)
		assert.LessOrEqual(t, s.Mean, s.Max)
	}
}

func TestSummarizeNoSamples(t *testing.T) {
	s := Summarize(nil, 4, OutlierPolicy{})

	assert.False(t, s.Defined)
	assert.Equal(t, 0, s.Count)
	assert.Equal(t, 4, s.Attempted)
	assert.Equal(t, 0.0, s.SuccessRate)
	assert.Zero(t, s.Throughput)

	s = Summarize(nil, 0, OutlierPolicy{})
	assert.False(t, s.Defined)
	assert.Equal(t, 0.0, s.SuccessRate)
}

func TestSummarizeSuccessRate(t *testing.T) {
	s := Summarize(ms(5, 6, 7), 6, OutlierPolicy{})
	assert.InDelta(t, 0.5, s.SuccessRate, 1e-9)
}

func TestPercentilesOrderIndependent(t *testing.T) {
	base := ms(12, 3, 44, 8, 19, 27, 5, 31, 16, 2, 90, 11)
	want := Summarize(base, len(base), OutlierPolicy{})

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		shuffled := append([]time.Duration(nil), base...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Summarize(shuffled, len(shuffled), OutlierPolicy{})
		assert.Equal(t, want.P50, got.P50)
		assert.Equal(t, want.P90, got.P90)
		assert.Equal(t, want.P95, got.P95)
		assert.Equal(t, want.P99, got.P99)
		assert.Equal(t, want.Median, got.Median)
	}
}

func TestNearestRank(t *testing.T) {
	sorted := ms(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	tests := []struct {
		p    float64
		want time.Duration
	}{
		{0, 1 * time.Millisecond},
		{10, 1 * time.Millisecond},
		{11, 2 * time.Millisecond},
		{50, 5 * time.Millisecond},
		{90, 9 * time.Millisecond},
		{99, 10 * time.Millisecond},
		{100, 10 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NearestRank(sorted, tt.p), "p=%v", tt.p)
	}
	assert.Zero(t, NearestRank(nil, 50))
}

func TestSummarizeDoesNotMutateInput(t *testing.T) {
	in := ms(30, 10, 20)
	Summarize(in, 3, OutlierPolicy{})
	assert.Equal(t, ms(30, 10, 20), in)
}

func TestOutlierPolicy(t *testing.T) {
	in := ms(10, 10, 10, 10, 10, 10, 10, 10, 10, 500)

	off := Summarize(in, len(in), OutlierPolicy{})
	assert.Equal(t, 0, off.Excluded)
	assert.Equal(t, 500*time.Millisecond, off.Max)

	on := Summarize(in, len(in), OutlierPolicy{Sigma: 2})
	assert.Equal(t, 1, on.Excluded)
	assert.Equal(t, 9, on.Count)
	assert.Equal(t, 10*time.Millisecond, on.Max)
	assert.Equal(t, 1.0, on.SuccessRate)
}

func TestOutlierBandExcludingEverythingIsIgnored(t *testing.T) {
	in := ms(1, 1, 3, 3)

	s := Summarize(in, len(in), OutlierPolicy{Sigma: 0.1})
	require.True(t, s.Defined)
	assert.Equal(t, 4, s.Count)
	assert.Equal(t, 0, s.Excluded)
	assert.Equal(t, 2*time.Millisecond, s.Mean)
	assert.Equal(t, 1.0, s.SuccessRate)
}

func TestSingleSample(t *testing.T) {
	s := Summarize(ms(42), 1, OutlierPolicy{})
	require.True(t, s.Defined)
	assert.Equal(t, time.Duration(0), s.StdDev)
	assert.Equal(t, 42*time.Millisecond, s.P99)
	assert.Equal(t, ShapeUnknown, s.Shape.Class)
}

func TestAnomalies(t *testing.T) {
	in := ms(10, 11, 9, 10, 12, 10, 9, 11, 10, 10, 11, 9, 400)
	assert.Equal(t, []int{12}, Anomalies(in, 3))
	assert.Nil(t, Anomalies(ms(1, 1, 1), 3))
	assert.Nil(t, Anomalies(in, 0))
}

func TestShapeRightSkewed(t *testing.T) {
	in := ms(1, 1, 1, 1, 1, 1, 1, 2, 2, 3, 50)
	s := Summarize(in, len(in), OutlierPolicy{})
	assert.Equal(t, ShapeRight, s.Shape.Class)
	assert.Greater(t, s.Shape.Skewness, 1.0)
}

func TestUndefinedSummaryMarshalsNull(t *testing.T) {
	data, err := json.Marshal(Summarize(nil, 3, OutlierPolicy{}))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, false, m["defined"])
	assert.Nil(t, m["mean"])
	assert.Nil(t, m["p99"])
	assert.Contains(t, m, "mean")
	assert.Equal(t, float64(3), m["attempted"])

	data, err = json.Marshal(Summarize(ms(5), 1, OutlierPolicy{}))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, float64(5*time.Millisecond), m["mean"])
}
