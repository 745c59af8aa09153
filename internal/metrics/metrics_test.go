package metrics

import (
	"bytes"
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
)

func parse(t *testing.T, r *Recorder) map[string]*dto.MetricFamily {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, r.WriteText(&buf))

	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(&buf)
	require.NoError(t, err)
	return mfs
}

func valueFor(mf *dto.MetricFamily, labelValues ...string) (float64, bool) {
	for _, m := range mf.GetMetric() {
		match := len(m.GetLabel()) == len(labelValues)
		for i, lp := range m.GetLabel() {
			if !match || lp.GetValue() != labelValues[i] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		switch {
		case m.Counter != nil:
			return m.Counter.GetValue(), true
		case m.Gauge != nil:
			return m.Gauge.GetValue(), true
		case m.Summary != nil:
			return float64(m.Summary.GetSampleCount()), true
		}
	}
	return 0, false
}

func snapshot(value, delta int, gen uint64, at time.Time) *aqi.Snapshot {
	return &aqi.Snapshot{
		Reading:    &aqi.Reading{AQI: value, Category: aqi.CategoryGood, FetchedAt: at},
		Generation: gen,
		Delta:      delta,
	}
}

func TestRecorderExposition(t *testing.T) {
	r := NewRecorder()
	at := time.Unix(1_700_000_000, 0)

	r.IntervalChanged("home", 10)
	r.FetchSucceeded("home", snapshot(42, 0, 1, at), 120*time.Millisecond)
	r.FetchSucceeded("home", snapshot(55, 13, 2, at.Add(time.Minute)), 80*time.Millisecond)
	r.FetchFailed("home", &aqi.ProviderError{Provider: "purpleair", Kind: aqi.KindAuth, Err: errors.New("403")})
	r.FetchFailed("home", errors.New("boom"))

	mfs := parse(t, r)

	fetches := mfs["purpleair_fetch_total"]
	require.NotNil(t, fetches)
	assert.Equal(t, dto.MetricType_COUNTER, fetches.GetType())
	v, ok := valueFor(fetches, "home", "success")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)
	v, _ = valueFor(fetches, "home", "auth")
	assert.Equal(t, 1.0, v)
	v, _ = valueFor(fetches, "home", "error")
	assert.Equal(t, 1.0, v)

	v, _ = valueFor(mfs["purpleair_aqi"], "home")
	assert.Equal(t, 55.0, v)
	v, _ = valueFor(mfs["purpleair_aqi_delta"], "home")
	assert.Equal(t, 13.0, v)
	v, _ = valueFor(mfs["purpleair_update_interval_minutes"], "home")
	assert.Equal(t, 10.0, v)
	v, _ = valueFor(mfs["purpleair_generation"], "home")
	assert.Equal(t, 2.0, v)
	v, _ = valueFor(mfs["purpleair_last_success_timestamp_seconds"], "home")
	assert.Equal(t, float64(at.Add(time.Minute).Unix()), v)

	durations := mfs["purpleair_fetch_duration_seconds"]
	require.NotNil(t, durations)
	assert.Equal(t, uint64(2), durations.GetMetric()[0].GetSummary().GetSampleCount())
	assert.InDelta(t, 0.2, durations.GetMetric()[0].GetSummary().GetSampleSum(), 1e-9)
}

func TestInstanceStoppedDropsGauges(t *testing.T) {
	r := NewRecorder()
	r.FetchSucceeded("home", snapshot(42, 0, 1, time.Now()), time.Millisecond)
	r.InstanceStopped("home")

	mfs := parse(t, r)
	assert.Nil(t, mfs["purpleair_aqi"])
	assert.NotNil(t, mfs["purpleair_fetch_total"], "counters survive teardown")
}

func TestEmptyRecorderWritesNothing(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewRecorder().WriteText(&buf))
	assert.Empty(t, buf.String())
}

func TestMetricsAreSorted(t *testing.T) {
	r := NewRecorder()
	for _, entry := range []string{"c", "a", "b"} {
		r.IntervalChanged(entry, 5)
	}
	fams := r.Families()
	require.Len(t, fams, 1)
	var got []string
	for _, m := range fams[0].GetMetric() {
		got = append(got, m.GetLabel()[0].GetValue())
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
