// Package metrics keeps per-entry polling counters and renders them in the
// Prometheus text exposition format.
package metrics

import (
	"errors"
	"io"
	"slices"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
	"github.com/i474232898/purpleair-aqi/internal/manager"
)

// ContentType is the exposition format written by WriteText.
var ContentType = string(expfmt.NewFormat(expfmt.TypeTextPlain))

const namespace = "purpleair"

type outcomeKey struct {
	entry   string
	outcome string
}

type entrySeries struct {
	aqi         float64
	delta       float64
	hasReading  bool
	interval    float64
	lastSuccess time.Time
	generation  uint64

	durationSum   float64
	durationCount uint64
}

// Recorder collects fetch outcomes. It satisfies scheduler.Observer and
// manager.Listener.
type Recorder struct {
	mu       sync.Mutex
	outcomes map[outcomeKey]float64
	entries  map[string]*entrySeries
}

func NewRecorder() *Recorder {
	return &Recorder{
		outcomes: make(map[outcomeKey]float64),
		entries:  make(map[string]*entrySeries),
	}
}

// series returns the entry's series, creating it. Callers hold r.mu.
func (r *Recorder) series(entry string) *entrySeries {
	s, ok := r.entries[entry]
	if !ok {
		s = &entrySeries{}
		r.entries[entry] = s
	}
	return s
}

func (r *Recorder) FetchSucceeded(entry string, snap *aqi.Snapshot, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.outcomes[outcomeKey{entry, "success"}]++
	s := r.series(entry)
	s.durationSum += took.Seconds()
	s.durationCount++
	if snap != nil && snap.Reading != nil {
		s.aqi = float64(snap.Reading.AQI)
		s.delta = float64(snap.Delta)
		s.hasReading = true
		s.generation = snap.Generation
		s.lastSuccess = snap.Reading.FetchedAt
	}
}

func (r *Recorder) FetchFailed(entry string, err error) {
	outcome := "error"
	var pe *aqi.ProviderError
	if errors.As(err, &pe) {
		outcome = string(pe.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcomeKey{entry, outcome}]++
}

func (r *Recorder) IntervalChanged(entry string, minutes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.series(entry).interval = float64(minutes)
}

func (r *Recorder) InstanceStarted(inst manager.Instance) {
	r.IntervalChanged(inst.Entry.ID, inst.Coordinator.Interval())
}

// InstanceStopped drops the entry's gauges. Counters are kept so totals
// never go backwards.
func (r *Recorder) InstanceStopped(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Families snapshots every metric, sorted by name and label.
func (r *Recorder) Families() []*dto.MetricFamily {
	r.mu.Lock()
	defer r.mu.Unlock()

	fetches := family("fetch_total", "Provider fetches by outcome.", dto.MetricType_COUNTER)
	for k, v := range r.outcomes {
		fetches.Metric = append(fetches.Metric, &dto.Metric{
			Label:   labels("entry", k.entry, "outcome", k.outcome),
			Counter: &dto.Counter{Value: proto.Float64(v)},
		})
	}

	durations := family("fetch_duration_seconds", "Time spent in successful fetches.", dto.MetricType_SUMMARY)
	aqiGauge := family("aqi", "Last AQI value.", dto.MetricType_GAUGE)
	deltaGauge := family("aqi_delta", "Change from the previous AQI value.", dto.MetricType_GAUGE)
	intervalGauge := family("update_interval_minutes", "Polling interval.", dto.MetricType_GAUGE)
	generationGauge := family("generation", "Generation of the cached reading.", dto.MetricType_GAUGE)
	lastSuccess := family("last_success_timestamp_seconds", "Unix time of the last successful fetch.", dto.MetricType_GAUGE)

	for entry, s := range r.entries {
		lbl := labels("entry", entry)
		if s.durationCount > 0 {
			durations.Metric = append(durations.Metric, &dto.Metric{
				Label: lbl,
				Summary: &dto.Summary{
					SampleCount: proto.Uint64(s.durationCount),
					SampleSum:   proto.Float64(s.durationSum),
				},
			})
		}
		if s.interval > 0 {
			intervalGauge.Metric = append(intervalGauge.Metric, gauge(lbl, s.interval))
		}
		if s.hasReading {
			aqiGauge.Metric = append(aqiGauge.Metric, gauge(lbl, s.aqi))
			deltaGauge.Metric = append(deltaGauge.Metric, gauge(lbl, s.delta))
			generationGauge.Metric = append(generationGauge.Metric, gauge(lbl, float64(s.generation)))
			lastSuccess.Metric = append(lastSuccess.Metric, gauge(lbl, float64(s.lastSuccess.Unix())))
		}
	}

	out := []*dto.MetricFamily{fetches, durations, aqiGauge, deltaGauge, intervalGauge, generationGauge, lastSuccess}
	out = slices.DeleteFunc(out, func(mf *dto.MetricFamily) bool { return len(mf.Metric) == 0 })
	for _, mf := range out {
		slices.SortFunc(mf.Metric, compareLabels)
	}
	return out
}

// WriteText renders Families in the text exposition format.
func (r *Recorder) WriteText(w io.Writer) error {
	for _, mf := range r.Families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func family(name, help string, typ dto.MetricType) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(namespace + "_" + name),
		Help: proto.String(help),
		Type: typ.Enum(),
	}
}

func gauge(lbl []*dto.LabelPair, v float64) *dto.Metric {
	return &dto.Metric{Label: lbl, Gauge: &dto.Gauge{Value: proto.Float64(v)}}
}

func labels(kv ...string) []*dto.LabelPair {
	out := make([]*dto.LabelPair, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, &dto.LabelPair{Name: proto.String(kv[i]), Value: proto.String(kv[i+1])})
	}
	return out
}

func compareLabels(a, b *dto.Metric) int {
	for i := 0; i < len(a.Label) && i < len(b.Label); i++ {
		av, bv := a.Label[i].GetValue(), b.Label[i].GetValue()
		if av < bv {
			return -1
		}
		if av > bv {
			return 1
		}
	}
	return len(a.Label) - len(b.Label)
}
