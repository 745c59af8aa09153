package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
	"github.com/i474232898/purpleair-aqi/internal/aqi/providers"
	"github.com/i474232898/purpleair-aqi/internal/entrystore"
	"github.com/i474232898/purpleair-aqi/internal/scheduler"
)

// scriptedProvider returns readings from values in order, repeating the last.
type scriptedProvider struct {
	mu      sync.Mutex
	values  []int
	err     error
	calls   int
	configs []aqi.ProviderConfig

	// gate, when set, holds every fetch until it is closed.
	gate    chan struct{}
	entered chan struct{}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Fetch(ctx context.Context, cfg aqi.ProviderConfig) (aqi.Reading, error) {
	p.mu.Lock()
	gate, entered := p.gate, p.entered
	p.mu.Unlock()
	if gate != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return aqi.Reading{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.configs = append(p.configs, cfg)
	if p.err != nil {
		return aqi.Reading{}, p.err
	}
	i := min(p.calls-1, len(p.values)-1)
	return aqi.Reading{AQI: p.values[i], Category: aqi.CategoryGood}, nil
}

// hold makes later fetches block until the returned channel is closed.
func (p *scriptedProvider) hold() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = make(chan struct{})
	p.entered = make(chan struct{}, 1)
	return p.gate
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *scriptedProvider) LastConfig() aqi.ProviderConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configs[len(p.configs)-1]
}

type fakeGeocoder struct {
	lat, lon float64
	err      error
	got      providers.Place
}

func (g *fakeGeocoder) Resolve(_ context.Context, p providers.Place) (float64, float64, error) {
	g.got = p
	return g.lat, g.lon, g.err
}

type recordingListener struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (l *recordingListener) InstanceStarted(inst Instance) {
	l.mu.Lock()
	l.started = append(l.started, inst.Entry.ID)
	l.mu.Unlock()
}

func (l *recordingListener) InstanceStopped(id string) {
	l.mu.Lock()
	l.stopped = append(l.stopped, id)
	l.mu.Unlock()
}

func testData() entrystore.Data {
	d := entrystore.DefaultData()
	d.APIKey = "key"
	d.Latitude = 47.6
	d.Longitude = -122.3
	return d
}

func newTestManager(t *testing.T, p *scriptedProvider, opts ...Option) (*Manager, entrystore.Store) {
	t.Helper()
	st, err := entrystore.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	m := New(st, func() aqi.Provider { return p }, opts...)
	t.Cleanup(m.Shutdown)
	return m, st
}

func addEntry(t *testing.T, m *Manager, data entrystore.Data) entrystore.Entry {
	t.Helper()
	e, err := m.AddEntry(context.Background(), "Home", data)
	require.NoError(t, err)
	return e
}

func TestAddEntryStartsPolling(t *testing.T) {
	p := &scriptedProvider{values: []int{42}}
	m, st := newTestManager(t, p)
	e := addEntry(t, m, testData())

	inst, err := m.Get(e.ID)
	require.NoError(t, err)
	v := inst.Coordinator.Views()
	assert.Equal(t, 42, *v.AQI)
	assert.Equal(t, "online", v.HealthStatus)

	stored, err := st.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, "Home", stored.Title)

	interval, err := m.CurrentInterval(e.ID)
	require.NoError(t, err)
	assert.Equal(t, aqi.DefaultIntervalMinutes, interval)
}

func TestAddEntryRollsBackOnFailedFirstFetch(t *testing.T) {
	p := &scriptedProvider{err: &aqi.ProviderError{Provider: "scripted", Kind: aqi.KindAuth, Err: errors.New("bad key")}}
	m, st := newTestManager(t, p)

	_, err := m.AddEntry(context.Background(), "Home", testData())
	require.Error(t, err)
	assert.True(t, aqi.IsProviderError(err))

	entries, err := st.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, m.List())
}

func TestSetupRejectsInvalidData(t *testing.T) {
	p := &scriptedProvider{values: []int{1}}
	m, _ := newTestManager(t, p)

	d := testData()
	d.UpdateInterval = 0
	err := m.Setup(context.Background(), entrystore.NewEntry("bad", d))
	assert.True(t, aqi.IsConfigError(err))
	assert.Equal(t, 0, p.Calls())
}

func TestRequestIntervalChange(t *testing.T) {
	p := &scriptedProvider{values: []int{42, 55}}
	m, st := newTestManager(t, p)
	e := addEntry(t, m, testData())

	got, err := m.RequestIntervalChange(context.Background(), e.ID, 15)
	require.NoError(t, err)
	assert.Equal(t, 15, got)

	current, err := m.CurrentInterval(e.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, current)

	stored, err := st.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, stored.Data.UpdateInterval)

	inst, err := m.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, inst.Coordinator.Interval())

	require.Eventually(t, func() bool { return p.Calls() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		v := inst.Coordinator.Views()
		return v.Delta != nil && *v.Delta == 13
	}, time.Second, 5*time.Millisecond)
}

func TestRequestIntervalChangeRejectsOutOfRange(t *testing.T) {
	p := &scriptedProvider{values: []int{42}}
	m, st := newTestManager(t, p)
	e := addEntry(t, m, testData())

	for _, minutes := range []int{0, 61, -1} {
		_, err := m.RequestIntervalChange(context.Background(), e.ID, minutes)
		var cfgErr *aqi.ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, minutes, cfgErr.Value)
	}

	stored, err := st.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, aqi.DefaultIntervalMinutes, stored.Data.UpdateInterval)

	current, err := m.CurrentInterval(e.ID)
	require.NoError(t, err)
	assert.Equal(t, aqi.DefaultIntervalMinutes, current)
}

func TestRequestIntervalChangeRestoresOnApplyFailure(t *testing.T) {
	p := &scriptedProvider{values: []int{42}}
	m, st := newTestManager(t, p)
	e := addEntry(t, m, testData())

	inst, err := m.Get(e.ID)
	require.NoError(t, err)
	inst.Coordinator.Stop()

	_, err = m.RequestIntervalChange(context.Background(), e.ID, 15)
	assert.ErrorIs(t, err, scheduler.ErrStopped)

	stored, err := st.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, aqi.DefaultIntervalMinutes, stored.Data.UpdateInterval)

	current, err := m.CurrentInterval(e.ID)
	require.NoError(t, err)
	assert.Equal(t, aqi.DefaultIntervalMinutes, current)
}

// within fails the test if fn has not returned after d.
func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s blocked behind another entry's setup", what)
	}
}

func TestSlowSetupDoesNotBlockOtherEntries(t *testing.T) {
	p := &scriptedProvider{values: []int{42}}
	m, _ := newTestManager(t, p)
	a := addEntry(t, m, testData())

	gate := p.hold()
	released := false
	release := func() {
		if !released {
			released = true
			close(gate)
		}
	}
	t.Cleanup(release)

	added := make(chan error, 1)
	go func() {
		_, err := m.AddEntry(context.Background(), "Office", testData())
		added <- err
	}()
	select {
	case <-p.entered:
	case <-time.After(time.Second):
		t.Fatal("second entry never reached its first fetch")
	}

	const limit = 200 * time.Millisecond
	within(t, limit, "Get", func() {
		_, err := m.Get(a.ID)
		assert.NoError(t, err)
	})
	within(t, limit, "CurrentInterval", func() {
		minutes, err := m.CurrentInterval(a.ID)
		assert.NoError(t, err)
		assert.Equal(t, aqi.DefaultIntervalMinutes, minutes)
	})
	within(t, limit, "List", func() {
		assert.Len(t, m.List(), 1)
	})
	within(t, limit, "RequestIntervalChange", func() {
		minutes, err := m.RequestIntervalChange(context.Background(), a.ID, 15)
		assert.NoError(t, err)
		assert.Equal(t, 15, minutes)
	})

	release()
	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second entry did not finish setup")
	}
	assert.Len(t, m.List(), 2)
}

func TestUnknownEntry(t *testing.T) {
	m, _ := newTestManager(t, &scriptedProvider{values: []int{1}})

	_, err := m.RequestIntervalChange(context.Background(), "nope", 5)
	assert.ErrorIs(t, err, ErrUnknownEntry)
	_, err = m.CurrentInterval("nope")
	assert.ErrorIs(t, err, ErrUnknownEntry)
	_, err = m.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownEntry)
	assert.ErrorIs(t, m.Teardown("nope"), ErrUnknownEntry)
}

func TestSetupGeocodesLocation(t *testing.T) {
	p := &scriptedProvider{values: []int{20}}
	geo := &fakeGeocoder{lat: 45.52, lon: -122.68}
	m, _ := newTestManager(t, p, WithGeocoder(geo))

	d := testData()
	d.Location = &entrystore.Location{City: "Portland", State: "OR", Country: "US"}
	addEntry(t, m, d)

	assert.Equal(t, "Portland", geo.got.City)
	cfg := p.LastConfig()
	assert.Equal(t, 45.52, cfg.Latitude)
	assert.Equal(t, -122.68, cfg.Longitude)
}

func TestSetupWithLocationNeedsGeocoder(t *testing.T) {
	p := &scriptedProvider{values: []int{20}}
	m, _ := newTestManager(t, p)

	d := testData()
	d.Location = &entrystore.Location{City: "Portland", Country: "US"}
	err := m.Setup(context.Background(), entrystore.NewEntry("x", d))
	assert.ErrorIs(t, err, ErrNoGeocoder)
	assert.Equal(t, 0, p.Calls())
}

func TestTeardownKeepsDeltaBaseline(t *testing.T) {
	p := &scriptedProvider{values: []int{42, 50}}
	m, _ := newTestManager(t, p)
	e := addEntry(t, m, testData())

	inst, err := m.Get(e.ID)
	require.NoError(t, err)
	require.NoError(t, m.Teardown(e.ID))
	assert.Equal(t, "offline", inst.Coordinator.Views().HealthStatus)

	require.NoError(t, m.Setup(context.Background(), e))
	inst, err = m.Get(e.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, *inst.Coordinator.Views().Delta)
}

func TestReload(t *testing.T) {
	p := &scriptedProvider{values: []int{42, 47, 60}}
	m, _ := newTestManager(t, p)
	keep := addEntry(t, m, testData())
	drop := addEntry(t, m, testData())

	before, err := m.Get(keep.ID)
	require.NoError(t, err)

	intervalOnly := keep
	intervalOnly.Data.UpdateInterval = 30
	require.NoError(t, m.Reload(context.Background(), []entrystore.Entry{intervalOnly}))

	after, err := m.Get(keep.ID)
	require.NoError(t, err)
	assert.Same(t, before.Coordinator, after.Coordinator, "interval-only edits keep the coordinator")
	assert.Equal(t, 30, after.Coordinator.Interval())
	// The interval change triggers a refresh; let it land before rebuilding.
	require.Eventually(t, func() bool { return p.Calls() == 3 }, time.Second, 5*time.Millisecond)

	_, err = m.Get(drop.ID)
	assert.ErrorIs(t, err, ErrUnknownEntry)

	changed := intervalOnly
	changed.Data.Conversion = "LRAPA"
	require.NoError(t, m.Reload(context.Background(), []entrystore.Entry{changed}))

	rebuilt, err := m.Get(keep.ID)
	require.NoError(t, err)
	assert.NotSame(t, before.Coordinator, rebuilt.Coordinator)
	assert.Equal(t, "LRAPA", p.LastConfig().Conversion)
}

func TestListenersSeeLifecycle(t *testing.T) {
	p := &scriptedProvider{values: []int{42}}
	m, _ := newTestManager(t, p)
	first := addEntry(t, m, testData())

	l := &recordingListener{}
	m.AddListener(l)
	second := addEntry(t, m, testData())
	require.NoError(t, m.RemoveEntry(context.Background(), first.ID))

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, []string{first.ID, second.ID}, l.started, "existing instances are replayed")
	assert.Equal(t, []string{first.ID}, l.stopped)
}

func TestLoadAllSkipsFailures(t *testing.T) {
	p := &scriptedProvider{values: []int{42}}
	m, st := newTestManager(t, p)
	ctx := context.Background()

	good := entrystore.NewEntry("good", testData())
	located := testData()
	located.Location = &entrystore.Location{City: "Nowhere", Country: "XX"}
	bad := entrystore.NewEntry("needs geocoder", located)
	require.NoError(t, st.Create(ctx, good))
	require.NoError(t, st.Create(ctx, bad))

	err := m.LoadAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoGeocoder)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, good.ID, list[0].Entry.ID)
}
