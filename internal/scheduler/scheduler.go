package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/singleflight"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
	"github.com/i474232898/purpleair-aqi/internal/store"
)

var (
	ErrNotStarted     = errors.New("coordinator not started")
	ErrAlreadyStarted = errors.New("coordinator already started")
	ErrStopped        = errors.New("coordinator stopped")
)

// fetchKey is the single singleflight key; every trigger shares it.
const fetchKey = "fetch"

// Observer receives fetch outcomes for metrics and logging sinks.
type Observer interface {
	FetchSucceeded(entry string, snap *aqi.Snapshot, took time.Duration)
	FetchFailed(entry string, err error)
	IntervalChanged(entry string, minutes int)
}

type nopObserver struct{}

func (nopObserver) FetchSucceeded(string, *aqi.Snapshot, time.Duration) {}
func (nopObserver) FetchFailed(string, error)                           {}
func (nopObserver) IntervalChanged(string, int)                         {}

// Coordinator periodically fetches the AQI summary for one entry and keeps
// the last good reading. All triggers share one in-flight fetch.
type Coordinator struct {
	name     string
	provider aqi.Provider
	cfg      aqi.ProviderConfig
	cache    *store.ResultCache
	delta    *aqi.DeltaTracker
	logger   *slog.Logger
	observer Observer
	unit     time.Duration

	scheduler *gocron.Scheduler
	flight    singleflight.Group

	// mu guards the schedule state and lifecycle flags.
	mu       sync.Mutex
	job      *gocron.Job
	interval int
	started  bool
	stopped  bool
	ctx      context.Context
	cancel   context.CancelFunc

	errMu   sync.RWMutex
	lastErr error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// WithDeltaTracker lets a caller keep the delta baseline across coordinators
// of the same entry.
func WithDeltaTracker(t *aqi.DeltaTracker) Option {
	return func(c *Coordinator) { c.delta = t }
}

// WithResultCache lets a caller keep the generation counter across
// coordinators of the same entry.
func WithResultCache(rc *store.ResultCache) Option {
	return func(c *Coordinator) { c.cache = rc }
}

// WithIntervalUnit changes the length of one interval step. Tests use it to
// run the schedule in milliseconds instead of minutes.
func WithIntervalUnit(d time.Duration) Option {
	return func(c *Coordinator) { c.unit = d }
}

// New creates a Coordinator. cfg is used unchanged for every fetch.
func New(name string, provider aqi.Provider, cfg aqi.ProviderConfig, opts ...Option) *Coordinator {
	c := &Coordinator{
		name:      name,
		provider:  provider,
		cfg:       cfg,
		cache:     store.NewResultCache(),
		logger:    slog.Default(),
		observer:  nopObserver{},
		unit:      time.Minute,
		scheduler: gocron.NewScheduler(time.UTC),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.delta == nil {
		c.delta = aqi.NewDeltaTracker()
	}
	c.logger = c.logger.With("entry", name)
	return c
}

// Start performs the first fetch synchronously and, if it succeeds, starts
// the periodic schedule. A failed first fetch is returned and nothing is
// scheduled.
func (c *Coordinator) Start(ctx context.Context, intervalMinutes int) error {
	if err := aqi.ValidateInterval(intervalMinutes); err != nil {
		return err
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Unlock()

	if _, err := c.wait(ctx, "bootstrap"); err != nil {
		c.logger.Error("initial aqi fetch failed", "err", err)
		c.shutdown()
		return fmt.Errorf("initial fetch for %s: %w", c.name, err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	job, err := c.schedule(intervalMinutes)
	if err != nil {
		c.mu.Unlock()
		c.shutdown()
		return fmt.Errorf("schedule %s: %w", c.name, err)
	}
	c.job = job
	c.interval = intervalMinutes
	c.scheduler.StartAsync()
	c.mu.Unlock()

	c.logger.Info("aqi polling started", "interval_minutes", intervalMinutes)
	return nil
}

// schedule registers the periodic job. The first tick is one full interval
// from now. Callers hold c.mu.
func (c *Coordinator) schedule(minutes int) (*gocron.Job, error) {
	every := time.Duration(minutes) * c.unit
	return c.scheduler.
		Every(every).
		WaitForSchedule().
		SingletonMode().
		Tag(c.name).
		Do(c.tick)
}

func (c *Coordinator) tick() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	// Errors are logged and counted inside fetch; the next tick retries.
	_, _ = c.wait(ctx, "scheduled")
}

// SetInterval replaces the polling interval, restarts the wait for the next
// tick from now and requests an immediate refresh. An in-flight fetch is
// left to finish.
func (c *Coordinator) SetInterval(minutes int) error {
	if err := aqi.ValidateInterval(minutes); err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if !c.started || c.job == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}

	c.scheduler.RemoveByReference(c.job)
	job, err := c.schedule(minutes)
	if err != nil {
		// Put the previous cadence back so polling never stops.
		if prev, perr := c.schedule(c.interval); perr == nil {
			c.job = prev
		}
		c.mu.Unlock()
		return fmt.Errorf("reschedule %s: %w", c.name, err)
	}
	previous := c.interval
	c.job = job
	c.interval = minutes
	c.mu.Unlock()

	c.logger.Info("aqi polling interval changed", "from_minutes", previous, "to_minutes", minutes)
	c.observer.IntervalChanged(c.name, minutes)
	c.TriggerRefresh()
	return nil
}

// TriggerRefresh starts a fetch now unless one is already running, in which
// case the running fetch satisfies the request. It does not wait.
func (c *Coordinator) TriggerRefresh() {
	c.mu.Lock()
	if !c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.flight.DoChan(fetchKey, func() (interface{}, error) {
		return c.fetch("manual")
	})
}

// Refresh is the blocking form of TriggerRefresh. It returns the snapshot
// produced by the fetch it joined, or that fetch's error.
func (c *Coordinator) Refresh(ctx context.Context) (*aqi.Snapshot, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	c.mu.Unlock()

	return c.wait(ctx, "manual")
}

// wait joins (or starts) the shared fetch and waits for its result.
// Giving up on ctx does not cancel the fetch.
func (c *Coordinator) wait(ctx context.Context, trigger string) (*aqi.Snapshot, error) {
	ch := c.flight.DoChan(fetchKey, func() (interface{}, error) {
		return c.fetch(trigger)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*aqi.Snapshot), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch runs one provider call. Only one fetch runs at a time.
func (c *Coordinator) fetch(trigger string) (*aqi.Snapshot, error) {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	started := time.Now()
	reading, err := c.provider.Fetch(ctx, c.cfg)
	if err != nil {
		if c.isStopped() {
			return nil, ErrStopped
		}
		c.setLastErr(err)
		c.observer.FetchFailed(c.name, err)
		if trigger != "bootstrap" {
			c.logger.Warn("aqi fetch failed; keeping last reading", "trigger", trigger, "err", err)
		}
		return nil, err
	}
	if reading.FetchedAt.IsZero() {
		reading.FetchedAt = time.Now().UTC()
	}

	// A stopped coordinator may share its cache and tracker with its
	// replacement, so a late result must not be published. Stop waits on
	// c.mu, so nothing is published once it returns.
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.logger.Debug("aqi reading discarded after stop", "trigger", trigger)
		return nil, ErrStopped
	}
	delta := c.delta.Observe(c.cache.NextGeneration(), reading.AQI)
	snap := c.cache.Publish(reading, delta)
	c.mu.Unlock()
	c.setLastErr(nil)

	took := time.Since(started)
	c.observer.FetchSucceeded(c.name, snap, took)
	c.logger.Debug("aqi fetched",
		"trigger", trigger,
		"generation", snap.Generation,
		"aqi", reading.AQI,
		"category", reading.Category,
		"delta", delta,
		"took", took,
	)
	return snap, nil
}

// Stop halts the schedule and cancels any in-flight fetch.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.shutdown()
	c.logger.Info("aqi polling stopped")
}

func (c *Coordinator) shutdown() {
	c.mu.Lock()
	c.stopped = true
	cancel := c.cancel
	c.job = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.scheduler.Stop()
}

func (c *Coordinator) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Snapshot returns the current cached snapshot, or nil before the first success.
func (c *Coordinator) Snapshot() *aqi.Snapshot {
	return c.cache.Snapshot()
}

// Views projects the current snapshot into every presentation facet.
func (c *Coordinator) Views() aqi.ViewSet {
	return aqi.Project(c.cache.Snapshot())
}

// Changed returns a channel closed when the next generation is published.
func (c *Coordinator) Changed() <-chan struct{} {
	return c.cache.Changed()
}

// Interval returns the live polling interval in minutes.
func (c *Coordinator) Interval() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// NextRun returns when the next scheduled fetch is due.
func (c *Coordinator) NextRun() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		return time.Time{}, false
	}
	return c.job.NextRun(), true
}

// Delta returns the tracker's delta for the last published generation.
func (c *Coordinator) Delta() (int, bool) {
	return c.delta.Delta()
}

// LastError returns the error of the most recent fetch, or nil if it succeeded.
func (c *Coordinator) LastError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.lastErr
}

func (c *Coordinator) setLastErr(err error) {
	c.errMu.Lock()
	c.lastErr = err
	c.errMu.Unlock()
}

// Name returns the entry the coordinator belongs to.
func (c *Coordinator) Name() string {
	return c.name
}
