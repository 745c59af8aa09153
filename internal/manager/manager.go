// Package manager owns the running instance for each config entry: one
// coordinator per entry, created on setup and destroyed on teardown.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
	"github.com/i474232898/purpleair-aqi/internal/aqi/providers"
	"github.com/i474232898/purpleair-aqi/internal/entrystore"
	"github.com/i474232898/purpleair-aqi/internal/scheduler"
	"github.com/i474232898/purpleair-aqi/internal/store"
)

var (
	ErrUnknownEntry = errors.New("unknown entry")
	ErrNoGeocoder   = errors.New("entry has a location but no geocoder is configured")
)

// Geocoder resolves an entry location to coordinates.
type Geocoder interface {
	Resolve(ctx context.Context, p providers.Place) (float64, float64, error)
}

// Listener is told about instances as they come and go.
type Listener interface {
	InstanceStarted(inst Instance)
	InstanceStopped(id string)
}

// Instance is a read-only view of one running entry.
type Instance struct {
	Entry       entrystore.Entry
	Coordinator *scheduler.Coordinator
}

// entryState outlives a single coordinator so re-setting up an entry keeps
// its delta baseline and generation counter.
type entryState struct {
	// ops serializes setup, teardown and interval changes of one entry.
	// Network I/O happens under ops, never under Manager.mu.
	ops sync.Mutex

	delta *aqi.DeltaTracker
	cache *store.ResultCache
}

type Manager struct {
	store       entrystore.Store
	newProvider func() aqi.Provider
	geocoder    Geocoder
	logger      *slog.Logger
	observer    scheduler.Observer
	coordOpts   []scheduler.Option

	// mu guards the maps and listeners only and is never held across I/O.
	mu        sync.Mutex
	instances map[string]*Instance
	state     map[string]*entryState
	listeners []Listener
}

type Option func(*Manager)

func WithGeocoder(g Geocoder) Option {
	return func(m *Manager) { m.geocoder = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithObserver(o scheduler.Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithCoordinatorOptions passes extra options to every coordinator.
func WithCoordinatorOptions(opts ...scheduler.Option) Option {
	return func(m *Manager) { m.coordOpts = append(m.coordOpts, opts...) }
}

// New returns a Manager. newProvider is called once per instance.
func New(st entrystore.Store, newProvider func() aqi.Provider, opts ...Option) *Manager {
	m := &Manager{
		store:       st,
		newProvider: newProvider,
		logger:      slog.Default(),
		instances:   make(map[string]*Instance),
		state:       make(map[string]*entryState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddListener registers l and replays the instances already running.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
	for _, inst := range m.instances {
		l.InstanceStarted(*inst)
	}
}

// LoadAll sets up every stored entry. Entries that fail are logged and
// skipped; their errors are joined into the result.
func (m *Manager) LoadAll(ctx context.Context) error {
	entries, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list entries: %w", err)
	}
	var errs []error
	for _, e := range entries {
		if err := m.Setup(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setup builds the provider config, performs the first fetch and starts
// polling. The entry is not registered if any step fails.
func (m *Manager) Setup(ctx context.Context, e entrystore.Entry) error {
	st, err := m.lockEntry(e.ID, true)
	if err != nil {
		return err
	}
	defer st.ops.Unlock()
	return m.setupEntry(ctx, st, e)
}

// lockEntry returns the entry's state with its ops lock held. With create
// unset an entry that has no state is unknown.
func (m *Manager) lockEntry(id string, create bool) (*entryState, error) {
	for {
		m.mu.Lock()
		st, ok := m.state[id]
		if !ok {
			if !create {
				m.mu.Unlock()
				return nil, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
			}
			st = &entryState{delta: aqi.NewDeltaTracker(), cache: store.NewResultCache()}
			m.state[id] = st
		}
		m.mu.Unlock()

		st.ops.Lock()
		m.mu.Lock()
		current := m.state[id] == st
		m.mu.Unlock()
		if current {
			return st, nil
		}
		// Removed while we waited; start over.
		st.ops.Unlock()
	}
}

func (m *Manager) instance(id string) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// setupEntry runs with st.ops held.
func (m *Manager) setupEntry(ctx context.Context, st *entryState, e entrystore.Entry) error {
	logger := m.logger.With("entry", e.ID, "title", e.Title)

	if _, ok := m.instance(e.ID); ok {
		return fmt.Errorf("setup %s: already running", e.ID)
	}
	if err := e.Data.Validate(); err != nil {
		logger.Error("entry setup rejected", "err", err)
		return fmt.Errorf("setup %s: %w", e.ID, err)
	}

	cfg, err := m.providerConfig(ctx, e.Data)
	if err != nil {
		logger.Error("entry setup failed", "err", err)
		return fmt.Errorf("setup %s: %w", e.ID, err)
	}

	opts := []scheduler.Option{
		scheduler.WithLogger(m.logger),
		scheduler.WithDeltaTracker(st.delta),
		scheduler.WithResultCache(st.cache),
	}
	if m.observer != nil {
		opts = append(opts, scheduler.WithObserver(m.observer))
	}
	opts = append(opts, m.coordOpts...)

	coord := scheduler.New(e.ID, m.newProvider(), cfg, opts...)
	if err := coord.Start(ctx, e.Data.UpdateInterval); err != nil {
		return fmt.Errorf("setup %s: %w", e.ID, err)
	}

	inst := &Instance{Entry: e, Coordinator: coord}
	m.mu.Lock()
	m.instances[e.ID] = inst
	for _, l := range m.listeners {
		l.InstanceStarted(*inst)
	}
	m.mu.Unlock()
	logger.Info("entry set up", "provider", cfg, "interval_minutes", e.Data.UpdateInterval)
	return nil
}

// providerConfig resolves the entry's location, if any, once per setup.
func (m *Manager) providerConfig(ctx context.Context, d entrystore.Data) (aqi.ProviderConfig, error) {
	cfg := d.ProviderConfig()
	if !d.DeviceSearch || d.Location == nil {
		return cfg, nil
	}
	if m.geocoder == nil {
		return aqi.ProviderConfig{}, ErrNoGeocoder
	}
	lat, lon, err := m.geocoder.Resolve(ctx, providers.Place{
		Street:  d.Location.Street,
		City:    d.Location.City,
		State:   d.Location.State,
		Country: d.Location.Country,
	})
	if err != nil {
		return aqi.ProviderConfig{}, fmt.Errorf("resolve location: %w", err)
	}
	cfg.Latitude, cfg.Longitude = lat, lon
	return cfg, nil
}

// Teardown stops the entry's coordinator and forgets the instance. The
// cached reading is cleared; the delta baseline is kept.
func (m *Manager) Teardown(id string) error {
	st, err := m.lockEntry(id, false)
	if err != nil {
		return err
	}
	defer st.ops.Unlock()
	return m.teardownEntry(st, id)
}

// teardownEntry runs with st.ops held.
func (m *Manager) teardownEntry(st *entryState, id string) error {
	m.mu.Lock()
	inst, ok := m.instances[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	delete(m.instances, id)
	for _, l := range m.listeners {
		l.InstanceStopped(id)
	}
	m.mu.Unlock()

	// Stop returns only once the coordinator can no longer publish, so the
	// cache is safe to clear.
	inst.Coordinator.Stop()
	st.cache.Clear()
	m.logger.Info("entry torn down", "entry", id)
	return nil
}

// forget drops the entry's state so a later entry with the same ID starts
// from scratch. Callers hold st.ops.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.state, id)
	m.mu.Unlock()
}

// AddEntry persists a new entry and sets it up. An entry whose first fetch
// fails is removed again.
func (m *Manager) AddEntry(ctx context.Context, title string, data entrystore.Data) (entrystore.Entry, error) {
	e := entrystore.NewEntry(title, data)

	st, err := m.lockEntry(e.ID, true)
	if err != nil {
		return entrystore.Entry{}, err
	}
	defer st.ops.Unlock()

	if err := m.store.Create(ctx, e); err != nil {
		m.forget(e.ID)
		return entrystore.Entry{}, err
	}
	if err := m.setupEntry(ctx, st, e); err != nil {
		if derr := m.store.Delete(ctx, e.ID); derr != nil {
			m.logger.Error("failed to remove entry after setup error", "entry", e.ID, "err", derr)
		}
		m.forget(e.ID)
		return entrystore.Entry{}, err
	}
	return e, nil
}

// RemoveEntry tears the entry down and deletes it from the store.
func (m *Manager) RemoveEntry(ctx context.Context, id string) error {
	st, err := m.lockEntry(id, false)
	if err != nil {
		return err
	}
	defer st.ops.Unlock()

	if err := m.teardownEntry(st, id); err != nil {
		return err
	}
	m.forget(id)
	if err := m.store.Delete(ctx, id); err != nil && !errors.Is(err, entrystore.ErrNotFound) {
		return err
	}
	return nil
}

// Reload reconciles the running instances with entries read back from the
// store. An interval-only change is applied in place; any other change to
// an entry's data sets it up again. Entries are handled one at a time, so
// only the entry being set up waits on its first fetch.
func (m *Manager) Reload(ctx context.Context, entries []entrystore.Entry) error {
	var errs []error
	wanted := make(map[string]bool, len(entries))
	for _, e := range entries {
		wanted[e.ID] = true
		if err := m.reloadEntry(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	for _, id := range m.runningIDs() {
		if wanted[id] {
			continue
		}
		if err := m.Teardown(id); err != nil && !errors.Is(err, ErrUnknownEntry) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) reloadEntry(ctx context.Context, e entrystore.Entry) error {
	st, err := m.lockEntry(e.ID, true)
	if err != nil {
		return err
	}
	defer st.ops.Unlock()

	// Writers of inst.Entry hold st.ops, so reading it here is safe.
	inst, running := m.instance(e.ID)
	switch {
	case !running:
		return m.setupEntry(ctx, st, e)

	case entrystore.SameSource(inst.Entry.Data, e.Data):
		if e.Data.UpdateInterval != inst.Coordinator.Interval() {
			if err := inst.Coordinator.SetInterval(e.Data.UpdateInterval); err != nil {
				return fmt.Errorf("reload %s: %w", e.ID, err)
			}
			m.logger.Info("entry interval reloaded", "entry", e.ID, "interval_minutes", e.Data.UpdateInterval)
		}
		m.mu.Lock()
		inst.Entry = e
		m.mu.Unlock()
		return nil

	default:
		if err := m.teardownEntry(st, e.ID); err != nil {
			return err
		}
		return m.setupEntry(ctx, st, e)
	}
}

func (m *Manager) runningIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	return ids
}

// Get returns the running instance for id.
func (m *Manager) Get(id string) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return Instance{}, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	return *inst, nil
}

// List returns the running instances ordered by creation time.
func (m *Manager) List() []Instance {
	m.mu.Lock()
	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Instance) int {
		if c := a.Entry.CreatedAt.Compare(b.Entry.CreatedAt); c != 0 {
			return c
		}
		if a.Entry.ID < b.Entry.ID {
			return -1
		}
		if a.Entry.ID > b.Entry.ID {
			return 1
		}
		return 0
	})
	return out
}

// Shutdown tears down every instance.
func (m *Manager) Shutdown() {
	for _, id := range m.runningIDs() {
		_ = m.Teardown(id)
	}
}
