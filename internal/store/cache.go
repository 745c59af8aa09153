package store

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
)

var (
	// ErrNoReading is returned when no successful fetch has been cached yet.
	ErrNoReading = errors.New("no aqi reading cached")
)

// ResultCache holds the most recent successful reading of one instance.
//
// Readers load the current snapshot without locking. Publish replaces the
// whole snapshot at once, so a reader never sees fields from two generations.
type ResultCache struct {
	current atomic.Pointer[aqi.Snapshot]

	mu         sync.Mutex
	generation uint64
	changed    chan struct{}
}

// NewResultCache returns an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{
		changed: make(chan struct{}),
	}
}

// Publish stores r as the next generation and wakes everyone waiting on Changed.
// The reading is copied so later changes by the caller are not visible.
func (c *ResultCache) Publish(r aqi.Reading, delta int) *aqi.Snapshot {
	reading := r.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.generation++
	snap := &aqi.Snapshot{
		Reading:    &reading,
		Generation: c.generation,
		Delta:      delta,
	}
	c.current.Store(snap)

	close(c.changed)
	c.changed = make(chan struct{})
	return snap
}

// NextGeneration is the generation number the next Publish will use.
func (c *ResultCache) NextGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation + 1
}

// Snapshot returns the current snapshot, or nil before the first Publish.
func (c *ResultCache) Snapshot() *aqi.Snapshot {
	return c.current.Load()
}

// Latest returns a copy of the current reading.
func (c *ResultCache) Latest() (aqi.Reading, error) {
	snap := c.current.Load()
	if snap == nil || snap.Reading == nil {
		return aqi.Reading{}, ErrNoReading
	}
	return snap.Reading.Clone(), nil
}

// Changed returns a channel that is closed by the next Publish or Clear.
func (c *ResultCache) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Clear drops the cached reading. The generation counter keeps counting.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current.Store(nil)
	close(c.changed)
	c.changed = make(chan struct{})
}
