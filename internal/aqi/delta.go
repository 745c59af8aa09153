package aqi

import "sync"

// DeltaTracker computes the AQI change between consecutive generations.
// One tracker exists per configured instance so every consumer sees the
// same sequence of deltas. Its baseline survives cache resets.
type DeltaTracker struct {
	mu         sync.Mutex
	generation uint64
	previous   *int
	delta      int
}

func NewDeltaTracker() *DeltaTracker {
	return &DeltaTracker{}
}

// Observe records the reading of generation gen and returns its delta.
// The first observation yields 0. Observing a generation that is not newer
// than the last one returns the stored delta without moving the baseline.
func (t *DeltaTracker) Observe(gen uint64, aqi int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.previous != nil && gen <= t.generation {
		return t.delta
	}

	if t.previous == nil {
		t.delta = 0
	} else {
		t.delta = aqi - *t.previous
	}
	current := aqi
	t.previous = &current
	t.generation = gen
	return t.delta
}

// Delta returns the delta of the last observed generation.
func (t *DeltaTracker) Delta() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.previous == nil {
		return 0, false
	}
	return t.delta, true
}

// Previous returns the baseline AQI the next delta will be measured against.
func (t *DeltaTracker) Previous() (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.previous == nil {
		return 0, false
	}
	return *t.previous, true
}
