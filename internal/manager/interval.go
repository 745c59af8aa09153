package manager

import (
	"context"
	"fmt"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
	"github.com/i474232898/purpleair-aqi/internal/entrystore"
)

// RequestIntervalChange validates minutes, persists it on the entry and
// applies it to the running coordinator before returning. On any error the
// stored and live intervals are left as they were.
func (m *Manager) RequestIntervalChange(ctx context.Context, id string, minutes int) (int, error) {
	if err := aqi.ValidateInterval(minutes); err != nil {
		return 0, err
	}

	st, err := m.lockEntry(id, false)
	if err != nil {
		return 0, err
	}
	defer st.ops.Unlock()

	inst, ok := m.instance(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	previous := inst.Entry.Data.UpdateInterval

	entry, err := m.store.Update(ctx, id, setInterval(minutes))
	if err != nil {
		return 0, fmt.Errorf("persist interval for %s: %w", id, err)
	}

	if err := inst.Coordinator.SetInterval(minutes); err != nil {
		if _, rerr := m.store.Update(context.WithoutCancel(ctx), id, setInterval(previous)); rerr != nil {
			m.logger.Error("failed to restore stored interval", "entry", id, "interval_minutes", previous, "err", rerr)
		}
		return 0, fmt.Errorf("apply interval for %s: %w", id, err)
	}

	m.mu.Lock()
	inst.Entry = entry
	m.mu.Unlock()
	m.logger.Info("interval change accepted", "entry", id, "interval_minutes", minutes)
	return minutes, nil
}

func setInterval(minutes int) func(*entrystore.Data) error {
	return func(d *entrystore.Data) error {
		d.UpdateInterval = minutes
		return nil
	}
}

// CurrentInterval returns the persisted interval for id.
func (m *Manager) CurrentInterval(id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	return inst.Entry.Data.UpdateInterval, nil
}
