package alert

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"refuge/internal/types"
)

// MemoryStore keeps alerts in process.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[types.ID]Alert
}

func NewMemoryStore(alerts ...Alert) *MemoryStore {
	m := &MemoryStore{alerts: make(map[types.ID]Alert, len(alerts))}
	for _, a := range alerts {
		m.alerts[a.ID] = a
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (Alert, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	return a, ok, nil
}

func (m *MemoryStore) Upsert(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[a.ID] = a
	return nil
}

func (m *MemoryStore) SetActive(_ context.Context, id types.ID, active bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return false, nil
	}
	a.Active = active
	m.alerts[id] = a
	return true, nil
}

// LoadSeed reads the alerts section of a seed file. Alerts default to active
// and started now.
func LoadSeed(path string) ([]Alert, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "alert: read seed %s", path)
	}
	var raw struct {
		Alerts []struct {
			ID       types.ID    `yaml:"id"`
			Name     string      `yaml:"name"`
			Center   types.Point `yaml:"center"`
			RadiusKm float64     `yaml:"radius_km"`
			Active   *bool       `yaml:"active"`
		} `yaml:"alerts"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, eris.Wrap(err, "alert: parse seed")
	}
	now := time.Now().UTC()
	out := make([]Alert, 0, len(raw.Alerts))
	for _, r := range raw.Alerts {
		if r.ID == "" || !r.Center.Valid() {
			return nil, eris.Errorf("alert: invalid seed entry %q", r.ID)
		}
		out = append(out, Alert{
			ID:        r.ID,
			Name:      r.Name,
			Center:    r.Center,
			RadiusKm:  r.RadiusKm,
			Active:    r.Active == nil || *r.Active,
			StartedAt: now,
		})
	}
	return out, nil
}
