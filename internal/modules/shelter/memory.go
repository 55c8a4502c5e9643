// README: In-process shelter directory for tests, simulations and store.driver=memory.
package shelter

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"refuge/internal/geo"
	"refuge/internal/types"
)

type MemoryDirectory struct {
	mu           sync.Mutex
	shelters     map[types.ID]*Shelter
	reservations map[types.ID]types.ID
}

func NewMemoryDirectory(seed ...Shelter) *MemoryDirectory {
	d := &MemoryDirectory{
		shelters:     make(map[types.ID]*Shelter, len(seed)),
		reservations: make(map[types.ID]types.ID),
	}
	for _, s := range seed {
		_ = d.Upsert(context.Background(), s)
	}
	return d
}

// Upsert replaces a shelter, keeping its current occupancy when the new record has none.
func (d *MemoryDirectory) Upsert(_ context.Context, s Shelter) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.shelters[s.ID]; ok && s.Occupancy == 0 {
		s.Occupancy = old.Occupancy
	}
	d.shelters[s.ID] = &s
	return nil
}

func (d *MemoryDirectory) ListActive(_ context.Context) ([]Shelter, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Shelter, 0, len(d.shelters))
	for _, s := range d.shelters {
		if s.Active {
			out = append(out, *s)
		}
	}
	slices.SortFunc(out, func(a, b Shelter) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (d *MemoryDirectory) NearbyActive(ctx context.Context, p types.Point, radiusKm float64) ([]Shelter, error) {
	all, _ := d.ListActive(ctx)
	out := all[:0]
	for _, s := range all {
		if geo.DistanceKm(p.Lat, p.Lng, s.Location.Lat, s.Location.Lng) <= radiusKm {
			out = append(out, s)
		}
	}
	return out, nil
}

func (d *MemoryDirectory) Get(_ context.Context, id types.ID) (Shelter, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.shelters[id]
	if !ok {
		return Shelter{}, false, nil
	}
	return *s, true, nil
}

func (d *MemoryDirectory) CurrentOccupancy(_ context.Context, id types.ID) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.shelters[id]
	if !ok {
		return 0, false, nil
	}
	return s.Occupancy, true, nil
}

func (d *MemoryDirectory) Reserve(_ context.Context, userID, shelterID types.ID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, held := d.reservations[userID]; held {
		return false, nil
	}
	s, ok := d.shelters[shelterID]
	if !ok || !s.Active || s.Occupancy >= s.Capacity {
		return false, nil
	}
	s.Occupancy++
	d.reservations[userID] = shelterID
	return true, nil
}

func (d *MemoryDirectory) Release(_ context.Context, userID types.ID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sid, held := d.reservations[userID]
	if !held {
		return false, nil
	}
	delete(d.reservations, userID)
	if s, ok := d.shelters[sid]; ok && s.Occupancy > 0 {
		s.Occupancy--
	}
	return true, nil
}

// ReservationOf reports which shelter a user currently holds.
func (d *MemoryDirectory) ReservationOf(_ context.Context, userID types.ID) (types.ID, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sid, ok := d.reservations[userID]
	return sid, ok, nil
}
