// README: Alert references: the active emergency a real-time request belongs to.
package alert

import (
	"context"
	"errors"
	"time"

	"refuge/internal/types"
)

var (
	ErrNotFound = errors.New("alert not found")
	ErrInactive = errors.New("alert is not active")
)

// Alert anchors real-time requests. Center is the spatial reference for the
// requests of one alert.
type Alert struct {
	ID        types.ID    `json:"id" yaml:"id"`
	Name      string      `json:"name" yaml:"name"`
	Center    types.Point `json:"center" yaml:"center"`
	RadiusKm  float64     `json:"radius_km" yaml:"radius_km"`
	Active    bool        `json:"active" yaml:"active"`
	StartedAt time.Time   `json:"started_at" yaml:"started_at"`
}

// Source resolves alerts by id. A missing alert is reported through found.
type Source interface {
	Get(ctx context.Context, id types.ID) (Alert, bool, error)
}

// Resolve fetches an alert and insists it is active.
func Resolve(ctx context.Context, src Source, id types.ID) (Alert, error) {
	a, found, err := src.Get(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	if !found {
		return Alert{}, ErrNotFound
	}
	if !a.Active {
		return Alert{}, ErrInactive
	}
	return a, nil
}
