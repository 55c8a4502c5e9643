// README: Walking-route enrichment through the Google Maps Directions API.
package maps

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
	"googlemaps.github.io/maps"

	"refuge/internal/types"
)

// Route is a pedestrian-network path between two points.
type Route struct {
	DistanceKm float64       `json:"distance_km"`
	Duration   time.Duration `json:"duration"`
	Polyline   string        `json:"polyline,omitempty"`
}

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client  *maps.Client
	limiter *rate.Limiter
}

// NewRouteService creates a RouteService with the given API key. Outgoing calls
// are limited to requestsPerSecond; zero or less disables the limit.
func NewRouteService(apiKey string, requestsPerSecond float64, opts ...maps.ClientOption) (*RouteService, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, eris.Wrap(err, "maps: create client")
	}
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	return &RouteService{client: client, limiter: rate.NewLimiter(limit, 1)}, nil
}

// WalkingRoute returns the walking path from origin to destination.
func (s *RouteService) WalkingRoute(ctx context.Context, origin, destination types.Point) (Route, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return Route{}, eris.Wrap(err, "maps: rate limit wait")
	}
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeWalking,
		Language:    "zh-TW",
		Region:      "TW",
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return Route{}, eris.Wrap(err, "maps: directions")
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, eris.New("maps: no walking route found")
	}

	leg := routes[0].Legs[0]
	return Route{
		DistanceKm: float64(leg.Distance.Meters) / 1000,
		Duration:   leg.Duration,
		Polyline:   routes[0].OverviewPolyline.Points,
	}, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}
