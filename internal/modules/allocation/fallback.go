// README: Direct fallback allocation used when a request outlives its caller-side wait.
package allocation

import (
	"context"

	"go.uber.org/zap"

	"refuge/internal/geo"
	"refuge/internal/modules/shelter"
	"refuge/internal/types"
)

type fallbackOption struct {
	shelter    shelter.Shelter
	distanceKm float64
}

// fallback resolves a timed-out request with one reservation attempt on the
// nearest shelter that has spare capacity within walking range.
func (s *Service) fallback(ctx context.Context, p *pending) Result {
	s.finish(p, StatusTimedOut, StatusFallbackResolved, s.directAllocate(ctx, p))
	return <-p.done
}

func (s *Service) directAllocate(ctx context.Context, p *pending) Result {
	maxKm := s.engine.MaxDistanceKm()
	loc := p.req.Location

	shelters, err := s.fallbackShelters(ctx, loc, maxKm)
	if err != nil {
		s.log.Warn("fallback shelter lookup failed", zap.String("user_id", string(p.req.UserID)), zap.Error(err))
		return failure(ReasonUpstreamUnavailable, ActionRetry)
	}

	var options []fallbackOption
	for _, sh := range shelters {
		d := geo.DistanceKm(loc.Lat, loc.Lng, sh.Location.Lat, sh.Location.Lng)
		if sh.Remaining() > 0 && d <= maxKm {
			options = append(options, fallbackOption{shelter: sh, distanceKm: d})
		}
	}
	if len(options) == 0 {
		id, d, ok := s.nearestAnywhere(ctx, loc, shelters)
		return noShelter(ok, id, d)
	}
	geo.SortByDistance(options, func(o fallbackOption) float64 { return o.distanceKm })

	best := options[0]
	ok, err := s.reserve(ctx, p.req.UserID, best.shelter.ID)
	if err != nil {
		s.log.Warn("fallback reserve failed", zap.String("user_id", string(p.req.UserID)), zap.Error(err))
		return failure(ReasonUpstreamUnavailable, ActionRetry)
	}
	if !ok {
		if res, held := s.existing(ctx, p); held {
			return res
		}
		return failure(ReasonCapacityRaceLost, ActionResubmit)
	}
	return s.success(p, best.shelter, best.distanceKm)
}

// fallbackShelters prefers a radius query when the directory supports one and
// otherwise lists everything, reusing the last snapshot on failure.
func (s *Service) fallbackShelters(ctx context.Context, loc types.Point, radiusKm float64) ([]shelter.Shelter, error) {
	if nl, ok := s.dir.(shelter.NearbyLister); ok {
		lctx, cancel := context.WithTimeout(ctx, s.cfg.ReserveTimeout)
		defer cancel()
		if shelters, err := nl.NearbyActive(lctx, loc, radiusKm); err == nil {
			return shelters, nil
		}
	}
	return s.liveShelters(ctx)
}

// nearestAnywhere reports the closest active shelter for diagnostics. A radius
// query only saw shelters in range, so a full listing is consulted then.
func (s *Service) nearestAnywhere(ctx context.Context, loc types.Point, seen []shelter.Shelter) (types.ID, float64, bool) {
	pool := seen
	if _, radius := s.dir.(shelter.NearbyLister); radius {
		if all, err := s.liveShelters(ctx); err == nil {
			pool = all
		}
	}
	var (
		bestID types.ID
		bestD  float64
		found  bool
	)
	for _, sh := range pool {
		d := geo.DistanceKm(loc.Lat, loc.Lng, sh.Location.Lat, sh.Location.Lng)
		if !found || d < bestD {
			bestID, bestD, found = sh.ID, d, true
		}
	}
	return bestID, bestD, found
}
