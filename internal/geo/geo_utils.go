// Package geo contains pure geographic computation helpers and the age-based
// vulnerability scoring used to prioritise assignments.
package geo

import (
	"cmp"
	"math"
	"slices"

	"github.com/golang/geo/s2"
)

const (
	earthRadiusKm = 6371.0

	// KmPerDegreeLat is the length of one degree of latitude on the sphere used
	// by DistanceKm.
	KmPerDegreeLat = earthRadiusKm * math.Pi / 180.0
)

// Vulnerability tiers. Higher scores are served first.
const (
	ScoreElderly = 10
	ScoreChild   = 8
	ScoreAdult   = 6
)

// DistanceKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lng1)
	p2 := s2.LatLngFromDegrees(lat2, lng2)
	return p1.Distance(p2).Radians() * earthRadiusKm
}

// AgeBands holds the inclusive age thresholds of the three vulnerability tiers.
type AgeBands struct {
	ElderlyAge int
	ChildAge   int
}

// DefaultAgeBands: 70 and over are elderly, 12 and under are children.
var DefaultAgeBands = AgeBands{ElderlyAge: 70, ChildAge: 12}

// Score maps an age to its vulnerability tier.
func (b AgeBands) Score(age int) int {
	switch {
	case age >= b.ElderlyAge:
		return ScoreElderly
	case age <= b.ChildAge:
		return ScoreChild
	default:
		return ScoreAdult
	}
}

// IsElderly reports whether a vulnerability score is the elderly tier.
func IsElderly(score int) bool {
	return score >= ScoreElderly
}

// MaxWalkingDistanceKm is the distance covered at speedKmPerMin in minutes.
func MaxWalkingDistanceKm(speedKmPerMin, minutes float64) float64 {
	return speedKmPerMin * minutes
}

// WalkingMinutes is the time needed to cover distanceKm at speedKmPerMin.
func WalkingMinutes(distanceKm, speedKmPerMin float64) float64 {
	if speedKmPerMin <= 0 {
		return 0
	}
	return distanceKm / speedKmPerMin
}

// SortByDistance sorts any slice where each element exposes a distance via the
// accessor function. Equal distances keep their input order.
func SortByDistance[T any](items []T, dist func(T) float64) {
	slices.SortStableFunc(items, func(a, b T) int {
		return cmp.Compare(dist(a), dist(b))
	})
}
