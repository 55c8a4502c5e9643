// README: Seeded synthetic people and shelters over a disc.
package simulation

import (
	"fmt"
	"math"
	"math/rand/v2"

	"refuge/internal/geo"
	"refuge/internal/modules/matching"
	"refuge/internal/types"
)

// Generator draws synthetic inputs. The same rng state yields the same draw.
type Generator struct {
	rng *rand.Rand
}

func NewGenerator(rng *rand.Rand) *Generator {
	return &Generator{rng: rng}
}

// NewSeededGenerator is a Generator over a PCG source keyed by seed.
func NewSeededGenerator(seed uint64) *Generator {
	return NewGenerator(rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)))
}

func (g *Generator) People(n int, center types.Point, radiusKm float64) []matching.Person {
	people := make([]matching.Person, n)
	for i := range people {
		people[i] = matching.Person{
			ID:       types.ID(fmt.Sprintf("P%06d", i+1)),
			Age:      g.age(),
			Location: g.pointInDisc(center, radiusKm),
		}
	}
	return people
}

// Shelters draws n empty shelters with capacity uniform in [minCap, maxCap].
func (g *Generator) Shelters(n int, center types.Point, radiusKm float64, minCap, maxCap int) []matching.Shelter {
	shelters := make([]matching.Shelter, n)
	for i := range shelters {
		shelters[i] = matching.Shelter{
			ID:       types.ID(fmt.Sprintf("S%05d", i+1)),
			Location: g.pointInDisc(center, radiusKm),
			Capacity: minCap + g.rng.IntN(maxCap-minCap+1),
		}
	}
	return shelters
}

// pointInDisc is uniform over the disc area, not over the radius.
func (g *Generator) pointInDisc(center types.Point, radiusKm float64) types.Point {
	r := radiusKm * math.Sqrt(g.rng.Float64())
	theta := 2 * math.Pi * g.rng.Float64()
	northKm, eastKm := r*math.Cos(theta), r*math.Sin(theta)
	return types.Point{
		Lat: center.Lat + northKm/geo.KmPerDegreeLat,
		Lng: center.Lng + eastKm/(geo.KmPerDegreeLat*math.Cos(center.Lat*math.Pi/180)),
	}
}

// Age bands: 15% aged 0-12, 65% aged 13-69, 20% aged 70-95.
func (g *Generator) age() int {
	switch u := g.rng.Float64(); {
	case u < 0.15:
		return g.rng.IntN(13)
	case u < 0.80:
		return 13 + g.rng.IntN(57)
	default:
		return 70 + g.rng.IntN(26)
	}
}
