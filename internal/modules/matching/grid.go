// README: Spatial grid that buckets shelters into fixed-size cells for proximity lookups.
package matching

import (
	"math"
	"slices"

	"refuge/internal/geo"
	"refuge/internal/types"
)

const (
	// DefaultCellSizeKm is the grid cell edge length.
	DefaultCellSizeKm = 0.2
	// DefaultEdgeFraction is how close to a cell border a point must be before
	// the neighbouring band of cells is searched as well.
	DefaultEdgeFraction = 0.25

	// maxLngReach caps the per-query longitude span; wider spans scan everything.
	maxLngReach = 1 << 12
)

type cellKey struct {
	lat int
	lng int
}

// Grid indexes shelters by cell. It is immutable once built and must be rebuilt
// when the shelter set changes.
type Grid struct {
	ref         types.Point
	cellKm      float64
	kmPerDegLng float64
	reach       int
	radiusKm    float64
	edge        float64
	cells       map[cellKey][]int
	size        int
}

// BuildGrid indexes shelters relative to ref. Queries cover every shelter within
// searchRadiusKm: the neighbourhood is the 3x3 block around the query cell,
// widened by extra rings when searchRadiusKm exceeds the cell size.
func BuildGrid(shelters []Shelter, ref types.Point, cellSizeKm, searchRadiusKm, edgeFraction float64) *Grid {
	if cellSizeKm <= 0 {
		cellSizeKm = DefaultCellSizeKm
	}
	if edgeFraction < 0 || edgeFraction >= 0.5 {
		edgeFraction = DefaultEdgeFraction
	}
	reach := 1
	if searchRadiusKm > cellSizeKm {
		reach = int(math.Ceil(searchRadiusKm / cellSizeKm))
	}
	kmPerDegLng := geo.KmPerDegreeLat * math.Cos(ref.Lat*math.Pi/180.0)
	if kmPerDegLng < 1e-6 {
		kmPerDegLng = 1e-6
	}

	g := &Grid{
		ref:         ref,
		cellKm:      cellSizeKm,
		kmPerDegLng: kmPerDegLng,
		reach:       reach,
		radiusKm:    max(searchRadiusKm, cellSizeKm),
		edge:        edgeFraction,
		cells:       make(map[cellKey][]int),
		size:        len(shelters),
	}
	for i, s := range shelters {
		key, _, _ := g.locate(s.Location)
		g.cells[key] = append(g.cells[key], i)
	}
	return g
}

// locate returns the cell of p and p's fractional position inside that cell.
func (g *Grid) locate(p types.Point) (cellKey, float64, float64) {
	y := (p.Lat - g.ref.Lat) * geo.KmPerDegreeLat / g.cellKm
	x := (p.Lng - g.ref.Lng) * g.kmPerDegLng / g.cellKm
	fy, fx := math.Floor(y), math.Floor(x)
	return cellKey{lat: int(fy), lng: int(fx)}, y - fy, x - fx
}

// Nearby returns the indices (into the slice passed to BuildGrid) of shelters in
// the search neighbourhood of p, in ascending order. Empty when nothing is indexed.
func (g *Grid) Nearby(p types.Point) []int {
	if len(g.cells) == 0 {
		return nil
	}
	key, fy, fx := g.locate(p)

	latLo, latHi := key.lat-g.reach, key.lat+g.reach
	if fy < g.edge {
		latLo--
	}
	if fy > 1-g.edge {
		latHi++
	}
	lngReach, ok := g.lngReach(p.Lat)
	if !ok {
		return g.all()
	}
	lngLo, lngHi := key.lng-lngReach, key.lng+lngReach
	if fx < g.edge {
		lngLo--
	}
	if fx > 1-g.edge {
		lngHi++
	}

	var out []int
	for la := latLo; la <= latHi; la++ {
		for ln := lngLo; ln <= lngHi; ln++ {
			out = append(out, g.cells[cellKey{lat: la, lng: ln}]...)
		}
	}
	slices.Sort(out)
	return out
}

// lngReach is the number of longitude cells the search radius spans at lat.
// Cells are sized at the reference latitude, so a query poleward of it needs
// more of them. The band's most poleward latitude bounds the span. ok is false
// when the band reaches a pole.
func (g *Grid) lngReach(lat float64) (int, bool) {
	poleward := math.Abs(lat) + g.radiusKm/geo.KmPerDegreeLat
	if poleward >= 90 {
		return 0, false
	}
	kmPerDeg := geo.KmPerDegreeLat * math.Cos(poleward*math.Pi/180.0)
	cells := g.radiusKm / g.cellKm * g.kmPerDegLng / kmPerDeg
	if cells > maxLngReach {
		return 0, false
	}
	return max(g.reach, int(math.Ceil(cells))), true
}

// all returns every indexed shelter.
func (g *Grid) all() []int {
	out := make([]int, g.size)
	for i := range out {
		out[i] = i
	}
	return out
}
