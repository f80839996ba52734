package domain

import (
	"math"
	"sort"
)

// DefaultCellDegrees is the grid cell edge. At CONUS latitudes a 0.1 degree
// cell is roughly 5-7 miles across, comparable to the default radius cap.
const DefaultCellDegrees = 0.1

type cell struct {
	lat, lon int
}

// GridIndex buckets property positions into fixed-size lat/lon cells. It
// only prunes: every candidate it returns is still checked with Haversine,
// and it never omits a point that lies within the queried radius.
type GridIndex struct {
	cellDeg float64
	cells   map[cell][]int
	size    int
}

// NewGridIndex indexes properties by slice position. A non-positive
// cellDeg uses DefaultCellDegrees.
func NewGridIndex(properties []Property, cellDeg float64) *GridIndex {
	if cellDeg <= 0 {
		cellDeg = DefaultCellDegrees
	}
	g := &GridIndex{
		cellDeg: cellDeg,
		cells:   make(map[cell][]int),
		size:    len(properties),
	}
	for i, p := range properties {
		c := g.cellOf(p.Lat, p.Lon)
		g.cells[c] = append(g.cells[c], i)
	}
	return g
}

func (g *GridIndex) cellOf(lat, lon float64) cell {
	return cell{
		lat: int(math.Floor(lat / g.cellDeg)),
		lon: int(math.Floor(lon / g.cellDeg)),
	}
}

// Candidates returns, in ascending order, the positions of every indexed
// point that may lie within radiusMiles of (lat, lon).
func (g *GridIndex) Candidates(lat, lon, radiusMiles float64) []int {
	dLat, dLon, full := boundingDeltas(lat, radiusMiles)
	if full {
		out := make([]int, g.size)
		for i := range out {
			out[i] = i
		}
		return out
	}

	lo := g.cellOf(lat-dLat, lon-dLon)
	hi := g.cellOf(lat+dLat, lon+dLon)
	if span := (hi.lat - lo.lat + 1) * (hi.lon - lo.lon + 1); span > len(g.cells) {
		return g.scanCells(lo, hi)
	}

	var out []int
	for cl := lo.lat; cl <= hi.lat; cl++ {
		for cn := lo.lon; cn <= hi.lon; cn++ {
			out = append(out, g.cells[cell{lat: cl, lon: cn}]...)
		}
	}
	sort.Ints(out)
	return out
}

// scanCells walks occupied cells instead of the query window when the
// window is larger than the set of occupied cells.
func (g *GridIndex) scanCells(lo, hi cell) []int {
	var out []int
	for c, idx := range g.cells {
		if c.lat >= lo.lat && c.lat <= hi.lat && c.lon >= lo.lon && c.lon <= hi.lon {
			out = append(out, idx...)
		}
	}
	sort.Ints(out)
	return out
}

// boundingDeltas returns the latitude and longitude half-widths, in degrees,
// of a box containing every point within radiusMiles of a point at lat.
// full is true when the circle reaches a pole and spans all longitudes.
func boundingDeltas(lat, radiusMiles float64) (dLat, dLon float64, full bool) {
	angular := radiusMiles / EarthRadiusMiles
	dLat = angular * 180 / math.Pi

	phi := lat * math.Pi / 180
	if math.Abs(phi)+angular >= math.Pi/2 {
		return dLat, 180, true
	}
	x := math.Sin(angular) / math.Cos(phi)
	if x >= 1 {
		return dLat, 180, true
	}
	dLon = math.Asin(x) * 180 / math.Pi
	// Pad for rounding at cell boundaries.
	return dLat + 1e-9, dLon + 1e-9, false
}
