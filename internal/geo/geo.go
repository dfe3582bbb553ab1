// Package geo filters price records by great-circle distance.
package geo

import (
	"math"
	"sort"
	"strings"

	"github.com/kjannette/pricesync/internal/models"
)

const EarthRadiusKm = 6371.0

// DistanceKm returns the haversine distance between a and b.
func DistanceKm(a, b models.Coordinates) float64 {
	lat1 := toRad(a.Lat)
	lat2 := toRad(b.Lat)
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push h a hair past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))
	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

func WithinRadius(point, center models.Coordinates, radiusKm float64) bool {
	return DistanceKm(point, center) <= radiusKm
}

// FilterByRadius returns the records within radiusKm of center, in input
// order. A non-empty nameFilter keeps only records whose commodity name
// matches it case-insensitively. Records without a valid position are
// dropped, never placed.
func FilterByRadius(records []models.Record, center models.Coordinates, radiusKm float64, nameFilter string) []models.Record {
	name := strings.TrimSpace(nameFilter)
	out := make([]models.Record, 0, len(records))
	for _, r := range records {
		if name != "" && !strings.EqualFold(strings.TrimSpace(r.CommodityName), name) {
			continue
		}
		if !r.Coordinates.Valid() {
			continue
		}
		if !WithinRadius(r.Coordinates, center, radiusKm) {
			continue
		}
		out = append(out, r)
	}
	return out
}

type Ranked struct {
	Record     models.Record `json:"record"`
	DistanceKm float64       `json:"distanceKm"`
}

// Nearest returns up to n records with valid positions, closest first.
// Equal distances keep input order. n <= 0 means no limit.
func Nearest(records []models.Record, center models.Coordinates, n int) []Ranked {
	ranked := make([]Ranked, 0, len(records))
	for _, r := range records {
		if !r.Coordinates.Valid() {
			continue
		}
		ranked = append(ranked, Ranked{Record: r, DistanceKm: DistanceKm(r.Coordinates, center)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceKm < ranked[j].DistanceKm
	})
	if n > 0 && len(ranked) > n {
		ranked = ranked[:n]
	}
	return ranked
}

// ValidateQuery checks a radius query before it runs. The center may be
// (0,0) here; only stored records treat that as unknown.
func ValidateQuery(center models.Coordinates, radiusKm float64) error {
	if math.IsNaN(center.Lat) || math.IsNaN(center.Lon) ||
		center.Lat < -90 || center.Lat > 90 || center.Lon < -180 || center.Lon > 180 {
		return models.Invalid("center (%v, %v) out of range", center.Lat, center.Lon)
	}
	if math.IsNaN(radiusKm) || math.IsInf(radiusKm, 0) || radiusKm < 0 {
		return models.Invalid("radius %v km", radiusKm)
	}
	return nil
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
