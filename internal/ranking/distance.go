package ranking

import (
	"math"

	"github.com/sells-group/projectmatch/internal/identity"
)

const earthRadiusMiles = 3958.8

// Distance returns the great-circle distance in miles between two
// locations, or -1 when it cannot be determined. A candidate without
// coordinates is at distance 0 when it shares the origin's zip code.
func Distance(origin, loc identity.Location) float64 {
	if origin.HasCoords() && loc.HasCoords() {
		return haversineMiles(origin.Lat, origin.Lon, loc.Lat, loc.Lon)
	}
	if origin.Zip != "" && origin.Zip == loc.Zip {
		return 0
	}
	return -1
}

func haversineMiles(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(a)))
}
