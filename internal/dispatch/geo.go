package dispatch

import (
	"math"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine/internal/orders"
)

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance between a and b in kilometres.
func Haversine(a, b orders.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// ETA is travel time at speedKmh plus the fixed preparation time.
func ETA(distanceKm, speedKmh float64, prep time.Duration) time.Duration {
	if speedKmh <= 0 {
		return prep
	}
	travel := time.Duration(distanceKm / speedKmh * float64(time.Hour))
	return (travel + prep).Round(time.Second)
}

// Earnings is the per-delivery payout formula.
type Earnings struct {
	BaseCents  int `yaml:"base_cents"`
	PerKmCents int `yaml:"per_km_cents"`
}

func (e Earnings) For(distanceKm float64) int {
	if distanceKm < 0 {
		distanceKm = 0
	}
	return e.BaseCents + int(math.Round(distanceKm*float64(e.PerKmCents)))
}

// box is a lat/lon bounding box around a point, used to prefilter queries
// before the exact distance check.
type box struct{ minLat, maxLat, minLon, maxLon float64 }

func boundingBox(at orders.GeoPoint, radiusKm float64) box {
	dLat := radiusKm / earthRadiusKm * 180 / math.Pi
	cos := math.Cos(at.Lat * math.Pi / 180)
	dLon := 180.0
	if cos > 1e-9 {
		dLon = math.Min(180, dLat/cos)
	}
	return box{at.Lat - dLat, at.Lat + dLat, at.Lon - dLon, at.Lon + dLon}
}
