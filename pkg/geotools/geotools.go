// Package geotools provides the built-in geospatial tool set: great-circle
// distance, destination point, and bounding box calculations on a spherical
// Earth model.
package geotools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/tellurhq/tellur/pkg/executor"
)

// Mean Earth radius in kilometers (IUGG).
const earthRadiusKm = 6371.0088

// DefaultRegistry returns a registry with the built-in tools registered.
func DefaultRegistry() *executor.Registry {
	reg := executor.NewRegistry()
	reg.Register(CalculateDistance())
	reg.Register(DestinationPoint())
	reg.Register(BoundingBox())
	return reg
}

func argFloat(args map[string]any, key string) (float64, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("missing argument %q", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("argument %q must be a number, got %T", key, v)
	}
}

func latLon(args map[string]any, latKey, lonKey string) (float64, float64, error) {
	lat, err := argFloat(args, latKey)
	if err != nil {
		return 0, 0, err
	}
	lon, err := argFloat(args, lonKey)
	if err != nil {
		return 0, 0, err
	}
	if lat < -90 || lat > 90 {
		return 0, 0, fmt.Errorf("%s out of range: %v", latKey, lat)
	}
	if lon < -180 || lon > 180 {
		return 0, 0, fmt.Errorf("%s out of range: %v", lonKey, lon)
	}
	return lat, lon, nil
}

// CalculateDistance is the great-circle distance tool (haversine formula).
func CalculateDistance() executor.Tool {
	return executor.Tool{
		Name:        "calculate_distance",
		Description: "Great-circle distance in kilometers between two coordinates.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"lat1": {"type": "number"}, "lon1": {"type": "number"},
				"lat2": {"type": "number"}, "lon2": {"type": "number"}
			},
			"required": ["lat1", "lon1", "lat2", "lon2"]
		}`),
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			lat1, lon1, err := latLon(args, "lat1", "lon1")
			if err != nil {
				return nil, err
			}
			lat2, lon2, err := latLon(args, "lat2", "lon2")
			if err != nil {
				return nil, err
			}
			km := haversineKm(lat1, lon1, lat2, lon2)
			return map[string]any{
				"distance_km": km,
				"distance_mi": km * 0.621371,
			}, nil
		},
	}
}

// DestinationPoint projects a start coordinate along a bearing for a
// distance, returning the arrival coordinate.
func DestinationPoint() executor.Tool {
	return executor.Tool{
		Name:        "destination_point",
		Description: "Coordinate reached from a start point given a bearing (degrees, clockwise from north) and distance in kilometers.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"lat": {"type": "number"}, "lon": {"type": "number"},
				"bearing_deg": {"type": "number"}, "distance_km": {"type": "number"}
			},
			"required": ["lat", "lon", "bearing_deg", "distance_km"]
		}`),
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			lat, lon, err := latLon(args, "lat", "lon")
			if err != nil {
				return nil, err
			}
			bearing, err := argFloat(args, "bearing_deg")
			if err != nil {
				return nil, err
			}
			distance, err := argFloat(args, "distance_km")
			if err != nil {
				return nil, err
			}
			if distance < 0 {
				return nil, fmt.Errorf("distance_km must be non-negative, got %v", distance)
			}

			phi1 := radians(lat)
			lambda1 := radians(lon)
			theta := radians(bearing)
			delta := distance / earthRadiusKm

			phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) +
				math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
			lambda2 := lambda1 + math.Atan2(
				math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
				math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2))

			return map[string]any{
				"lat": degrees(phi2),
				"lon": normalizeLon(degrees(lambda2)),
			}, nil
		},
	}
}

// BoundingBox computes the lat/lon box containing a circle of the given
// radius around a center point.
func BoundingBox() executor.Tool {
	return executor.Tool{
		Name:        "bounding_box",
		Description: "Bounding box (min/max lat and lon) around a center coordinate for a radius in kilometers.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"lat": {"type": "number"}, "lon": {"type": "number"},
				"radius_km": {"type": "number"}
			},
			"required": ["lat", "lon", "radius_km"]
		}`),
		Run: func(ctx context.Context, args map[string]any) (map[string]any, error) {
			lat, lon, err := latLon(args, "lat", "lon")
			if err != nil {
				return nil, err
			}
			radius, err := argFloat(args, "radius_km")
			if err != nil {
				return nil, err
			}
			if radius < 0 {
				return nil, fmt.Errorf("radius_km must be non-negative, got %v", radius)
			}

			dLat := degrees(radius / earthRadiusKm)
			minLat := math.Max(lat-dLat, -90)
			maxLat := math.Min(lat+dLat, 90)

			// Longitude span widens toward the poles; at the poles the box
			// wraps the full circle.
			var minLon, maxLon float64
			cosLat := math.Cos(radians(lat))
			if cosLat <= 1e-12 || minLat == -90 || maxLat == 90 {
				minLon, maxLon = -180, 180
			} else {
				dLon := degrees(radius / (earthRadiusKm * cosLat))
				if dLon >= 180 {
					minLon, maxLon = -180, 180
				} else {
					minLon = normalizeLon(lon - dLon)
					maxLon = normalizeLon(lon + dLon)
				}
			}

			return map[string]any{
				"min_lat": minLat,
				"max_lat": maxLat,
				"min_lon": minLon,
				"max_lon": maxLon,
			}, nil
		},
	}
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lon2 - lon1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// normalizeLon wraps a longitude into [-180, 180).
func normalizeLon(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
