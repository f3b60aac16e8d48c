package executor

import "time"

// TTLPolicy selects cache residency per tool. Reference data that changes
// slowly gets long TTLs, analytical results medium, live data short, and
// generative/visualization outputs are never cached (zero TTL). Error
// results are capped at the error TTL regardless of the tool's normal
// residency so transient failures get retried soon.
type TTLPolicy struct {
	Default time.Duration
	Error   time.Duration
	PerTool map[string]time.Duration // zero value disables caching for that tool
}

// For returns the TTL for a fresh result of the named tool. Zero means
// "do not cache".
func (p TTLPolicy) For(tool string, isError bool) time.Duration {
	ttl := p.Default
	if t, ok := p.PerTool[tool]; ok {
		ttl = t
	}
	if isError && p.Error < ttl {
		ttl = p.Error
	}
	return ttl
}

// DefaultTTLPolicy returns the standard residency tiers for the built-in
// geospatial tool set.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Default: 30 * time.Minute,
		Error:   5 * time.Minute,
		PerTool: map[string]time.Duration{
			// Slowly-changing reference data.
			"get_location_info":    24 * time.Hour,
			"calculate_distance":   24 * time.Hour,
			"destination_point":    24 * time.Hour,
			"bounding_box":         24 * time.Hour,
			"find_nearby_features": 12 * time.Hour,
			"analyze_area":         12 * time.Hour,

			// Moderately dynamic analytical results.
			"get_carbon_footprint":         6 * time.Hour,
			"analyze_water_resources":      6 * time.Hour,
			"assess_biodiversity":          6 * time.Hour,
			"analyze_land_use_change":      6 * time.Hour,
			"calculate_environmental_risk": 6 * time.Hour,

			// Live data.
			"get_current_weather":  30 * time.Minute,
			"get_weather_forecast": time.Hour,
			"get_air_quality":      30 * time.Minute,

			// Generative output — never cached.
			"generate_map":                    0,
			"create_chart":                    0,
			"create_comparison_visualization": 0,
			"answer_gis_question":             0,
		},
	}
}
