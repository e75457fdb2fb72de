package geospatial

import (
	"fmt"
	"math"
)

// averageSpeedMph is the assumed travel speed for display-only time
// estimates. Not used in any correctness-sensitive path.
const averageSpeedMph = 24.0

// FormatDistance renders a distance in miles as a short human label.
// Returns nil for nil input.
func FormatDistance(miles *float64) *string {
	if miles == nil {
		return nil
	}

	var s string
	switch {
	case *miles < 0.1:
		s = "<0.1 mi"
	case *miles < 10:
		s = fmt.Sprintf("%.1f mi", *miles)
	default:
		s = fmt.Sprintf("%.0f mi", *miles)
	}
	return &s
}

// EstimateTravelTime renders a rough travel-time label for a distance in
// miles, assuming averageSpeedMph. Returns nil for nil input.
func EstimateTravelTime(miles *float64) *string {
	if miles == nil {
		return nil
	}

	minutes := int(math.Round(*miles / averageSpeedMph * 60))
	var s string
	switch {
	case minutes < 1:
		s = "<1 min"
	case minutes < 60:
		s = fmt.Sprintf("%d min", minutes)
	default:
		h := minutes / 60
		m := minutes % 60
		if m == 0 {
			s = fmt.Sprintf("%d hr", h)
		} else {
			s = fmt.Sprintf("%d hr %d min", h, m)
		}
	}
	return &s
}
