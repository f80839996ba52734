package domain

import "math"

// RadiusPolicy scales the search radius with hail size. All distances are
// statute miles; magnitudes are inches.
type RadiusPolicy struct {
	MinMagnitude  float64 `yaml:"min_magnitude"`
	BaseRadius    float64 `yaml:"base_radius"`
	RadiusPerInch float64 `yaml:"radius_per_inch"`
	MaxRadius     float64 `yaml:"max_radius"`
}

// DefaultRadiusPolicy: 1" hail and up, 1 mi base, +1 mi per inch, 5 mi cap.
func DefaultRadiusPolicy() RadiusPolicy {
	return RadiusPolicy{
		MinMagnitude:  1.0,
		BaseRadius:    1.0,
		RadiusPerInch: 1.0,
		MaxRadius:     5.0,
	}
}

// Radius returns min(base + perInch*max(0, m-min), max).
func (p RadiusPolicy) Radius(magnitude float64) float64 {
	excess := math.Max(0, magnitude-p.MinMagnitude)
	return math.Min(p.BaseRadius+p.RadiusPerInch*excess, p.MaxRadius)
}

// Eligible reports whether an event of this magnitude takes part in matching.
func (p RadiusPolicy) Eligible(magnitude float64) bool {
	return magnitude >= p.MinMagnitude
}

// Validate returns a *ConfigurationError for a policy that cannot produce
// a sensible radius.
func (p RadiusPolicy) Validate() error {
	switch {
	case p.MinMagnitude < 0:
		return &ConfigurationError{Option: "min_magnitude", Reason: "must be non-negative"}
	case p.BaseRadius < 0:
		return &ConfigurationError{Option: "base_radius", Reason: "must be non-negative"}
	case p.RadiusPerInch < 0:
		return &ConfigurationError{Option: "radius_per_inch", Reason: "must be non-negative"}
	case p.MaxRadius <= 0:
		return &ConfigurationError{Option: "max_radius", Reason: "must be positive"}
	case p.BaseRadius > p.MaxRadius:
		return &ConfigurationError{Option: "base_radius", Reason: "must not exceed max_radius"}
	}
	return nil
}
