package aqi

import (
	"time"
)

// Category is the EPA-style label the provider assigns to an AQI value.
// Providers may send labels outside the known set; they are kept verbatim.
type Category string

const (
	CategoryGood                  Category = "Good"
	CategoryModerate              Category = "Moderate"
	CategoryUnhealthyForSensitive Category = "Unhealthy for Sensitive Groups"
	CategoryUnhealthy             Category = "Unhealthy"
	CategoryVeryUnhealthy         Category = "Very Unhealthy"
	CategoryHazardous             Category = "Hazardous"
)

// Categories lists the known categories in ascending severity.
var Categories = []Category{
	CategoryGood,
	CategoryModerate,
	CategoryUnhealthyForSensitive,
	CategoryUnhealthy,
	CategoryVeryUnhealthy,
	CategoryHazardous,
}

// Known reports whether c is one of the six defined categories.
func (c Category) Known() bool {
	_, ok := metadata[c]
	return ok
}

// Severity buckets categories for alerting consumers.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityUnknown  Severity = "unknown"
)

// Reading is one aggregated AQI result as returned by a provider.
// A Reading is never modified after it has been published.
type Reading struct {
	AQI              int       `json:"aqi"`
	Category         Category  `json:"category"`
	ConversionMethod string    `json:"conversion"`
	Weighted         bool      `json:"weighted"`
	Sites            []string  `json:"sites,omitempty"`
	FetchedAt        time.Time `json:"fetchedAt"` // always UTC
}

// Clone returns a copy that shares no memory with r.
func (r Reading) Clone() Reading {
	out := r
	if r.Sites != nil {
		out.Sites = append([]string(nil), r.Sites...)
	}
	return out
}

// HealthStatus values reported by the health view.
const (
	HealthOnline  = "online"
	HealthOffline = "offline"
)
