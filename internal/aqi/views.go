package aqi

import (
	"strings"
	"time"
)

// The view functions below project one facet of the current reading.
// A nil reading means no successful fetch has happened yet; every view
// returns a defined value for it and never fails.

// AQIValue returns the raw AQI, or ok=false without a reading.
func AQIValue(r *Reading) (int, bool) {
	if r == nil {
		return 0, false
	}
	return r.AQI, true
}

// CategoryOf returns the category label as sent by the provider.
func CategoryOf(r *Reading) (Category, bool) {
	if r == nil {
		return "", false
	}
	return r.Category, true
}

func SeverityOf(r *Reading) (Severity, bool) {
	if r == nil {
		return "", false
	}
	return Lookup(r.Category).Severity, true
}

func ColorName(r *Reading) (string, bool) {
	if r == nil {
		return "", false
	}
	return Lookup(r.Category).ColorName, true
}

func ColorHex(r *Reading) (string, bool) {
	if r == nil {
		return "", false
	}
	return Lookup(r.Category).ColorHex, true
}

// Level returns the EPA level 1-6, or 0 for an unknown category.
func Level(r *Reading) (int, bool) {
	if r == nil {
		return 0, false
	}
	return Lookup(r.Category).Level, true
}

func AdvisoryShort(r *Reading) string {
	if r == nil {
		return "No data"
	}
	return Lookup(r.Category).AdvisoryShort
}

func AdvisoryLong(r *Reading) string {
	if r == nil {
		return "No data available"
	}
	return Lookup(r.Category).AdvisoryLong
}

// SitesDisplay joins the contributing sites in provider order.
func SitesDisplay(r *Reading) (string, bool) {
	if r == nil || len(r.Sites) == 0 {
		return "", false
	}
	return strings.Join(r.Sites, ", "), true
}

// HealthStatus is "online" whenever a reading is cached, however old it is.
func HealthStatus(r *Reading) string {
	if r == nil {
		return HealthOffline
	}
	return HealthOnline
}

// Snapshot is one published generation of the result cache.
type Snapshot struct {
	Reading    *Reading
	Generation uint64

	// Delta is the AQI change against the previous generation, computed
	// once when the generation was published.
	Delta int
}

// ViewSet is every facet of a snapshot in one consistent structure.
// Absent values encode as JSON null.
type ViewSet struct {
	AQI           *int      `json:"aqi"`
	Delta         *int      `json:"aqi_delta"`
	Category      *Category `json:"category"`
	Severity      *Severity `json:"severity"`
	Level         *int      `json:"aqi_level"`
	ColorName     *string   `json:"aqi_color_name"`
	ColorHex      *string   `json:"aqi_color_hex"`
	AdvisoryShort string    `json:"health_advisory_short"`
	AdvisoryLong  string    `json:"health_advisory_long"`
	Sites         *string   `json:"sites"`
	HealthStatus  string    `json:"health_status"`

	Conversion *string    `json:"conversion"`
	Weighted   *bool      `json:"weighted"`
	FetchedAt  *time.Time `json:"fetch_time"`
	Generation uint64     `json:"generation"`
}

// Project builds the ViewSet for snap. A nil snapshot yields the no-data set.
func Project(snap *Snapshot) ViewSet {
	var r *Reading
	if snap != nil {
		r = snap.Reading
	}

	vs := ViewSet{
		AdvisoryShort: AdvisoryShort(r),
		AdvisoryLong:  AdvisoryLong(r),
		HealthStatus:  HealthStatus(r),
	}
	if r == nil {
		return vs
	}

	vs.Generation = snap.Generation
	vs.AQI = ptr(r.AQI)
	vs.Delta = ptr(snap.Delta)
	vs.Category = ptr(r.Category)

	meta := Lookup(r.Category)
	vs.Severity = ptr(meta.Severity)
	vs.Level = ptr(meta.Level)
	vs.ColorName = ptr(meta.ColorName)
	vs.ColorHex = ptr(meta.ColorHex)

	if sites, ok := SitesDisplay(r); ok {
		vs.Sites = ptr(sites)
	}
	vs.Conversion = ptr(r.ConversionMethod)
	vs.Weighted = ptr(r.Weighted)
	vs.FetchedAt = ptr(r.FetchedAt)
	return vs
}

func ptr[T any](v T) *T { return &v }
