package aqi

import (
	"context"
	"log/slog"
)

// Unit is the distance unit used for the provider search radius.
type Unit string

const (
	UnitMiles      Unit = "miles"
	UnitKilometers Unit = "kilometers"
)

// Conversions lists the conversion formulas a provider may be asked to apply.
var Conversions = []string{
	"US EPA",
	"Woodsmoke",
	"AQ&U",
	"LRAPA",
	"CF=1",
	"none",
}

// DefaultConversion is used when an entry does not pick one.
const DefaultConversion = "US EPA"

// ProviderConfig is the opaque bundle handed to a Provider on every fetch.
// It is built once per instance from the persisted entry.
type ProviderConfig struct {
	APIKey string

	// DeviceSearch selects a radius search around Latitude/Longitude.
	// When false, SensorIndex (and optionally ReadKey) picks one sensor.
	DeviceSearch bool
	Latitude     float64
	Longitude    float64
	SearchRange  float64
	Unit         Unit

	SensorIndex int
	ReadKey     string

	Weighted   bool
	Conversion string
}

// LogValue keeps credentials out of log output.
func (c ProviderConfig) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Bool("device_search", c.DeviceSearch),
		slog.Bool("weighted", c.Weighted),
		slog.String("conversion", c.Conversion),
	}
	if c.DeviceSearch {
		attrs = append(attrs,
			slog.Float64("lat", c.Latitude),
			slog.Float64("lon", c.Longitude),
			slog.Float64("range", c.SearchRange),
			slog.String("unit", string(c.Unit)),
		)
	} else {
		attrs = append(attrs, slog.Int("sensor_index", c.SensorIndex))
	}
	return slog.GroupValue(attrs...)
}

// Provider abstracts the upstream AQI source.
// Fetch returns a *ProviderError on network, authentication or malformed-response failures.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, cfg ProviderConfig) (Reading, error)
}
