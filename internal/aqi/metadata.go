package aqi

// Metadata is the static presentation data attached to a category.
type Metadata struct {
	Level         int      `json:"level"`
	Severity      Severity `json:"severity"`
	ColorName     string   `json:"colorName"`
	ColorHex      string   `json:"colorHex"`
	AdvisoryShort string   `json:"advisoryShort"`
	AdvisoryLong  string   `json:"advisoryLong"`
}

// FallbackMetadata is returned for categories outside the known set.
var FallbackMetadata = Metadata{
	Level:         0,
	Severity:      SeverityUnknown,
	ColorName:     "unknown",
	ColorHex:      "#000000",
	AdvisoryShort: "Unknown",
	AdvisoryLong:  "Air quality information unavailable.",
}

// EPA palette and advisories.
var metadata = map[Category]Metadata{
	CategoryGood: {
		Level:         1,
		Severity:      SeverityInfo,
		ColorName:     "green",
		ColorHex:      "#00E400",
		AdvisoryShort: "Good",
		AdvisoryLong:  "Air quality is good. Enjoy your day!",
	},
	CategoryModerate: {
		Level:         2,
		Severity:      SeverityWarning,
		ColorName:     "yellow",
		ColorHex:      "#FFFF00",
		AdvisoryShort: "Moderate",
		AdvisoryLong:  "Moderate air quality. Sensitive individuals should consider reducing prolonged outdoor exertion.",
	},
	CategoryUnhealthyForSensitive: {
		Level:         3,
		Severity:      SeverityWarning,
		ColorName:     "orange",
		ColorHex:      "#FF7E00",
		AdvisoryShort: "Unhealthy for sensitive groups",
		AdvisoryLong:  "Limit prolonged outdoor exertion if you are sensitive.",
	},
	CategoryUnhealthy: {
		Level:         4,
		Severity:      SeverityCritical,
		ColorName:     "red",
		ColorHex:      "#FF0000",
		AdvisoryShort: "Unhealthy",
		AdvisoryLong:  "Air is unhealthy. Consider reducing outdoor activities.",
	},
	CategoryVeryUnhealthy: {
		Level:         5,
		Severity:      SeverityCritical,
		ColorName:     "purple",
		ColorHex:      "#8F3F97",
		AdvisoryShort: "Very unhealthy",
		AdvisoryLong:  "Health alert: everyone may experience more serious effects.",
	},
	CategoryHazardous: {
		Level:         6,
		Severity:      SeverityCritical,
		ColorName:     "maroon",
		ColorHex:      "#7E0023",
		AdvisoryShort: "Hazardous",
		AdvisoryLong:  "Emergency conditions: avoid outdoor activity.",
	},
}

// Lookup returns the metadata for c, or FallbackMetadata when c is unknown.
func Lookup(c Category) Metadata {
	if m, ok := metadata[c]; ok {
		return m
	}
	return FallbackMetadata
}
