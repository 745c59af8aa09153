package providers

import (
	"context"
	"fmt"
	"sync"

	"github.com/kelvins/geocoder"
)

// Place is a postal location to be resolved to coordinates.
type Place struct {
	Street  string
	City    string
	State   string
	Country string
}

// GoogleGeocoder resolves places through the Google Geocoding API.
type GoogleGeocoder struct {
	apiKey string
}

// geocoder keeps its key in a package variable; calls are serialized so
// instances with different keys do not race.
var geocodeMu sync.Mutex

func NewGoogleGeocoder(apiKey string) *GoogleGeocoder {
	return &GoogleGeocoder{apiKey: apiKey}
}

// Resolve returns latitude and longitude for p.
func (g *GoogleGeocoder) Resolve(ctx context.Context, p Place) (float64, float64, error) {
	if g.apiKey == "" {
		return 0, 0, fmt.Errorf("geocoder api key is not configured")
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	geocodeMu.Lock()
	defer geocodeMu.Unlock()

	geocoder.ApiKey = g.apiKey
	loc, err := geocoder.Geocoding(geocoder.Address{
		Street:  p.Street,
		City:    p.City,
		State:   p.State,
		Country: p.Country,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("geocode %s, %s: %w", p.City, p.Country, err)
	}
	return loc.Latitude, loc.Longitude, nil
}
