// Package entrystore persists config entries. An entry's stored data is the
// single source of truth for its settings, including the update interval.
package entrystore

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
)

var (
	ErrNotFound = errors.New("entry not found")
	ErrExists   = errors.New("entry already exists")
)

// Defaults for optional entry fields.
const (
	DefaultSearchRange = 1.5
	MinSearchRange     = 0.1
	MaxSearchRange     = 50
)

// Location is a postal address resolved to coordinates at setup.
type Location struct {
	Street  string `json:"street,omitempty" yaml:"street,omitempty"`
	City    string `json:"city" yaml:"city" validate:"required"`
	State   string `json:"state,omitempty" yaml:"state,omitempty"`
	Country string `json:"country" yaml:"country" validate:"required"`
}

// Data is the persisted settings of one entry.
type Data struct {
	APIKey       string    `json:"api_key" yaml:"api_key" validate:"required"`
	DeviceSearch bool      `json:"device_search" yaml:"device_search"`
	Latitude     float64   `json:"latitude" yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude    float64   `json:"longitude" yaml:"longitude" validate:"gte=-180,lte=180"`
	Location     *Location `json:"location,omitempty" yaml:"location,omitempty"`
	SearchRange  float64   `json:"search_range" yaml:"search_range" validate:"gte=0.1,lte=50"`
	Unit         aqi.Unit  `json:"unit" yaml:"unit" validate:"oneof=miles kilometers"`
	SensorIndex  int       `json:"sensor_index,omitempty" yaml:"sensor_index,omitempty" validate:"gte=0"`
	ReadKey      string    `json:"read_key,omitempty" yaml:"read_key,omitempty"`
	Weighted     bool      `json:"weighted" yaml:"weighted"`
	Conversion   string    `json:"conversion" yaml:"conversion" validate:"conversion"`

	UpdateInterval int `json:"update_interval" yaml:"update_interval" validate:"gte=1,lte=60"`
}

// DefaultData returns Data with every optional field at its default.
// Decoders fill it in place so absent keys keep their defaults.
func DefaultData() Data {
	return Data{
		DeviceSearch:   true,
		SearchRange:    DefaultSearchRange,
		Unit:           aqi.UnitMiles,
		Weighted:       true,
		Conversion:     aqi.DefaultConversion,
		UpdateInterval: aqi.DefaultIntervalMinutes,
	}
}

// Entry is one configured AQI source.
type Entry struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Data      Data      `json:"data" yaml:"data"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// NewEntry assigns a fresh id and timestamps.
func NewEntry(title string, data Data) Entry {
	now := time.Now().UTC()
	return Entry{
		ID:        uuid.NewString(),
		Title:     title,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Store is the persistence contract shared by the sqlite and file backends.
type Store interface {
	List(ctx context.Context) ([]Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	Create(ctx context.Context, e Entry) error
	// Update applies fn to the stored data and persists the result if it
	// validates. Nothing is written when fn or validation fails.
	Update(ctx context.Context, id string, fn func(*Data) error) (Entry, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("conversion", func(fl validator.FieldLevel) bool {
		return slices.Contains(aqi.Conversions, fl.Field().String())
	})
	return v
}

// Validate checks d and returns a *aqi.ConfigError naming the first bad field.
func (d Data) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &aqi.ConfigError{
				Field:  fe.Field(),
				Value:  fe.Value(),
				Reason: reason(fe),
			}
		}
		return err
	}
	if !d.DeviceSearch && d.SensorIndex <= 0 {
		return &aqi.ConfigError{
			Field:  "sensor_index",
			Value:  d.SensorIndex,
			Reason: "required when device_search is off",
		}
	}
	// Unset coordinates decode as 0,0, which would silently search the
	// Gulf of Guinea.
	if d.DeviceSearch && d.Location == nil && d.Latitude == 0 && d.Longitude == 0 {
		return &aqi.ConfigError{
			Field:  "latitude",
			Value:  d.Latitude,
			Reason: "latitude and longitude are required for device_search without a location",
		}
	}
	if d.Location != nil && !d.DeviceSearch {
		return &aqi.ConfigError{
			Field:  "location",
			Value:  d.Location.City,
			Reason: "only used with device_search",
		}
	}
	return aqi.ValidateInterval(d.UpdateInterval)
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "conversion":
		return "must be one of " + strings.Join(aqi.Conversions, ", ")
	default:
		return fmt.Sprintf("failed %s check", fe.Tag())
	}
}

// ProviderConfig maps the persisted data onto the provider bundle.
// Latitude and longitude are taken as stored.
func (d Data) ProviderConfig() aqi.ProviderConfig {
	return aqi.ProviderConfig{
		APIKey:       d.APIKey,
		DeviceSearch: d.DeviceSearch,
		Latitude:     d.Latitude,
		Longitude:    d.Longitude,
		SearchRange:  d.SearchRange,
		Unit:         d.Unit,
		SensorIndex:  d.SensorIndex,
		ReadKey:      d.ReadKey,
		Weighted:     d.Weighted,
		Conversion:   d.Conversion,
	}
}

// SameSource reports whether a and b fetch the same readings. Only the
// update interval may differ.
func SameSource(a, b Data) bool {
	a.UpdateInterval, b.UpdateInterval = 0, 0
	if (a.Location == nil) != (b.Location == nil) {
		return false
	}
	if a.Location != nil && *a.Location != *b.Location {
		return false
	}
	a.Location, b.Location = nil, nil
	return a == b
}
