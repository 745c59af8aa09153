package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
)

// DefaultPurpleAirURL is the summary endpoint host used when none is configured.
const DefaultPurpleAirURL = "https://api.purpleair.com"

// PurpleAirProvider implements the aqi.Provider interface against the
// PurpleAir summary endpoint. The endpoint returns an already computed
// AQI and category for the requested sensors.
type PurpleAirProvider struct {
	name    string
	baseURL string
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
	now     func() time.Time
}

func NewPurpleAirProvider(client *http.Client, baseURL string) *PurpleAirProvider {
	if baseURL == "" {
		baseURL = DefaultPurpleAirURL
	}
	return &PurpleAirProvider{
		name:    "purpleair",
		baseURL: baseURL,
		httpCfg: HTTPClientConfig{
			Client:  client,
			Backoff: DefaultBackoff,
		},
		circuit: newCircuitBreaker("purpleair"),
		now:     time.Now,
	}
}

// WithBackoff overrides the retry policy.
func (p *PurpleAirProvider) WithBackoff(b BackoffConfig) *PurpleAirProvider {
	p.httpCfg.Backoff = b
	return p
}

func (p *PurpleAirProvider) Name() string {
	return p.name
}

// summaryPayload is the response body of /v1/aqi.
type summaryPayload struct {
	AQI        *int     `json:"aqi"`
	Category   string   `json:"category"`
	Conversion string   `json:"conversion"`
	Weighted   *bool    `json:"weighted"`
	Sites      []string `json:"sites"`
}

func (p *PurpleAirProvider) Fetch(ctx context.Context, cfg aqi.ProviderConfig) (aqi.Reading, error) {
	if cfg.APIKey == "" {
		return aqi.Reading{}, p.fail(aqi.KindAuth, errors.New("purpleair api key is not configured"))
	}

	query := p.query(cfg)
	buildRequest := func(ctx context.Context) (*http.Request, error) {
		u := fmt.Sprintf("%s/v1/aqi?%s", p.baseURL, query.Encode())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-API-Key", cfg.APIKey)
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	resp, err := doRequestWithResilience(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return aqi.Reading{}, p.fail(classify(err), err)
	}
	defer resp.Body.Close()

	var payload summaryPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return aqi.Reading{}, p.fail(aqi.KindDecode, err)
	}
	if payload.AQI == nil {
		return aqi.Reading{}, p.fail(aqi.KindDecode, errors.New("response has no aqi"))
	}
	if payload.Category == "" {
		return aqi.Reading{}, p.fail(aqi.KindDecode, errors.New("response has no category"))
	}

	conversion := payload.Conversion
	if conversion == "" {
		conversion = cfg.Conversion
	}
	weighted := cfg.Weighted
	if payload.Weighted != nil {
		weighted = *payload.Weighted
	}

	return aqi.Reading{
		AQI:              *payload.AQI,
		Category:         aqi.Category(payload.Category),
		ConversionMethod: conversion,
		Weighted:         weighted,
		Sites:            payload.Sites,
		FetchedAt:        p.now().UTC(),
	}, nil
}

func (p *PurpleAirProvider) query(cfg aqi.ProviderConfig) url.Values {
	values := url.Values{}
	if cfg.DeviceSearch {
		values.Set("lat", strconv.FormatFloat(cfg.Latitude, 'f', 6, 64))
		values.Set("lon", strconv.FormatFloat(cfg.Longitude, 'f', 6, 64))
		values.Set("range", strconv.FormatFloat(cfg.SearchRange, 'f', -1, 64))
		unit := cfg.Unit
		if unit == "" {
			unit = aqi.UnitMiles
		}
		values.Set("unit", string(unit))
	} else {
		values.Set("sensor_index", strconv.Itoa(cfg.SensorIndex))
		if cfg.ReadKey != "" {
			values.Set("read_key", cfg.ReadKey)
		}
	}
	values.Set("weighted", strconv.FormatBool(cfg.Weighted))
	conversion := cfg.Conversion
	if conversion == "" {
		conversion = aqi.DefaultConversion
	}
	values.Set("conversion", conversion)
	return values
}

func (p *PurpleAirProvider) fail(kind aqi.ProviderErrorKind, err error) error {
	return &aqi.ProviderError{Provider: p.name, Kind: kind, Err: err}
}

func classify(err error) aqi.ProviderErrorKind {
	switch {
	case errors.Is(err, errUnauthorized):
		return aqi.KindAuth
	case errors.Is(err, errRateLimited),
		errors.Is(err, errServerError),
		errors.Is(err, errUnexpected),
		errors.Is(err, errCircuitOpen):
		return aqi.KindStatus
	default:
		return aqi.KindNetwork
	}
}
