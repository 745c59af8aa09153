package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
)

var fastBackoff = BackoffConfig{
	MaxRetries:      2,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

func newTestProvider(srv *httptest.Server) *PurpleAirProvider {
	return NewPurpleAirProvider(srv.Client(), srv.URL).WithBackoff(fastBackoff)
}

func searchConfig() aqi.ProviderConfig {
	return aqi.ProviderConfig{
		APIKey:       "key-123",
		DeviceSearch: true,
		Latitude:     47.6,
		Longitude:    -122.3,
		SearchRange:  1.5,
		Unit:         aqi.UnitMiles,
		Weighted:     true,
		Conversion:   "US EPA",
	}
}

func TestPurpleAirFetchDeviceSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/aqi", r.URL.Path)
		assert.Equal(t, "key-123", r.Header.Get("X-API-Key"))
		q := r.URL.Query()
		assert.Equal(t, "47.600000", q.Get("lat"))
		assert.Equal(t, "-122.300000", q.Get("lon"))
		assert.Equal(t, "1.5", q.Get("range"))
		assert.Equal(t, "miles", q.Get("unit"))
		assert.Equal(t, "true", q.Get("weighted"))
		assert.Equal(t, "US EPA", q.Get("conversion"))
		assert.Empty(t, q.Get("sensor_index"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"aqi":42,"category":"Good","conversion":"US EPA","weighted":true,"sites":["Zeta","Alpha"]}`))
	}))
	defer srv.Close()

	r, err := newTestProvider(srv).Fetch(context.Background(), searchConfig())
	require.NoError(t, err)
	assert.Equal(t, 42, r.AQI)
	assert.Equal(t, aqi.CategoryGood, r.Category)
	assert.Equal(t, "US EPA", r.ConversionMethod)
	assert.True(t, r.Weighted)
	assert.Equal(t, []string{"Zeta", "Alpha"}, r.Sites)
	assert.False(t, r.FetchedAt.IsZero())
}

func TestPurpleAirFetchSingleSensor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "1234", q.Get("sensor_index"))
		assert.Equal(t, "secret", q.Get("read_key"))
		assert.Empty(t, q.Get("lat"))
		w.Write([]byte(`{"aqi":12,"category":"Good"}`))
	}))
	defer srv.Close()

	cfg := aqi.ProviderConfig{APIKey: "k", SensorIndex: 1234, ReadKey: "secret", Conversion: "LRAPA"}
	r, err := newTestProvider(srv).Fetch(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "LRAPA", r.ConversionMethod, "conversion falls back to the requested one")
	assert.False(t, r.Weighted)
}

func TestPurpleAirFetchUnauthorizedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Fetch(context.Background(), searchConfig())
	require.Error(t, err)

	var pe *aqi.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, aqi.KindAuth, pe.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestPurpleAirFetchInvalidKeyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"ApiKeyInvalidError","description":"The provided api_key was not valid."}`))
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Fetch(context.Background(), searchConfig())
	var pe *aqi.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, aqi.KindAuth, pe.Kind)
}

func TestPurpleAirFetchServerErrorRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestProvider(srv).Fetch(context.Background(), searchConfig())
	var pe *aqi.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, aqi.KindStatus, pe.Kind)
	assert.Equal(t, int32(fastBackoff.MaxRetries+1), calls.Load())
}

func TestPurpleAirFetchRecoversAfterTransientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"aqi":55,"category":"Moderate"}`))
	}))
	defer srv.Close()

	r, err := newTestProvider(srv).Fetch(context.Background(), searchConfig())
	require.NoError(t, err)
	assert.Equal(t, 55, r.AQI)
}

func TestPurpleAirFetchMalformedResponse(t *testing.T) {
	tests := map[string]string{
		"not json":    `<html>`,
		"missing aqi": `{"category":"Good"}`,
		"missing cat": `{"aqi":10}`,
		"wrong type":  `{"aqi":"ten","category":"Good"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := newTestProvider(srv).Fetch(context.Background(), searchConfig())
			var pe *aqi.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, aqi.KindDecode, pe.Kind)
		})
	}
}

func TestPurpleAirFetchNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	p := newTestProvider(srv)
	srv.Close()

	_, err := p.Fetch(context.Background(), searchConfig())
	var pe *aqi.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, aqi.KindNetwork, pe.Kind)
}

func TestPurpleAirFetchMissingKey(t *testing.T) {
	p := NewPurpleAirProvider(http.DefaultClient, "")
	_, err := p.Fetch(context.Background(), aqi.ProviderConfig{})
	assert.True(t, aqi.IsProviderError(err))
}
