package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
	"github.com/i474232898/purpleair-aqi/internal/entrystore"
)

const (
	StoreSQLite = "sqlite"
	StoreFile   = "file"
)

type AppConfig struct {
	AppEnv   string
	LogLevel slog.Level
	Port     string

	// EntryStore selects the entry backend: "sqlite" or "file".
	EntryStore string
	SQLitePath string
	EntryFile  string

	PurpleAirBaseURL string
	HTTPTimeout      time.Duration
	GeocoderAPIKey   string

	// MQTT publishing is enabled when MQTTBroker is set.
	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	// Bootstrap is created as the first entry when the store is empty.
	Bootstrap      *entrystore.Data
	BootstrapTitle string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded", "err", err)
	}
	cfg := &AppConfig{}

	cfg.AppEnv = getenvDefault("APP_ENV", "dev")
	level, err := parseLogLevel(getenvDefault("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level
	cfg.Port = getenvDefault("PORT", "8080")

	cfg.EntryStore = strings.ToLower(getenvDefault("ENTRY_STORE", StoreSQLite))
	switch cfg.EntryStore {
	case StoreSQLite, StoreFile:
	default:
		return nil, fmt.Errorf("invalid ENTRY_STORE %q: want %s or %s", cfg.EntryStore, StoreSQLite, StoreFile)
	}
	cfg.SQLitePath = getenvDefault("SQLITE_PATH", "data/entries.db")
	cfg.EntryFile = getenvDefault("ENTRY_FILE", "data/entries.yaml")

	cfg.PurpleAirBaseURL = os.Getenv("PURPLEAIR_BASE_URL")
	timeout, err := time.ParseDuration(getenvDefault("HTTP_TIMEOUT", "10s"))
	if err != nil {
		return nil, fmt.Errorf("invalid HTTP_TIMEOUT: %w", err)
	}
	cfg.HTTPTimeout = timeout
	cfg.GeocoderAPIKey = os.Getenv("GOOGLE_GEOCODING_API_KEY")

	cfg.MQTTBroker = os.Getenv("MQTT_BROKER")
	cfg.MQTTPort = getenvInt("MQTT_PORT", 1883)
	cfg.MQTTClientID = getenvDefault("MQTT_CLIENT_ID", "purpleair-aqi")
	cfg.MQTTTopicPrefix = getenvDefault("MQTT_TOPIC_PREFIX", "purpleair")

	bootstrap, err := loadBootstrapEntry()
	if err != nil {
		return nil, err
	}
	cfg.Bootstrap = bootstrap
	cfg.BootstrapTitle = getenvDefault("PURPLEAIR_TITLE", "PurpleAir")

	return cfg, nil
}

// loadBootstrapEntry builds entry data from PURPLEAIR_* variables. It
// returns nil when PURPLEAIR_API_KEY is unset.
func loadBootstrapEntry() (*entrystore.Data, error) {
	key := os.Getenv("PURPLEAIR_API_KEY")
	if key == "" {
		return nil, nil
	}

	d := entrystore.DefaultData()
	d.APIKey = key
	d.ReadKey = os.Getenv("PURPLEAIR_READ_KEY")
	d.Unit = aqi.Unit(getenvDefault("PURPLEAIR_UNIT", string(d.Unit)))
	d.Conversion = getenvDefault("PURPLEAIR_CONVERSION", d.Conversion)

	var err error
	if d.DeviceSearch, err = parseBool("PURPLEAIR_DEVICE_SEARCH", d.DeviceSearch); err != nil {
		return nil, err
	}
	if d.Weighted, err = parseBool("PURPLEAIR_WEIGHTED", d.Weighted); err != nil {
		return nil, err
	}
	if d.Latitude, err = parseFloat("PURPLEAIR_LATITUDE", 0); err != nil {
		return nil, err
	}
	if d.Longitude, err = parseFloat("PURPLEAIR_LONGITUDE", 0); err != nil {
		return nil, err
	}
	if d.SearchRange, err = parseFloat("PURPLEAIR_SEARCH_RANGE", d.SearchRange); err != nil {
		return nil, err
	}
	if d.SensorIndex, err = parseInt("PURPLEAIR_SENSOR_INDEX", 0); err != nil {
		return nil, err
	}
	if d.UpdateInterval, err = parseInt("PURPLEAIR_UPDATE_INTERVAL", d.UpdateInterval); err != nil {
		return nil, err
	}

	if city := os.Getenv("PURPLEAIR_LOCATION_CITY"); city != "" {
		d.Location = &entrystore.Location{
			Street:  os.Getenv("PURPLEAIR_LOCATION_STREET"),
			City:    city,
			State:   os.Getenv("PURPLEAIR_LOCATION_STATE"),
			Country: os.Getenv("PURPLEAIR_LOCATION_COUNTRY"),
		}
	}

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap entry: %w", err)
	}
	return &d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid LOG_LEVEL %q", s)
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

// parseInt, parseFloat and parseBool reject malformed values instead of
// falling back, since they feed a persisted entry.
func parseInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func parseFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func parseBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
