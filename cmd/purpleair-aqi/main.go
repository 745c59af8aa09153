package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/i474232898/purpleair-aqi/internal/api/http"
	"github.com/i474232898/purpleair-aqi/internal/aqi"
	"github.com/i474232898/purpleair-aqi/internal/aqi/providers"
	"github.com/i474232898/purpleair-aqi/internal/config"
	"github.com/i474232898/purpleair-aqi/internal/entrystore"
	"github.com/i474232898/purpleair-aqi/internal/logging"
	"github.com/i474232898/purpleair-aqi/internal/manager"
	"github.com/i474232898/purpleair-aqi/internal/metrics"
	"github.com/i474232898/purpleair-aqi/internal/publish"
)

const appName = "purpleair-aqi"

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr := logging.New(cfg, version, appName)
	slog.SetDefault(logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr); err != nil {
		logr.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logr *slog.Logger) error {
	st, fileStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := bootstrap(ctx, st, cfg, logr); err != nil {
		return err
	}

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	rec := metrics.NewRecorder()
	opts := []manager.Option{
		manager.WithLogger(logr),
		manager.WithObserver(rec),
	}
	if cfg.GeocoderAPIKey != "" {
		opts = append(opts, manager.WithGeocoder(providers.NewGoogleGeocoder(cfg.GeocoderAPIKey)))
	}

	// One provider per entry so each has its own circuit breaker.
	mgr := manager.New(st, func() aqi.Provider {
		return providers.NewPurpleAirProvider(httpClient, cfg.PurpleAirBaseURL)
	}, opts...)
	mgr.AddListener(rec)
	defer mgr.Shutdown()

	if cfg.MQTTBroker != "" {
		pub := publish.New(publish.Options{
			Broker:      cfg.MQTTBroker,
			Port:        cfg.MQTTPort,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, mgr, logr.With("component", "mqtt"))
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := pub.Connect(connectCtx)
		cancel()
		if err != nil {
			logr.Warn("mqtt unavailable; retrying in background", "err", err)
		}
		mgr.AddListener(pub)
		defer pub.Close()
	}

	if err := mgr.LoadAll(ctx); err != nil {
		logr.Error("some entries failed to start", "err", err)
	}

	if fileStore != nil {
		go func() {
			err := fileStore.Watch(ctx, logr, func(entries []entrystore.Entry) {
				if err := mgr.Reload(ctx, entries); err != nil {
					logr.Error("entries: apply reload", "err", err)
				}
			})
			if err != nil {
				logr.Error("entries: watcher stopped", "err", err)
			}
		}()
	}

	app := fiber.New(fiber.Config{
		AppName:               appName,
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          cfg.HTTPTimeout + 10*time.Second,
		ErrorHandler:          httpapi.ErrorHandler,
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	httpapi.RegisterRoutes(app, mgr, rec, metrics.ContentType)

	go func() {
		logr.Info("http server listening", "port", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			logr.Error("fiber server stopped", "err", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logr.Error("error during shutdown", "err", err)
	}
	return nil
}

// openStore returns the configured store, plus the file store itself when
// it should be watched.
func openStore(cfg *config.AppConfig) (entrystore.Store, *entrystore.FileStore, error) {
	switch cfg.EntryStore {
	case config.StoreFile:
		if err := os.MkdirAll(filepath.Dir(cfg.EntryFile), 0o755); err != nil {
			return nil, nil, err
		}
		fs, err := entrystore.OpenFile(cfg.EntryFile)
		if err != nil {
			return nil, nil, err
		}
		return fs, fs, nil
	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, err
			}
		}
		db, err := entrystore.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}
}

// bootstrap stores the entry from the environment when the store is empty.
func bootstrap(ctx context.Context, st entrystore.Store, cfg *config.AppConfig, logr *slog.Logger) error {
	if cfg.Bootstrap == nil {
		return nil
	}
	existing, err := st.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	e := entrystore.NewEntry(cfg.BootstrapTitle, *cfg.Bootstrap)
	if err := st.Create(ctx, e); err != nil && !errors.Is(err, entrystore.ErrExists) {
		return err
	}
	logr.Info("bootstrap entry created", "entry", e.ID, "title", e.Title)
	return nil
}
