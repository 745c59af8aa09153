package httpapi

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/purpleair-aqi/internal/aqi"
	"github.com/i474232898/purpleair-aqi/internal/entrystore"
	"github.com/i474232898/purpleair-aqi/internal/manager"
	"github.com/i474232898/purpleair-aqi/internal/scheduler"
)

var validate = validator.New()

// Entries is the entry lifecycle the API drives.
type Entries interface {
	List() []manager.Instance
	Get(id string) (manager.Instance, error)
	AddEntry(ctx context.Context, title string, data entrystore.Data) (entrystore.Entry, error)
	RemoveEntry(ctx context.Context, id string) error
	RequestIntervalChange(ctx context.Context, id string, minutes int) (int, error)
	CurrentInterval(id string) (int, error)
}

// MetricsWriter renders the metrics exposition.
type MetricsWriter interface {
	WriteText(w io.Writer) error
}

// ErrorHandler is the centralized Fiber error response.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var (
		fe *fiber.Error
		ce *aqi.ConfigError
	)
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.As(err, &ce):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   true,
			"message": err.Error(),
			"field":   ce.Field,
		})
	case errors.Is(err, manager.ErrUnknownEntry), errors.Is(err, entrystore.ErrNotFound):
		code = fiber.StatusNotFound
	case errors.Is(err, entrystore.ErrExists):
		code = fiber.StatusConflict
	case errors.Is(err, manager.ErrNoGeocoder):
		code = fiber.StatusUnprocessableEntity
	case errors.Is(err, scheduler.ErrStopped), errors.Is(err, scheduler.ErrNotStarted):
		code = fiber.StatusServiceUnavailable
	case aqi.IsProviderError(err):
		code = fiber.StatusBadGateway
	}
	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

// RegisterRoutes wires the HTTP handlers into the Fiber app. metrics may be nil.
func RegisterRoutes(app *fiber.App, entries Entries, metrics MetricsWriter, contentType string) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "purpleair-aqi",
			"entries": len(entries.List()),
		})
	})

	if metrics != nil {
		app.Get("/metrics", func(c *fiber.Ctx) error {
			c.Set(fiber.HeaderContentType, contentType)
			return metrics.WriteText(c)
		})
	}

	v1 := app.Group("/api/v1")

	v1.Get("/entries", func(c *fiber.Ctx) error {
		instances := entries.List()
		out := make([]entryResponse, 0, len(instances))
		for _, inst := range instances {
			out = append(out, newEntryResponse(inst))
		}
		return c.JSON(fiber.Map{"entries": out})
	})

	v1.Post("/entries", func(c *fiber.Ctx) error {
		req := createRequest{Data: entrystore.DefaultData()}
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		e, err := entries.AddEntry(c.UserContext(), req.Title, req.Data)
		if err != nil {
			return err
		}
		inst, err := entries.Get(e.ID)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(newEntryResponse(inst))
	})

	v1.Get("/entries/:id", func(c *fiber.Ctx) error {
		inst, err := entries.Get(c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(newEntryResponse(inst))
	})

	v1.Delete("/entries/:id", func(c *fiber.Ctx) error {
		if err := entries.RemoveEntry(c.UserContext(), c.Params("id")); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	v1.Get("/entries/:id/state", func(c *fiber.Ctx) error {
		inst, err := entries.Get(c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(inst.Coordinator.Views())
	})

	v1.Get("/entries/:id/interval", func(c *fiber.Ctx) error {
		minutes, err := entries.CurrentInterval(c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(intervalResponse{Minutes: minutes})
	})

	v1.Put("/entries/:id/interval", func(c *fiber.Ctx) error {
		var req intervalRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "minutes is required")
		}

		minutes, err := entries.RequestIntervalChange(c.UserContext(), c.Params("id"), *req.Minutes)
		if err != nil {
			return err
		}
		return c.JSON(intervalResponse{Minutes: minutes})
	})

	// POST /refresh queues a fetch; with ?wait=true it returns the new state.
	v1.Post("/entries/:id/refresh", func(c *fiber.Ctx) error {
		inst, err := entries.Get(c.Params("id"))
		if err != nil {
			return err
		}
		if !c.QueryBool("wait") {
			inst.Coordinator.TriggerRefresh()
			return c.SendStatus(fiber.StatusAccepted)
		}
		snap, err := inst.Coordinator.Refresh(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(aqi.Project(snap))
	})
}

type createRequest struct {
	Title string          `json:"title" validate:"required"`
	Data  entrystore.Data `json:"data" validate:"-"`
}

type intervalRequest struct {
	Minutes *int `json:"minutes" validate:"required"`
}

type intervalResponse struct {
	Minutes int `json:"interval_minutes"`
}

// entryResponse never carries the API or read keys.
type entryResponse struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	DeviceSearch    bool       `json:"device_search"`
	SensorIndex     int        `json:"sensor_index,omitempty"`
	Conversion      string     `json:"conversion"`
	Weighted        bool       `json:"weighted"`
	IntervalMinutes int        `json:"interval_minutes"`
	NextRun         *time.Time `json:"next_run"`
	LastError       *string    `json:"last_error"`
	CreatedAt       time.Time  `json:"created_at"`
}

func newEntryResponse(inst manager.Instance) entryResponse {
	d := inst.Entry.Data
	resp := entryResponse{
		ID:              inst.Entry.ID,
		Title:           inst.Entry.Title,
		DeviceSearch:    d.DeviceSearch,
		SensorIndex:     d.SensorIndex,
		Conversion:      d.Conversion,
		Weighted:        d.Weighted,
		IntervalMinutes: d.UpdateInterval,
		CreatedAt:       inst.Entry.CreatedAt,
	}
	if next, ok := inst.Coordinator.NextRun(); ok {
		resp.NextRun = &next
	}
	if err := inst.Coordinator.LastError(); err != nil {
		msg := err.Error()
		resp.LastError = &msg
	}
	return resp
}
