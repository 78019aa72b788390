package httpapi

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/csrf"

	"github.com/i474232898/weather-sync/internal/common"
	"github.com/i474232898/weather-sync/internal/store"
	"github.com/i474232898/weather-sync/internal/weather"
)

const (
	defaultLimit = 10
	maxLimit     = 1000

	// CSRFCookieName and CSRFHeader implement the double-submit token check
	// on state-changing routes.
	CSRFCookieName = "csrftoken"
	CSRFHeader     = "X-CSRFToken"
)

var validate = validator.New()

// Service is what the routes need from the sync engine.
type Service interface {
	Trigger(ctx context.Context) (weather.Run, error)
	GetRun(ctx context.Context, runID string) (weather.Run, error)
	ListObservations(ctx context.Context, offset, limit int) ([]weather.Observation, int, error)
	GetObservation(ctx context.Context, id int64) (weather.Observation, error)
}

// Options tunes route behaviour.
type Options struct {
	CookieSecure bool
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, service Service, opts Options) {
	v1 := app.Group("/api/v1")

	csrfProtect := csrf.New(csrf.Config{
		KeyLookup:      "header:" + CSRFHeader,
		CookieName:     CSRFCookieName,
		CookieSameSite: "Lax",
		CookieSecure:   opts.CookieSecure,
		Expiration:     time.Hour,
	})

	// GET through the middleware issues the token cookie.
	v1.Get("/csrf", csrfProtect, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"detail": "CSRF cookie set"})
	})

	v1.Get("/weather", func(c *fiber.Ctx) error {
		var q pageQuery
		if err := q.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		items, total, err := service.ListObservations(c.UserContext(), q.Offset, q.Limit)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to list weather data")
		}

		results := make([]observationResponse, 0, len(items))
		for _, obs := range items {
			results = append(results, toObservationResponse(obs))
		}
		return c.JSON(fiber.Map{
			"count":   total,
			"results": results,
		})
	})

	v1.Get("/weather/:id", func(c *fiber.Ctx) error {
		id, err := strconv.ParseInt(c.Params("id"), 10, 64)
		if err != nil || id < 1 {
			return fiber.NewError(fiber.StatusNotFound, "Not Found")
		}

		obs, err := service.GetObservation(c.UserContext(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "Not Found")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch weather data")
		}
		return c.JSON(toObservationResponse(obs))
	})

	v1.Post("/sync", csrfProtect, func(c *fiber.Ctx) error {
		run, err := service.Trigger(c.UserContext())
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to start sync")
		}
		return c.JSON(fiber.Map{
			"task_id": run.ID,
			"status":  string(weather.RunStarted),
		})
	})

	v1.Get("/sync/:id", func(c *fiber.Ctx) error {
		run, err := service.GetRun(c.UserContext(), c.Params("id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "unknown sync task")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to fetch sync status")
		}
		return c.JSON(toRunResponse(run))
	})
}

// pageQuery holds the pagination parameters of the list endpoint.
type pageQuery struct {
	Limit  int `validate:"gt=0"`
	Offset int `validate:"gte=0"`
}

func (p *pageQuery) bind(c *fiber.Ctx) error {
	limit, err := queryInt(c, "limit", defaultLimit)
	if err != nil {
		return err
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		return err
	}
	if limit < 0 || offset < 0 {
		return errors.New("limit and offset must be non-negative")
	}

	p.Limit, p.Offset = limit, offset
	if err := validate.Struct(p); err != nil {
		return errors.New("limit must be greater than 0")
	}
	p.Limit = common.ClampInt(p.Limit, 1, maxLimit)
	return nil
}

func queryInt(c *fiber.Ctx, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit and offset must be integers")
	}
	return n, nil
}

type observationResponse struct {
	ID            int64    `json:"id"`
	CityName      string   `json:"city_name"`
	Latitude      float64  `json:"latitude"`
	Longitude     float64  `json:"longitude"`
	Temperature   *float64 `json:"temperature"`
	WindSpeed     *float64 `json:"windspeed"`
	WindDirection *float64 `json:"winddirection"`
	WeatherCode   *int     `json:"weathercode"`
	Time          *string  `json:"time"`
	SyncedAt      *string  `json:"synced_at"`
}

func toObservationResponse(o weather.Observation) observationResponse {
	resp := observationResponse{
		ID:            o.ID,
		CityName:      o.CityName,
		Latitude:      o.Latitude,
		Longitude:     o.Longitude,
		Temperature:   o.Temperature,
		WindSpeed:     o.WindSpeed,
		WindDirection: o.WindDirection,
		WeatherCode:   o.WeatherCode,
	}
	if o.ObservedAt != nil {
		s := o.ObservedAt.UTC().Format(time.RFC3339)
		resp.Time = &s
	}
	if !o.SyncedAt.IsZero() {
		s := o.SyncedAt.UTC().Format(time.RFC3339Nano)
		resp.SyncedAt = &s
	}
	return resp
}

type runResponse struct {
	TaskID     string            `json:"task_id"`
	Mode       weather.RunMode   `json:"mode"`
	State      weather.RunState  `json:"state"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at"`
	Summary    weather.Summary   `json:"summary"`
	Outcomes   []weather.Outcome `json:"outcomes"`
}

func toRunResponse(r weather.Run) runResponse {
	outcomes := make([]weather.Outcome, 0, len(r.Cities))
	for _, name := range r.Cities {
		outcomes = append(outcomes, r.Outcomes[name])
	}
	return runResponse{
		TaskID:     r.ID,
		Mode:       r.Mode,
		State:      r.State(),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Summary:    r.Summary(),
		Outcomes:   outcomes,
	}
}
