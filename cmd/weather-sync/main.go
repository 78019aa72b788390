package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	httpapi "github.com/i474232898/weather-sync/internal/api/http"
	"github.com/i474232898/weather-sync/internal/config"
	"github.com/i474232898/weather-sync/internal/scheduler"
	"github.com/i474232898/weather-sync/internal/store"
	"github.com/i474232898/weather-sync/internal/weather"
	"github.com/i474232898/weather-sync/internal/weather/providers"
	"github.com/i474232898/weather-sync/internal/worker"
)

func main() {
	once := flag.Bool("once", false, "run a single batch sync for all cities and exit")
	flag.Parse()

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	// Shared HTTP client for outbound Open-Meteo calls.
	httpClient := &http.Client{
		Timeout: cfg.FetchTimeout,
	}
	fetcher := providers.NewOpenMeteoProvider(httpClient, providers.OpenMeteoOptions{
		BaseURL:          cfg.OpenMeteoURL,
		Timeout:          cfg.FetchTimeout,
		RateLimit:        cfg.FetchRateLimit,
		Burst:            cfg.FetchBurst,
		BreakerThreshold: uint32(cfg.BreakerThreshold),
	})
	log.Printf("INFO: fetching current weather from %s (%s)", fetcher.Name(), cfg.OpenMeteoURL)

	obsStore, closeObs, err := store.NewObservationStore(startupCtx, cfg.DatabaseType, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open observation store: %v", err)
	}
	defer closeStore("observation", closeObs)

	runStore, closeRuns, err := store.NewRunStore(startupCtx, cfg.RunStore, &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, cfg.RunTTL)
	if err != nil {
		log.Fatalf("failed to open run store: %v", err)
	}
	defer closeStore("run", closeRuns)

	pool := worker.New(cfg.Workers, cfg.QueueSize)
	pool.Start()

	// Core service orchestrating fetches, retries and the store.
	service := weather.NewService(obsStore, fetcher, runStore, pool, weather.ServiceConfig{
		Cities:         cfg.Cities,
		Retry:          cfg.RetryPolicy(),
		RequestTimeout: cfg.FetchTimeout,
	})

	if *once {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		run, err := service.SyncAll(ctx)
		if err != nil {
			log.Printf("ERROR: batch sync failed: %v", err)
		} else {
			sum := run.Summary()
			log.Printf("INFO: batch sync %s: synced=%d failed=%d", run.ID, sum.Synced, sum.Failed)
		}
		stopPool(pool)
		return
	}

	// Scheduler that periodically triggers a fan-out run.
	sched := scheduler.New(cfg.SyncInterval, service)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               "weather-sync",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(logger.New())
	app.Use(recover.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "weather-sync",
		})
	})

	httpapi.RegisterRoutes(app, service, httpapi.Options{CookieSecure: cfg.CSRFCookieSecure})

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()
	log.Printf("INFO: listening on :%s with %d cities", cfg.Port, len(cfg.Cities))

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sched.Stop()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: sync runs still in flight at shutdown: %v", err)
	}
	stopPool(pool)
}

func stopPool(pool *worker.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Stop(ctx); err != nil {
		log.Printf("WARN: worker pool stop: %v", err)
	}
}

func closeStore(name string, closer store.Closer) {
	if err := closer(); err != nil {
		log.Printf("WARN: closing %s store: %v", name, err)
	}
}
