package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/weather-sync/internal/weather"
)

// Triggerer starts an asynchronous sync run.
type Triggerer interface {
	Trigger(ctx context.Context) (weather.Run, error)
}

// Scheduler periodically triggers a sync run for the configured cities.
type Scheduler struct {
	scheduler *gocron.Scheduler
	service   Triggerer
	interval  time.Duration
}

// New creates a new Scheduler.
func New(interval time.Duration, service Triggerer) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		service:   service,
		interval:  interval,
	}
}

// Start schedules the periodic job and starts the underlying scheduler.
// The first run fires immediately.
func (s *Scheduler) Start() error {
	if s.interval <= 0 {
		log.Println("scheduler: interval is zero; periodic sync disabled")
		return nil
	}

	_, err := s.scheduler.Every(s.interval).Do(s.runOnce)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	log.Printf("scheduler: syncing every %s", s.interval)
	return nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	run, err := s.service.Trigger(ctx)
	if err != nil {
		log.Printf("scheduler: trigger failed: %v", err)
		return
	}
	log.Printf("scheduler: started run %s for %d cities", run.ID, len(run.Cities))
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
