package weather

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/weather-sync/internal/worker"
)

// TaskQueue is where fan-out runs submit their per-city units.
type TaskQueue interface {
	Submit(ctx context.Context, task worker.Task) error
}

// ServiceConfig holds the orchestration settings. Cities are injected here
// rather than read from global state.
type ServiceConfig struct {
	Cities         []City
	Retry          RetryPolicy
	RequestTimeout time.Duration
}

// Service orchestrates per-city syncs and serves the stored observations.
type Service struct {
	store   Store
	fetcher Fetcher
	runs    RunStore
	queue   TaskQueue
	cfg     ServiceConfig

	now func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a new Service.
func NewService(store Store, fetcher Fetcher, runs RunStore, queue TaskQueue, cfg ServiceConfig) *Service {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	return &Service{
		store:   store,
		fetcher: fetcher,
		runs:    runs,
		queue:   queue,
		cfg:     cfg,
		now:     time.Now,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Cities returns a copy of the configured city list.
func (s *Service) Cities() []City {
	out := make([]City, len(s.cfg.Cities))
	copy(out, s.cfg.Cities)
	return out
}

// SyncCityWithRetry runs SyncCity until it succeeds, hits a client error or
// exhausts 1+MaxRetries attempts. Canceling ctx stops it before the next attempt.
// The backoff sleep happens on the caller's goroutine.
func (s *Service) SyncCityWithRetry(ctx context.Context, city City) Outcome {
	for attempt := 1; ; attempt++ {
		outcome, delay, retry := s.step(ctx, city, attempt)
		if !retry {
			return outcome
		}
		if err := sleepWithContext(ctx, delay); err != nil {
			return s.cancelledOutcome(city, attempt, err)
		}
	}
}

// step runs attempt number n for city. It either returns the city's final
// outcome, or retry=true with the backoff to wait before attempt n+1.
func (s *Service) step(ctx context.Context, city City, n int) (outcome Outcome, delay time.Duration, retry bool) {
	maxAttempts := 1 + s.cfg.Retry.MaxRetries
	if err := ctx.Err(); err != nil {
		return s.cancelledOutcome(city, n-1, err), 0, false
	}

	outcome, err := s.SyncCity(ctx, city)
	if err == nil {
		if n > 1 {
			log.Printf("INFO: sync: %s recovered on attempt %d/%d", city.Name, n, maxAttempts)
		}
		outcome.Attempts = n
		return outcome, 0, false
	}

	if !IsRetryable(err) {
		outcome.City = city.Name
		outcome.Status = StatusClientError
		outcome.Attempts = n
		outcome.Error = err.Error()
		if outcome.FinishedAt.IsZero() {
			outcome.FinishedAt = s.now().UTC()
		}
		return outcome, 0, false
	}

	if n >= maxAttempts {
		log.Printf("ERROR: sync: retries exhausted city=%s attempts=%d: %v", city.Name, n, err)
		return Outcome{
			City:       city.Name,
			Status:     StatusRetriesExhausted,
			Attempts:   n,
			Error:      err.Error(),
			FinishedAt: s.now().UTC(),
		}, 0, false
	}

	delay = s.cfg.Retry.Delay(n - 1)
	log.Printf("WARN: sync: transient failure city=%s attempt=%d/%d retry_in=%s", city.Name, n, maxAttempts, delay)
	return Outcome{}, delay, true
}

func (s *Service) cancelledOutcome(city City, attempts int, err error) Outcome {
	log.Printf("INFO: sync: %s cancelled after %d attempts", city.Name, attempts)
	return Outcome{
		City:       city.Name,
		Status:     StatusCancelled,
		Attempts:   attempts,
		Error:      err.Error(),
		FinishedAt: s.now().UTC(),
	}
}

// Trigger starts a fan-out run and returns its handle without waiting for it.
// Every city becomes an independent task on the queue; a failure in one city
// never affects the others.
func (s *Service) Trigger(ctx context.Context) (Run, error) {
	if s.queue == nil {
		return Run{}, errors.New("no task queue configured")
	}

	cities := s.Cities()
	run := s.newRun(ModeFanOut, cities)
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancels[run.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatch(runCtx, run.ID, cities)

	log.Printf("INFO: sync: run %s started for %d cities", run.ID, len(cities))
	return run, nil
}

func (s *Service) dispatch(ctx context.Context, runID string, cities []City) {
	defer s.wg.Done()

	remaining := int64(len(cities))
	if remaining == 0 {
		s.finishRun(runID)
		return
	}

	done := func(outcome Outcome) {
		s.recordOutcome(runID, outcome)
		if atomic.AddInt64(&remaining, -1) == 0 {
			s.finishRun(runID)
		}
	}

	for _, city := range cities {
		s.submitAttempt(ctx, runID, city, 1, done)
	}
}

// submitAttempt queues attempt n for city. Backoff waits run on their own
// goroutine and re-queue the next attempt, so a failing city never holds a
// worker while it sleeps.
func (s *Service) submitAttempt(ctx context.Context, runID string, city City, n int, done func(Outcome)) {
	s.wg.Add(1)
	err := s.queue.Submit(ctx, func(context.Context) {
		defer s.wg.Done()

		outcome, delay, retry := s.step(ctx, city, n)
		if !retry {
			done(outcome)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := sleepWithContext(ctx, delay); err != nil {
				done(s.cancelledOutcome(city, n, err))
				return
			}
			s.submitAttempt(ctx, runID, city, n+1, done)
		}()
	})
	if err != nil {
		s.wg.Done()
		log.Printf("ERROR: sync: run %s could not queue %s attempt %d: %v", runID, city.Name, n, err)
		done(s.cancelledOutcome(city, n-1, err))
	}
}

func (s *Service) recordOutcome(runID string, outcome Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()
	if err := s.runs.RecordOutcome(ctx, runID, outcome); err != nil {
		log.Printf("ERROR: sync: run %s failed to record outcome for %s: %v", runID, outcome.City, err)
	}
}

func (s *Service) finishRun(runID string) {
	s.mu.Lock()
	if cancel, ok := s.cancels[runID]; ok {
		cancel()
		delete(s.cancels, runID)
	}
	s.mu.Unlock()
	log.Printf("INFO: sync: run %s completed", runID)
}

// Cancel stops the pending retries of a running fan-out run.
// Attempts already in flight complete normally.
func (s *Service) Cancel(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[runID]
	if ok {
		cancel()
	}
	return ok
}

// Shutdown cancels every running run and waits for their units to report.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncAll is the sequential batch mode. Cities are synced one by one and the
// first city to exhaust its retries aborts the rest of the batch. This
// fail-fast shape trades fault isolation for simplicity; Trigger is the
// isolated alternative.
func (s *Service) SyncAll(ctx context.Context) (Run, error) {
	cities := s.Cities()
	run := s.newRun(ModeBatch, cities)
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return Run{}, fmt.Errorf("create run: %w", err)
	}

	aborted := false
	for _, city := range cities {
		var outcome Outcome
		if aborted {
			outcome = Outcome{City: city.Name, Status: StatusAborted, FinishedAt: s.now().UTC()}
		} else {
			outcome = s.SyncCityWithRetry(ctx, city)
			if outcome.Status == StatusRetriesExhausted || outcome.Status == StatusCancelled {
				log.Printf("WARN: sync: batch %s aborted at %s", run.ID, city.Name)
				aborted = true
			}
		}
		run.Outcomes[city.Name] = outcome
		s.recordOutcome(run.ID, outcome)
	}

	finished := s.now().UTC()
	run.FinishedAt = &finished
	sum := run.Summary()
	log.Printf("INFO: sync: batch %s completed synced=%d failed=%d", run.ID, sum.Synced, sum.Failed)
	return run, nil
}

func (s *Service) newRun(mode RunMode, cities []City) Run {
	run := Run{
		ID:        uuid.NewString(),
		Mode:      mode,
		StartedAt: s.now().UTC(),
		Cities:    make([]string, 0, len(cities)),
		Outcomes:  make(map[string]Outcome, len(cities)),
	}
	for _, c := range cities {
		run.Cities = append(run.Cities, c.Name)
		run.Outcomes[c.Name] = Outcome{City: c.Name, Status: StatusPending}
	}
	return run
}

// GetRun delegates to the run store.
func (s *Service) GetRun(ctx context.Context, runID string) (Run, error) {
	return s.runs.GetRun(ctx, runID)
}

// ListObservations delegates to the underlying store.
func (s *Service) ListObservations(ctx context.Context, offset, limit int) ([]Observation, int, error) {
	return s.store.List(ctx, offset, limit)
}

// GetObservation delegates to the underlying store.
func (s *Service) GetObservation(ctx context.Context, id int64) (Observation, error) {
	return s.store.GetByID(ctx, id)
}
