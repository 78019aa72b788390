package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/i474232898/weather-sync/internal/weather"
)

// MemoryRunStore keeps run status in memory and forgets runs older than ttl.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]*weather.Run
	ttl  time.Duration

	now func() time.Time
}

var _ weather.RunStore = (*MemoryRunStore)(nil)

// NewMemoryRunStore creates a run store. A ttl <= 0 keeps runs forever.
func NewMemoryRunStore(ttl time.Duration) *MemoryRunStore {
	return &MemoryRunStore{
		runs: make(map[string]*weather.Run),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *MemoryRunStore) CreateRun(ctx context.Context, run weather.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	cp := cloneRun(run)
	s.runs[run.ID] = &cp
	return nil
}

// RecordOutcome stores a city outcome and stamps FinishedAt once every city is terminal.
func (s *MemoryRunStore) RecordOutcome(ctx context.Context, runID string, outcome weather.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrNotFound
	}
	run.Outcomes[outcome.City] = outcome
	if run.FinishedAt == nil && run.State() == weather.RunCompleted {
		finished := s.now().UTC()
		run.FinishedAt = &finished
	}
	return nil
}

func (s *MemoryRunStore) GetRun(ctx context.Context, runID string) (weather.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictLocked()
	run, ok := s.runs[runID]
	if !ok {
		return weather.Run{}, ErrNotFound
	}
	return cloneRun(*run), nil
}

func (s *MemoryRunStore) evictLocked() {
	if s.ttl <= 0 {
		return
	}
	cutoff := s.now().Add(-s.ttl)
	for id, run := range s.runs {
		if run.StartedAt.Before(cutoff) {
			delete(s.runs, id)
		}
	}
}

func cloneRun(r weather.Run) weather.Run {
	out := r
	out.Cities = append([]string(nil), r.Cities...)
	out.Outcomes = make(map[string]weather.Outcome, len(r.Outcomes))
	for k, v := range r.Outcomes {
		out.Outcomes[k] = v
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}
