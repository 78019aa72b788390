package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/i474232898/weather-sync/internal/weather"
)

var (
	// ErrNotFound is returned when no row exists for the requested key.
	ErrNotFound = errors.New("not found")
)

// cityRow holds one city's observation behind its own lock so that writes
// to different cities never contend.
type cityRow struct {
	mu  sync.Mutex
	obs weather.Observation
}

// MemoryStore is a concurrency-safe in-memory observation store.
type MemoryStore struct {
	// mu guards the indexes only; row contents are guarded by cityRow.mu.
	mu     sync.RWMutex
	byCity map[string]*cityRow
	rows   []*cityRow // insertion (ID) order
	nextID int64

	now func() time.Time
}

var _ weather.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byCity: make(map[string]*cityRow),
		now:    time.Now,
	}
}

// row returns the row for city, creating it with a fresh ID when absent.
func (s *MemoryStore) row(city string) *cityRow {
	s.mu.RLock()
	r, ok := s.byCity[city]
	s.mu.RUnlock()
	if ok {
		return r
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byCity[city]; ok {
		return r
	}
	s.nextID++
	r = &cityRow{obs: weather.Observation{ID: s.nextID, CityName: city}}
	s.byCity[city] = r
	s.rows = append(s.rows, r)
	return r
}

// Upsert fully replaces the observation for obs.CityName.
// A zero SyncedAt is stamped under the row lock, and synced_at never moves
// backwards even when an older write lands last.
func (s *MemoryStore) Upsert(ctx context.Context, obs weather.Observation) (weather.Observation, error) {
	if err := ctx.Err(); err != nil {
		return weather.Observation{}, err
	}
	if obs.CityName == "" {
		return weather.Observation{}, errors.New("city name is required")
	}

	r := s.row(obs.CityName)

	r.mu.Lock()
	defer r.mu.Unlock()

	obs.ID = r.obs.ID
	if obs.SyncedAt.IsZero() {
		obs.SyncedAt = s.now()
	}
	obs.SyncedAt = obs.SyncedAt.UTC()
	if r.obs.SyncedAt.After(obs.SyncedAt) {
		obs.SyncedAt = r.obs.SyncedAt
	}
	r.obs = cloneObservation(obs)
	return cloneObservation(r.obs), nil
}

// GetByID returns the observation with the given ID.
func (s *MemoryStore) GetByID(ctx context.Context, id int64) (weather.Observation, error) {
	s.mu.RLock()
	var r *cityRow
	if id >= 1 && id <= int64(len(s.rows)) {
		r = s.rows[id-1]
	}
	s.mu.RUnlock()

	if r == nil {
		return weather.Observation{}, ErrNotFound
	}
	return r.snapshot()
}

// GetByCity returns the observation for a city name.
func (s *MemoryStore) GetByCity(ctx context.Context, city string) (weather.Observation, error) {
	s.mu.RLock()
	r, ok := s.byCity[city]
	s.mu.RUnlock()

	if !ok {
		return weather.Observation{}, ErrNotFound
	}
	return r.snapshot()
}

// List returns up to limit observations starting at offset, ordered by ID,
// and the total number of rows.
func (s *MemoryStore) List(ctx context.Context, offset, limit int) ([]weather.Observation, int, error) {
	s.mu.RLock()
	total := len(s.rows)
	var page []*cityRow
	if offset < total && limit > 0 {
		end := offset + limit
		if end > total {
			end = total
		}
		page = append(page, s.rows[offset:end]...)
	}
	s.mu.RUnlock()

	result := make([]weather.Observation, 0, len(page))
	for _, r := range page {
		obs, err := r.snapshot()
		if err != nil {
			continue
		}
		result = append(result, obs)
	}
	return result, total, nil
}

// snapshot copies the row under its lock. Rows created by a concurrent upsert
// that has not written yet are reported as not found.
func (r *cityRow) snapshot() (weather.Observation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.obs.SyncedAt.IsZero() {
		return weather.Observation{}, ErrNotFound
	}
	return cloneObservation(r.obs), nil
}

func cloneObservation(o weather.Observation) weather.Observation {
	out := o
	if o.RawPayload != nil {
		out.RawPayload = append([]byte(nil), o.RawPayload...)
	}
	return out
}
