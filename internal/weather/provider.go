package weather

import (
	"context"
)

// Fetcher abstracts the upstream current-weather source (Open-Meteo).
// Implementations return a *FetchError for every failure so callers can
// decide between a terminal client error and a retry.
type Fetcher interface {
	Fetch(ctx context.Context, latitude, longitude float64) (Reading, error)
}

// Store is the contract observation stores (memory, SQL) must satisfy.
type Store interface {
	// Upsert inserts or fully replaces the row for obs.CityName and stamps SyncedAt.
	// Upserts for different cities must not block each other; upserts for the
	// same city are serialized.
	Upsert(ctx context.Context, obs Observation) (Observation, error)
	GetByID(ctx context.Context, id int64) (Observation, error)
	GetByCity(ctx context.Context, city string) (Observation, error)
	// List returns observations ordered by ID together with the total count.
	List(ctx context.Context, offset, limit int) ([]Observation, int, error)
}

// RunStore maps run handles to per-city outcomes.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	RecordOutcome(ctx context.Context, runID string, outcome Outcome) error
	GetRun(ctx context.Context, runID string) (Run, error)
}
