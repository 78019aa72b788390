package weather

import (
	"encoding/json"
	"time"
)

// City is one location we keep current weather for.
// Cities are supplied as a fixed list and never mutated by the sync engine.
type City struct {
	Name      string  `json:"city_name" yaml:"name" validate:"required"`
	Latitude  float64 `json:"latitude" yaml:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" yaml:"longitude" validate:"gte=-180,lte=180"`
}

// Observation is the persisted latest weather for a city.
// Nil pointer fields mean "not observed", which is different from a zero value.
type Observation struct {
	ID            int64           `json:"id"`
	CityName      string          `json:"city_name"`
	Latitude      float64         `json:"latitude"`
	Longitude     float64         `json:"longitude"`
	Temperature   *float64        `json:"temperature"`
	WindSpeed     *float64        `json:"windspeed"`
	WindDirection *float64        `json:"winddirection"`
	WeatherCode   *int            `json:"weathercode"`
	ObservedAt    *time.Time      `json:"time"` // always UTC
	RawPayload    json.RawMessage `json:"-"`
	SyncedAt      time.Time       `json:"synced_at"`
}

// CurrentWeather is the "current_weather" object returned by Open-Meteo.
type CurrentWeather struct {
	Temperature   *float64 `json:"temperature"`
	WindSpeed     *float64 `json:"windspeed"`
	WindDirection *float64 `json:"winddirection"`
	WeatherCode   *float64 `json:"weathercode"`
	Time          string   `json:"time"`
}

// Reading is a successful fetch: the parsed current weather plus the full upstream body.
type Reading struct {
	Current CurrentWeather
	Raw     json.RawMessage
}

// Status is the terminal (or pending) state of one city within a run.
type Status string

const (
	StatusPending          Status = "pending"
	StatusSuccess          Status = "success"
	StatusClientError      Status = "failed_client_error"
	StatusRetriesExhausted Status = "failed_retryable_exhausted"
	StatusCancelled        Status = "cancelled"

	// StatusAborted marks cities a fail-fast batch never attempted.
	StatusAborted Status = "aborted"
)

// Terminal reports whether no further attempts will be made for the city.
func (s Status) Terminal() bool {
	return s != StatusPending && s != ""
}

// Outcome is the result of syncing one city.
type Outcome struct {
	City       string    `json:"city_name"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Summary is the aggregate count of a run.
type Summary struct {
	Synced int `json:"synced_count"`
	Failed int `json:"failed_count"`
}

// RunMode tells how a run dispatched its cities.
type RunMode string

const (
	ModeFanOut RunMode = "fanout"
	ModeBatch  RunMode = "batch"
)

// RunState is "started" until every city is terminal.
type RunState string

const (
	RunStarted   RunState = "started"
	RunCompleted RunState = "completed"
)

// Run tracks one orchestration run by its handle.
type Run struct {
	ID         string             `json:"task_id"`
	Mode       RunMode            `json:"mode"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Cities     []string           `json:"cities"`
	Outcomes   map[string]Outcome `json:"outcomes"`
}

// State derives the run state from its outcomes.
func (r Run) State() RunState {
	for _, name := range r.Cities {
		if !r.Outcomes[name].Status.Terminal() {
			return RunStarted
		}
	}
	return RunCompleted
}

// Summary counts successes and failures among terminal outcomes.
// Aborted cities were never attempted and are not counted.
func (r Run) Summary() Summary {
	var s Summary
	for _, o := range r.Outcomes {
		switch o.Status {
		case StatusSuccess:
			s.Synced++
		case StatusClientError, StatusRetriesExhausted, StatusCancelled:
			s.Failed++
		}
	}
	return s
}
