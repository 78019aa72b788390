package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/i474232898/weather-sync/internal/weather"
)

const (
	runKeyPrefix   = "weather-sync:run:"
	metaMode       = "meta:mode"
	metaStartedAt  = "meta:started_at"
	metaFinishedAt = "meta:finished_at"
	metaCities     = "meta:cities"
	cityPrefix     = "city:"
)

// RedisRunStore keeps each run in a Redis hash: a few meta fields plus one
// JSON-encoded outcome field per city. Keys expire after ttl.
type RedisRunStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ weather.RunStore = (*RedisRunStore)(nil)

func NewRedisRunStore(client *redis.Client, ttl time.Duration) *RedisRunStore {
	return &RedisRunStore{client: client, ttl: ttl}
}

func runKey(runID string) string {
	return runKeyPrefix + runID
}

func (s *RedisRunStore) CreateRun(ctx context.Context, run weather.Run) error {
	cities, err := json.Marshal(run.Cities)
	if err != nil {
		return err
	}
	fields := map[string]any{
		metaMode:      string(run.Mode),
		metaStartedAt: run.StartedAt.UTC().Format(time.RFC3339Nano),
		metaCities:    string(cities),
	}
	for name, outcome := range run.Outcomes {
		raw, err := json.Marshal(outcome)
		if err != nil {
			return err
		}
		fields[cityPrefix+name] = string(raw)
	}

	key := runKey(run.ID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create run %s: %w", run.ID, err)
	}
	return nil
}

// maxTxRetries bounds optimistic-lock retries when sibling cities write the same run concurrently.
const maxTxRetries = 20

// RecordOutcome writes outcome only if the run still exists, and stamps
// meta:finished_at once every city is terminal. The read and the writes share
// one WATCH transaction, so an expiring key is never recreated as a partial
// hash without a TTL.
func (s *RedisRunStore) RecordOutcome(ctx context.Context, runID string, outcome weather.Outcome) error {
	key := runKey(runID)
	raw, err := json.Marshal(outcome)
	if err != nil {
		return err
	}

	write := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if _, ok := fields[metaStartedAt]; !ok {
			return ErrNotFound
		}
		fields[cityPrefix+outcome.City] = string(raw)
		run, err := decodeRun(runID, fields)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, cityPrefix+outcome.City, string(raw))
			if run.FinishedAt == nil && run.State() == weather.RunCompleted {
				pipe.HSetNX(ctx, key, metaFinishedAt, time.Now().UTC().Format(time.RFC3339Nano))
			}
			return nil
		})
		return err
	}

	for i := 0; ; i++ {
		err = s.client.Watch(ctx, write, key)
		if !errors.Is(err, redis.TxFailedErr) || i >= maxTxRetries {
			break
		}
	}
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("redis record outcome %s: %w", runID, err)
	}
	return nil
}

func (s *RedisRunStore) GetRun(ctx context.Context, runID string) (weather.Run, error) {
	fields, err := s.client.HGetAll(ctx, runKey(runID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return weather.Run{}, ErrNotFound
		}
		return weather.Run{}, fmt.Errorf("redis get run %s: %w", runID, err)
	}
	// A hash without its meta fields is not a run we created.
	if _, ok := fields[metaStartedAt]; !ok {
		return weather.Run{}, ErrNotFound
	}
	return decodeRun(runID, fields)
}

func decodeRun(runID string, fields map[string]string) (weather.Run, error) {
	run := weather.Run{
		ID:       runID,
		Mode:     weather.RunMode(fields[metaMode]),
		Outcomes: make(map[string]weather.Outcome),
	}

	started, err := time.Parse(time.RFC3339Nano, fields[metaStartedAt])
	if err != nil {
		return weather.Run{}, fmt.Errorf("run %s: bad started_at: %w", runID, err)
	}
	run.StartedAt = started

	if v, ok := fields[metaFinishedAt]; ok {
		finished, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return weather.Run{}, fmt.Errorf("run %s: bad finished_at: %w", runID, err)
		}
		run.FinishedAt = &finished
	}

	if err := json.Unmarshal([]byte(fields[metaCities]), &run.Cities); err != nil {
		return weather.Run{}, fmt.Errorf("run %s: bad cities: %w", runID, err)
	}

	for field, value := range fields {
		name, ok := strings.CutPrefix(field, cityPrefix)
		if !ok {
			continue
		}
		var outcome weather.Outcome
		if err := json.Unmarshal([]byte(value), &outcome); err != nil {
			return weather.Run{}, fmt.Errorf("run %s: bad outcome for %s: %w", runID, name, err)
		}
		run.Outcomes[name] = outcome
	}
	return run, nil
}
