package weather_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/weather-sync/internal/store"
	"github.com/i474232898/weather-sync/internal/weather"
	"github.com/i474232898/weather-sync/internal/worker"
)

// scriptedFetcher answers per coordinate pair and counts attempts.
type scriptedFetcher struct {
	mu       sync.Mutex
	attempts map[[2]float64]int
	respond  func(lat, lon float64, attempt int) (weather.Reading, error)
}

func newScriptedFetcher(respond func(lat, lon float64, attempt int) (weather.Reading, error)) *scriptedFetcher {
	return &scriptedFetcher{attempts: make(map[[2]float64]int), respond: respond}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, lat, lon float64) (weather.Reading, error) {
	f.mu.Lock()
	key := [2]float64{lat, lon}
	f.attempts[key]++
	attempt := f.attempts[key]
	f.mu.Unlock()
	return f.respond(lat, lon, attempt)
}

func (f *scriptedFetcher) Attempts(c weather.City) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[[2]float64{c.Latitude, c.Longitude}]
}

func londonReading(timeStr string) weather.Reading {
	raw := fmt.Sprintf(`{"current_weather":{"temperature":15.5,"windspeed":10.2,"winddirection":180,"weathercode":1,"time":%q}}`, timeStr)
	var payload struct {
		CurrentWeather weather.CurrentWeather `json:"current_weather"`
	}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		panic(err)
	}
	return weather.Reading{Current: payload.CurrentWeather, Raw: json.RawMessage(raw)}
}

var (
	london = weather.City{Name: "London", Latitude: 51.5074, Longitude: -0.1278}
	paris  = weather.City{Name: "Paris", Latitude: 48.8566, Longitude: 2.3522}
	berlin = weather.City{Name: "Berlin", Latitude: 52.52, Longitude: 13.405}
)

func fastRetry() weather.RetryPolicy {
	return weather.RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		MaxDelay:   4 * time.Millisecond,
		Jitter:     0.5,
	}
}

type harness struct {
	svc   *weather.Service
	store *store.MemoryStore
	runs  *store.MemoryRunStore
	pool  *worker.Pool
}

func newHarness(t *testing.T, fetcher weather.Fetcher, obsStore weather.Store, cities []weather.City) *harness {
	t.Helper()
	mem := store.NewMemoryStore()
	if obsStore == nil {
		obsStore = mem
	}
	runs := store.NewMemoryRunStore(0)
	pool := worker.New(4, 16)
	pool.Start()

	svc := weather.NewService(obsStore, fetcher, runs, pool, weather.ServiceConfig{
		Cities:         cities,
		Retry:          fastRetry(),
		RequestTimeout: time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		_ = pool.Stop(ctx)
	})
	return &harness{svc: svc, store: mem, runs: runs, pool: pool}
}

func (h *harness) waitRun(t *testing.T, runID string) weather.Run {
	t.Helper()
	var run weather.Run
	require.Eventually(t, func() bool {
		var err error
		run, err = h.runs.GetRun(context.Background(), runID)
		return err == nil && run.State() == weather.RunCompleted
	}, 5*time.Second, 5*time.Millisecond)
	return run
}

func TestSyncCityStoresLondonObservation(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		return londonReading("2026-01-20T12:00:00Z"), nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london})

	outcome, err := h.svc.SyncCity(context.Background(), london)
	require.NoError(t, err)
	assert.Equal(t, weather.StatusSuccess, outcome.Status)

	obs, err := h.store.GetByCity(context.Background(), "London")
	require.NoError(t, err)
	assert.Equal(t, 51.5074, obs.Latitude)
	assert.Equal(t, -0.1278, obs.Longitude)
	assert.Equal(t, 15.5, *obs.Temperature)
	assert.Equal(t, 10.2, *obs.WindSpeed)
	assert.Equal(t, 180.0, *obs.WindDirection)
	assert.Equal(t, 1, *obs.WeatherCode)
	require.NotNil(t, obs.ObservedAt)
	assert.True(t, obs.ObservedAt.Equal(time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.UTC, obs.ObservedAt.Location())
	assert.Contains(t, string(obs.RawPayload), `"temperature":15.5`)
	assert.False(t, obs.SyncedAt.IsZero())
}

func TestSyncCityMalformedTimestampStillSucceeds(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		return londonReading("yesterday-ish"), nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london})

	outcome := h.svc.SyncCityWithRetry(context.Background(), london)
	assert.Equal(t, weather.StatusSuccess, outcome.Status)
	assert.Equal(t, 1, outcome.Attempts)

	obs, err := h.store.GetByCity(context.Background(), "London")
	require.NoError(t, err)
	assert.Nil(t, obs.ObservedAt)
	assert.Equal(t, 15.5, *obs.Temperature)
	assert.Equal(t, 10.2, *obs.WindSpeed)
	assert.Equal(t, 1, *obs.WeatherCode)
}

func TestSyncCityMissingFieldsStoredAsAbsent(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		return weather.Reading{Raw: json.RawMessage(`{}`)}, nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london})

	_, err := h.svc.SyncCity(context.Background(), london)
	require.NoError(t, err)

	obs, err := h.store.GetByCity(context.Background(), "London")
	require.NoError(t, err)
	assert.Nil(t, obs.Temperature)
	assert.Nil(t, obs.WindSpeed)
	assert.Nil(t, obs.WindDirection)
	assert.Nil(t, obs.WeatherCode)
	assert.Nil(t, obs.ObservedAt)
}

func TestRepeatedSyncKeepsOneRowAndAdvancesSyncedAt(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		return londonReading("2026-01-20T12:00:00Z"), nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london})
	ctx := context.Background()

	var last time.Time
	for i := 0; i < 3; i++ {
		outcome := h.svc.SyncCityWithRetry(ctx, london)
		require.Equal(t, weather.StatusSuccess, outcome.Status)

		obs, err := h.store.GetByCity(ctx, "London")
		require.NoError(t, err)
		assert.False(t, obs.SyncedAt.Before(last), "synced_at went backwards")
		last = obs.SyncedAt
	}

	_, total, err := h.store.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestClientErrorIsNeverRetried(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		if lat == london.Latitude {
			return weather.Reading{}, &weather.FetchError{Kind: weather.ClientError, Status: 404, Err: errors.New("not found")}
		}
		return londonReading("2026-01-20T12:00:00Z"), nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london, paris})

	run, err := h.svc.Trigger(context.Background())
	require.NoError(t, err)
	run = h.waitRun(t, run.ID)

	assert.Equal(t, 1, fetcher.Attempts(london))
	assert.Equal(t, weather.StatusClientError, run.Outcomes["London"].Status)
	assert.Equal(t, 1, run.Outcomes["London"].Attempts)
	assert.Equal(t, weather.StatusSuccess, run.Outcomes["Paris"].Status)

	_, err = h.store.GetByCity(context.Background(), "London")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetryableErrorsExhaustAfterSixAttempts(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		if lat == london.Latitude {
			return weather.Reading{}, &weather.FetchError{Kind: weather.NetworkError, Err: context.DeadlineExceeded}
		}
		return londonReading("2026-01-20T12:00:00Z"), nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london, paris, berlin})

	run, err := h.svc.Trigger(context.Background())
	require.NoError(t, err)
	run = h.waitRun(t, run.ID)

	assert.Equal(t, 6, fetcher.Attempts(london))
	assert.Equal(t, weather.StatusRetriesExhausted, run.Outcomes["London"].Status)
	assert.Equal(t, 6, run.Outcomes["London"].Attempts)

	for _, c := range []weather.City{paris, berlin} {
		assert.Equal(t, 1, fetcher.Attempts(c), c.Name)
		assert.Equal(t, weather.StatusSuccess, run.Outcomes[c.Name].Status, c.Name)
	}
	assert.Equal(t, weather.Summary{Synced: 2, Failed: 1}, run.Summary())
	assert.NotNil(t, run.FinishedAt)
}

func TestServerErrorRecovers(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, attempt int) (weather.Reading, error) {
		if attempt < 3 {
			return weather.Reading{}, &weather.FetchError{Kind: weather.ServerError, Status: 503, Err: errors.New("unavailable")}
		}
		return londonReading("2026-01-20T12:00:00Z"), nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london})

	outcome := h.svc.SyncCityWithRetry(context.Background(), london)
	assert.Equal(t, weather.StatusSuccess, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
}

func TestTriggerAllClientErrors(t *testing.T) {
	cities := make([]weather.City, 15)
	for i := range cities {
		cities[i] = weather.City{Name: fmt.Sprintf("city-%02d", i), Latitude: float64(i), Longitude: float64(i)}
	}
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		return weather.Reading{}, &weather.FetchError{Kind: weather.ClientError, Status: 404, Err: errors.New("not found")}
	})
	h := newHarness(t, fetcher, nil, cities)

	run, err := h.svc.Trigger(context.Background())
	require.NoError(t, err)
	run = h.waitRun(t, run.ID)

	assert.Equal(t, weather.Summary{Synced: 0, Failed: 15}, run.Summary())
	for _, c := range cities {
		assert.Equal(t, weather.StatusClientError, run.Outcomes[c.Name].Status)
		assert.Equal(t, 1, fetcher.Attempts(c))
	}
	_, total, err := h.store.List(context.Background(), 0, 100)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestTriggerDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		<-release
		return londonReading("2026-01-20T12:00:00Z"), nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london, paris})

	run, err := h.svc.Trigger(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, weather.RunStarted, run.State())

	status, err := h.svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, weather.RunStarted, status.State())

	close(release)
	run = h.waitRun(t, run.ID)
	assert.Equal(t, weather.Summary{Synced: 2}, run.Summary())
}

func TestTriggerEachCallIsANewRun(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		return londonReading("2026-01-20T12:00:00Z"), nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london})

	first, err := h.svc.Trigger(context.Background())
	require.NoError(t, err)
	second, err := h.svc.Trigger(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	h.waitRun(t, first.ID)
	h.waitRun(t, second.ID)

	_, total, err := h.store.List(context.Background(), 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestCancelStopsBeforeNextRetry(t *testing.T) {
	var attempts atomic.Int32
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		attempts.Add(1)
		return weather.Reading{}, &weather.FetchError{Kind: weather.ServerError, Status: 500, Err: errors.New("boom")}
	})
	h := newHarness(t, fetcher, nil, []weather.City{london})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := h.svc.SyncCityWithRetry(ctx, london)
	assert.Equal(t, weather.StatusCancelled, outcome.Status)
	assert.Zero(t, attempts.Load())
}

func TestCancelRun(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		return weather.Reading{}, &weather.FetchError{Kind: weather.ServerError, Status: 500, Err: errors.New("boom")}
	})
	svcPolicy := weather.RetryPolicy{MaxRetries: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}
	runs := store.NewMemoryRunStore(0)
	pool := worker.New(1, 1)
	pool.Start()
	svc := weather.NewService(store.NewMemoryStore(), fetcher, runs, pool, weather.ServiceConfig{
		Cities:         []weather.City{london},
		Retry:          svcPolicy,
		RequestTimeout: time.Second,
	})
	defer pool.Stop(context.Background())

	run, err := svc.Trigger(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fetcher.Attempts(london) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, svc.Cancel(run.ID))

	require.Eventually(t, func() bool {
		r, err := runs.GetRun(context.Background(), run.ID)
		return err == nil && r.State() == weather.RunCompleted
	}, 2*time.Second, 5*time.Millisecond)

	r, err := runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, weather.StatusCancelled, r.Outcomes["London"].Status)
	assert.Equal(t, 1, r.Outcomes["London"].Attempts)
	assert.False(t, svc.Cancel(run.ID))
}

func TestSyncAllFailsFast(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		if lat == paris.Latitude {
			return weather.Reading{}, &weather.FetchError{Kind: weather.ServerError, Status: 502, Err: errors.New("bad gateway")}
		}
		return londonReading("2026-01-20T12:00:00Z"), nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london, paris, berlin})

	run, err := h.svc.SyncAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, weather.ModeBatch, run.Mode)
	assert.Equal(t, weather.StatusSuccess, run.Outcomes["London"].Status)
	assert.Equal(t, weather.StatusRetriesExhausted, run.Outcomes["Paris"].Status)
	assert.Equal(t, weather.StatusAborted, run.Outcomes["Berlin"].Status)
	assert.Zero(t, fetcher.Attempts(berlin))
	assert.Equal(t, weather.Summary{Synced: 1, Failed: 1}, run.Summary())

	stored, err := h.runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, weather.RunCompleted, stored.State())
}

func TestSyncAllCountsClientErrorsWithoutAborting(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		if lat == london.Latitude {
			return weather.Reading{}, &weather.FetchError{Kind: weather.ClientError, Status: 400, Err: errors.New("bad request")}
		}
		return londonReading("2026-01-20T12:00:00Z"), nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london, paris})

	run, err := h.svc.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, weather.Summary{Synced: 1, Failed: 1}, run.Summary())
}

// flakyStore fails the first n upserts with a StoreError.
type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int32
}

func (f *flakyStore) Upsert(ctx context.Context, obs weather.Observation) (weather.Observation, error) {
	if f.failures.Add(-1) >= 0 {
		return weather.Observation{}, &weather.StoreError{Op: "upsert", Err: store.ErrConflict}
	}
	return f.MemoryStore.Upsert(ctx, obs)
}

func TestStoreErrorIsRetriedOnce(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		return londonReading("2026-01-20T12:00:00Z"), nil
	})

	t.Run("recovers within the attempt", func(t *testing.T) {
		fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
		fs.failures.Store(1)
		h := newHarness(t, fetcher, fs, []weather.City{london})

		outcome, err := h.svc.SyncCity(context.Background(), london)
		require.NoError(t, err)
		assert.Equal(t, weather.StatusSuccess, outcome.Status)
	})

	t.Run("surfaces as retryable after two failures", func(t *testing.T) {
		fs := &flakyStore{MemoryStore: store.NewMemoryStore()}
		fs.failures.Store(2)
		h := newHarness(t, fetcher, fs, []weather.City{london})

		_, err := h.svc.SyncCity(context.Background(), london)
		var se *weather.StoreError
		require.ErrorAs(t, err, &se)
		assert.True(t, weather.IsRetryable(err))

		outcome := h.svc.SyncCityWithRetry(context.Background(), london)
		assert.Equal(t, weather.StatusSuccess, outcome.Status)
	})
}

func TestOverlappingSyncsNeverMoveSyncedAtBackwards(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	fetcher := newScriptedFetcher(func(lat, lon float64, attempt int) (weather.Reading, error) {
		if attempt == 1 {
			close(entered)
			<-release
		}
		return londonReading("2026-01-20T12:00:00Z"), nil
	})
	h := newHarness(t, fetcher, nil, []weather.City{london})
	ctx := context.Background()

	slow := make(chan error, 1)
	go func() {
		_, err := h.svc.SyncCity(ctx, london)
		slow <- err
	}()
	<-entered

	_, err := h.svc.SyncCity(ctx, london)
	require.NoError(t, err)
	fast, err := h.store.GetByCity(ctx, "London")
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-slow)

	last, err := h.store.GetByCity(ctx, "London")
	require.NoError(t, err)
	assert.False(t, last.SyncedAt.Before(fast.SyncedAt), "synced_at went backwards: %s < %s", last.SyncedAt, fast.SyncedAt)

	_, total, err := h.store.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSyncCityReturnsClientErrorAsNonRetryable(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		return weather.Reading{}, &weather.FetchError{Kind: weather.ClientError, Status: 400, Err: errors.New("bad request")}
	})
	h := newHarness(t, fetcher, nil, []weather.City{london})

	outcome, err := h.svc.SyncCity(context.Background(), london)
	require.Error(t, err)
	assert.False(t, weather.IsRetryable(err))
	assert.Equal(t, weather.StatusClientError, outcome.Status)
	assert.Equal(t, "London", outcome.City)
}

func TestBackoffDoesNotHoldAWorker(t *testing.T) {
	fetcher := newScriptedFetcher(func(lat, lon float64, _ int) (weather.Reading, error) {
		if lat == london.Latitude {
			return weather.Reading{}, &weather.FetchError{Kind: weather.ServerError, Status: 503, Err: errors.New("unavailable")}
		}
		return londonReading("2026-01-20T12:00:00Z"), nil
	})
	runs := store.NewMemoryRunStore(0)
	pool := worker.New(1, 0)
	pool.Start()
	svc := weather.NewService(store.NewMemoryStore(), fetcher, runs, pool, weather.ServiceConfig{
		Cities:         []weather.City{london, paris, berlin},
		Retry:          weather.RetryPolicy{MaxRetries: 1, BaseDelay: time.Hour, MaxDelay: time.Hour},
		RequestTimeout: time.Second,
	})
	defer pool.Stop(context.Background())

	run, err := svc.Trigger(context.Background())
	require.NoError(t, err)

	// London waits an hour for its retry while the single worker serves the others.
	require.Eventually(t, func() bool {
		r, err := runs.GetRun(context.Background(), run.ID)
		return err == nil &&
			r.Outcomes["Paris"].Status == weather.StatusSuccess &&
			r.Outcomes["Berlin"].Status == weather.StatusSuccess
	}, 2*time.Second, 5*time.Millisecond)

	r, err := runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, weather.StatusPending, r.Outcomes["London"].Status)
	assert.Equal(t, 1, fetcher.Attempts(london))

	require.True(t, svc.Cancel(run.ID))
	require.Eventually(t, func() bool {
		r, err := runs.GetRun(context.Background(), run.ID)
		return err == nil && r.State() == weather.RunCompleted
	}, 2*time.Second, 5*time.Millisecond)

	r, err = runs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, weather.StatusCancelled, r.Outcomes["London"].Status)
	assert.Equal(t, weather.Summary{Synced: 2, Failed: 1}, r.Summary())
}
