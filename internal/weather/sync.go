package weather

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"time"
)

// observationTimeLayouts are tried in order. Layouts without an offset parse as UTC.
var observationTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
}

// NormalizeObservationTime parses an upstream time string into a UTC instant.
// An empty string yields nil without error.
func NormalizeObservationTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	for _, layout := range observationTimeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			ts = ts.UTC()
			return &ts, nil
		}
	}
	return nil, fmt.Errorf("malformed observation time %q", s)
}

// SyncCity runs a single fetch-and-upsert attempt for one city.
//
// Every failure is returned as an error; IsRetryable tells the caller whether
// to try again. A client error also comes with its terminal Outcome.
// The attempt runs detached from ctx cancellation so it is never interrupted
// half-way; it is bounded by the request timeout instead.
//
// synced_at is left to the store, which stamps it at write time.
func (s *Service) SyncCity(ctx context.Context, city City) (Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	reading, err := s.fetcher.Fetch(fetchCtx, city.Latitude, city.Longitude)
	cancel()
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) && fe.Kind == ClientError {
			log.Printf("WARN: sync: client error (no retry) city=%s status=%d", city.Name, fe.Status)
			return Outcome{
				City:       city.Name,
				Status:     StatusClientError,
				Error:      err.Error(),
				FinishedAt: s.now().UTC(),
			}, err
		}
		log.Printf("ERROR: sync: fetch failed (retry) city=%s: %v", city.Name, err)
		return Outcome{}, err
	}

	obs := observationFromReading(city, reading)
	if obs.ObservedAt, err = NormalizeObservationTime(reading.Current.Time); err != nil {
		log.Printf("WARN: sync: %v city=%s; storing without observation time", err, city.Name)
	}

	if err := s.upsertOnceRetried(ctx, obs); err != nil {
		log.Printf("ERROR: sync: upsert failed city=%s: %v", city.Name, err)
		return Outcome{}, err
	}

	log.Printf("INFO: sync: synced %s successfully", city.Name)
	return Outcome{
		City:       city.Name,
		Status:     StatusSuccess,
		FinishedAt: s.now().UTC(),
	}, nil
}

// upsertOnceRetried writes obs, retrying exactly once on a StoreError.
func (s *Service) upsertOnceRetried(ctx context.Context, obs Observation) error {
	var err error
	for try := 0; try < 2; try++ {
		upsertCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		_, err = s.store.Upsert(upsertCtx, obs)
		cancel()

		var se *StoreError
		if err == nil || !errors.As(err, &se) {
			return err
		}
		log.Printf("WARN: sync: store anomaly city=%s try=%d: %v", obs.CityName, try+1, err)
	}
	return err
}

func observationFromReading(city City, r Reading) Observation {
	obs := Observation{
		CityName:      city.Name,
		Latitude:      city.Latitude,
		Longitude:     city.Longitude,
		Temperature:   r.Current.Temperature,
		WindSpeed:     r.Current.WindSpeed,
		WindDirection: r.Current.WindDirection,
		RawPayload:    r.Raw,
	}
	if r.Current.WeatherCode != nil {
		code := int(math.Round(*r.Current.WeatherCode))
		obs.WeatherCode = &code
	}
	return obs
}
