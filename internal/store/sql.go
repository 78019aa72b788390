package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"

	"github.com/i474232898/weather-sync/internal/weather"
)

// ErrConflict marks a unique-key violation on city_name.
var ErrConflict = errors.New("city already exists")

const observationColumns = `id, city_name, latitude, longitude, temperature, windspeed,
	winddirection, weathercode, observed_at, raw_payload, synced_at`

// dialect holds the statements that differ between database types.
type dialect struct {
	name   string
	upsert string
	byID   string
	byCity string
	list   string
	// returning is true when upsert yields id and synced_at via RETURNING.
	returning bool
}

var postgresDialect = dialect{
	name: "postgres",
	upsert: `INSERT INTO weather_observations
		(city_name, latitude, longitude, temperature, windspeed, winddirection, weathercode, observed_at, raw_payload, synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (city_name) DO UPDATE SET
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			temperature = EXCLUDED.temperature,
			windspeed = EXCLUDED.windspeed,
			winddirection = EXCLUDED.winddirection,
			weathercode = EXCLUDED.weathercode,
			observed_at = EXCLUDED.observed_at,
			raw_payload = EXCLUDED.raw_payload,
			synced_at = GREATEST(weather_observations.synced_at, EXCLUDED.synced_at)
		RETURNING id, synced_at`,
	byID:      `SELECT ` + observationColumns + ` FROM weather_observations WHERE id = $1`,
	byCity:    `SELECT ` + observationColumns + ` FROM weather_observations WHERE city_name = $1`,
	list:      `SELECT ` + observationColumns + ` FROM weather_observations ORDER BY id LIMIT $1 OFFSET $2`,
	returning: true,
}

// mysqlDialect relies on LAST_INSERT_ID(id) to report the existing row's id on update.
// It cannot return the kept synced_at, so Upsert reads it back.
var mysqlDialect = dialect{
	name: "mysql",
	upsert: `INSERT INTO weather_observations
		(city_name, latitude, longitude, temperature, windspeed, winddirection, weathercode, observed_at, raw_payload, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			id = LAST_INSERT_ID(id),
			latitude = VALUES(latitude),
			longitude = VALUES(longitude),
			temperature = VALUES(temperature),
			windspeed = VALUES(windspeed),
			winddirection = VALUES(winddirection),
			weathercode = VALUES(weathercode),
			observed_at = VALUES(observed_at),
			raw_payload = VALUES(raw_payload),
			synced_at = GREATEST(synced_at, VALUES(synced_at))`,
	byID:   `SELECT ` + observationColumns + ` FROM weather_observations WHERE id = ?`,
	byCity: `SELECT ` + observationColumns + ` FROM weather_observations WHERE city_name = ?`,
	list:   `SELECT ` + observationColumns + ` FROM weather_observations ORDER BY id LIMIT ? OFFSET ?`,
}

// SQLStore persists observations in Postgres or MySQL.
// Each upsert is a single statement, so concurrent writes to the same city
// are serialized by the database's row lock; synced_at keeps the later of
// the stored and the written value.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	now func() time.Time
}

var _ weather.Store = (*SQLStore)(nil)

// NewSQLStore wraps an open database. dbType is "postgres" or "mysql".
func NewSQLStore(db *sql.DB, dbType string) (*SQLStore, error) {
	var d dialect
	switch dbType {
	case "postgres":
		d = postgresDialect
	case "mysql":
		d = mysqlDialect
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
	return &SQLStore{db: db, dialect: d, now: time.Now}, nil
}

func (s *SQLStore) Upsert(ctx context.Context, obs weather.Observation) (weather.Observation, error) {
	if obs.SyncedAt.IsZero() {
		obs.SyncedAt = s.now()
	}
	obs.SyncedAt = obs.SyncedAt.UTC()

	args := []any{
		obs.CityName,
		obs.Latitude,
		obs.Longitude,
		nullFloat(obs.Temperature),
		nullFloat(obs.WindSpeed),
		nullFloat(obs.WindDirection),
		nullInt(obs.WeatherCode),
		nullTime(obs.ObservedAt),
		nullJSON(obs.RawPayload),
		obs.SyncedAt,
	}

	if s.dialect.returning {
		if err := s.db.QueryRowContext(ctx, s.dialect.upsert, args...).Scan(&obs.ID, &obs.SyncedAt); err != nil {
			return weather.Observation{}, wrapStoreError("upsert", err)
		}
		obs.SyncedAt = obs.SyncedAt.UTC()
		return obs, nil
	}

	res, err := s.db.ExecContext(ctx, s.dialect.upsert, args...)
	if err != nil {
		return weather.Observation{}, wrapStoreError("upsert", err)
	}
	if obs.ID, err = res.LastInsertId(); err != nil {
		return weather.Observation{}, wrapStoreError("upsert", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT synced_at FROM weather_observations WHERE id = ?`, obs.ID).Scan(&obs.SyncedAt); err != nil {
		return weather.Observation{}, wrapStoreError("upsert", err)
	}
	obs.SyncedAt = obs.SyncedAt.UTC()
	return obs, nil
}

func (s *SQLStore) GetByID(ctx context.Context, id int64) (weather.Observation, error) {
	return s.getOne(ctx, s.dialect.byID, id)
}

func (s *SQLStore) GetByCity(ctx context.Context, city string) (weather.Observation, error) {
	return s.getOne(ctx, s.dialect.byCity, city)
}

func (s *SQLStore) getOne(ctx context.Context, query string, arg any) (weather.Observation, error) {
	obs, err := scanObservation(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return weather.Observation{}, ErrNotFound
	}
	if err != nil {
		return weather.Observation{}, wrapStoreError("get", err)
	}
	return obs, nil
}

func (s *SQLStore) List(ctx context.Context, offset, limit int) ([]weather.Observation, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM weather_observations`).Scan(&total); err != nil {
		return nil, 0, wrapStoreError("count", err)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.list, limit, offset)
	if err != nil {
		return nil, 0, wrapStoreError("list", err)
	}
	defer rows.Close()

	result := make([]weather.Observation, 0, limit)
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, 0, wrapStoreError("list", err)
		}
		result = append(result, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrapStoreError("list", err)
	}
	return result, total, nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObservation(row rowScanner) (weather.Observation, error) {
	var (
		obs                 weather.Observation
		temp, wind, windDir sql.NullFloat64
		code                sql.NullInt64
		observedAt          sql.NullTime
		raw                 []byte
	)
	err := row.Scan(
		&obs.ID, &obs.CityName, &obs.Latitude, &obs.Longitude,
		&temp, &wind, &windDir, &code, &observedAt, &raw, &obs.SyncedAt,
	)
	if err != nil {
		return weather.Observation{}, err
	}

	obs.Temperature = floatPtr(temp)
	obs.WindSpeed = floatPtr(wind)
	obs.WindDirection = floatPtr(windDir)
	if code.Valid {
		c := int(code.Int64)
		obs.WeatherCode = &c
	}
	if observedAt.Valid {
		t := observedAt.Time.UTC()
		obs.ObservedAt = &t
	}
	obs.RawPayload = raw
	obs.SyncedAt = obs.SyncedAt.UTC()
	return obs, nil
}

// wrapStoreError turns driver errors into *weather.StoreError, tagging
// unique violations with ErrConflict.
func wrapStoreError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		err = fmt.Errorf("%w: %v", ErrConflict, err)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		err = fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return &weather.StoreError{Op: op, Err: err}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}

func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
