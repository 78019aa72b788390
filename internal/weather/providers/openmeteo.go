package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/weather-sync/internal/weather"
)

// DefaultOpenMeteoURL is the public Open-Meteo forecast endpoint.
const DefaultOpenMeteoURL = "https://api.open-meteo.com/v1/forecast"

// maxBodyBytes bounds how much of an upstream body we read.
const maxBodyBytes = 1 << 20

// OpenMeteoOptions configures the Open-Meteo client.
type OpenMeteoOptions struct {
	BaseURL string
	Timeout time.Duration

	// RateLimit is requests per second across all cities; 0 disables limiting.
	RateLimit float64
	Burst     int

	// BreakerThreshold is the number of consecutive failures that opens the
	// circuit; 0 disables the breaker.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// OpenMeteoProvider implements weather.Fetcher against Open-Meteo current_weather.
type OpenMeteoProvider struct {
	name    string
	baseURL string
	timeout time.Duration
	httpCfg HTTPClientConfig
	circuit *gobreaker.CircuitBreaker
}

var _ weather.Fetcher = (*OpenMeteoProvider)(nil)

func NewOpenMeteoProvider(client *http.Client, opts OpenMeteoOptions) *OpenMeteoProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultOpenMeteoURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = time.Minute
	}

	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	cb := newBreaker("openmeteo", opts.BreakerThreshold, gobreaker.Settings{
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     opts.BreakerTimeout,
	})

	return &OpenMeteoProvider{
		name:    "openmeteo",
		baseURL: opts.BaseURL,
		timeout: opts.Timeout,
		httpCfg: HTTPClientConfig{
			Client:  client,
			Limiter: limiter,
		},
		circuit: cb,
	}
}

func (p *OpenMeteoProvider) Name() string {
	return p.name
}

// Fetch returns the current weather at the given coordinates.
func (p *OpenMeteoProvider) Fetch(ctx context.Context, latitude, longitude float64) (weather.Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	buildRequest := func() (*http.Request, error) {
		values := url.Values{}
		values.Set("latitude", strconv.FormatFloat(latitude, 'f', -1, 64))
		values.Set("longitude", strconv.FormatFloat(longitude, 'f', -1, 64))
		values.Set("current_weather", "true")

		u := fmt.Sprintf("%s?%s", p.baseURL, values.Encode())
		return http.NewRequest(http.MethodGet, u, nil)
	}

	resp, err := doRequest(ctx, p.httpCfg, p.circuit, buildRequest)
	if err != nil {
		return weather.Reading{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return weather.Reading{}, &weather.FetchError{Kind: weather.NetworkError, Status: resp.StatusCode, Err: err}
	}

	var payload struct {
		CurrentWeather *weather.CurrentWeather `json:"current_weather"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return weather.Reading{}, &weather.FetchError{
			Kind:   weather.ServerError,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("decode body: %w", err),
		}
	}

	reading := weather.Reading{Raw: json.RawMessage(bytes.TrimSpace(body))}
	if payload.CurrentWeather != nil {
		reading.Current = *payload.CurrentWeather
	}
	return reading, nil
}
