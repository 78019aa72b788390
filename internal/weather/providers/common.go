package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/weather-sync/internal/weather"
)

// HTTPClientConfig bundles the HTTP client and its resilience settings.
type HTTPClientConfig struct {
	Client  *http.Client
	Limiter *rate.Limiter // nil disables rate limiting
}

var (
	errServerError   = errors.New("server error")
	errUnexpected    = errors.New("unexpected status code")
	errCircuitOpen   = errors.New("circuit breaker open")
	errNoHTTPClient  = errors.New("http client not configured")
	errRateLimitWait = errors.New("rate limit wait canceled")
)

// doRequest executes a single request through the rate limiter and circuit breaker
// and classifies any failure as a *weather.FetchError. Retrying is the caller's job.
//
// A 4xx response is returned to the breaker as a success so that bad coordinates
// for one city cannot open the circuit for every other city.
func doRequest(
	ctx context.Context,
	cfg HTTPClientConfig,
	cb *gobreaker.CircuitBreaker,
	buildRequest func() (*http.Request, error),
) (*http.Response, error) {
	if cfg.Client == nil {
		return nil, &weather.FetchError{Kind: weather.NetworkError, Err: errNoHTTPClient}
	}

	if cfg.Limiter != nil {
		if err := cfg.Limiter.Wait(ctx); err != nil {
			return nil, &weather.FetchError{Kind: weather.NetworkError, Err: fmt.Errorf("%w: %v", errRateLimitWait, err)}
		}
	}

	req, err := buildRequest()
	if err != nil {
		return nil, &weather.FetchError{Kind: weather.NetworkError, Err: err}
	}

	// Ensure the request obeys context cancellation.
	req = req.WithContext(ctx)

	execute := func() (interface{}, error) {
		resp, execErr := cfg.Client.Do(req)
		if execErr != nil {
			return nil, &weather.FetchError{Kind: weather.NetworkError, Err: execErr}
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, &weather.FetchError{Kind: weather.ServerError, Status: resp.StatusCode, Err: errServerError}
		}
		return resp, nil
	}

	var result interface{}
	if cb != nil {
		result, err = cb.Execute(execute)
	} else {
		result, err = execute()
	}
	if err != nil {
		// If circuit is open, fail without touching the network.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &weather.FetchError{Kind: weather.NetworkError, Err: fmt.Errorf("%w: %v", errCircuitOpen, err)}
		}
		return nil, err
	}

	resp, ok := result.(*http.Response)
	if !ok {
		return nil, &weather.FetchError{Kind: weather.ServerError, Err: fmt.Errorf("unexpected result type from circuit breaker")}
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		resp.Body.Close()
		return nil, &weather.FetchError{
			Kind:   weather.ClientError,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: %d", errUnexpected, resp.StatusCode),
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, &weather.FetchError{
			Kind:   weather.ServerError,
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: %d", errUnexpected, resp.StatusCode),
		}
	}
	return resp, nil
}

// newBreaker returns a breaker that opens after threshold consecutive
// server or network failures. A threshold below 1 disables the breaker.
func newBreaker(name string, threshold uint32, settings gobreaker.Settings) *gobreaker.CircuitBreaker {
	if threshold < 1 {
		return nil
	}
	settings.Name = name
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= threshold
	}
	return gobreaker.NewCircuitBreaker(settings)
}
