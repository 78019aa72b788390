package weather

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies an upstream failure.
type FetchErrorKind int

const (
	// ClientError is an upstream 4xx. It is never retried.
	ClientError FetchErrorKind = iota + 1
	// ServerError is an upstream 5xx or a response we could not make sense of.
	ServerError
	// NetworkError is a failure before any response arrived (dial, timeout, open circuit).
	NetworkError
)

func (k FetchErrorKind) String() string {
	switch k {
	case ClientError:
		return "client error"
	case ServerError:
		return "server error"
	case NetworkError:
		return "network error"
	default:
		return "unknown error"
	}
}

// FetchError is returned by a Fetcher for every failed request.
type FetchError struct {
	Kind   FetchErrorKind
	Status int // 0 when no response was received
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later.
func (e *FetchError) Retryable() bool {
	return e.Kind == ServerError || e.Kind == NetworkError
}

// StoreError wraps a persistence failure, such as a uniqueness race.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried with backoff.
// Unknown errors are treated as retryable, client errors never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return true
}
