package upstream

import "errors"

var (
	// ErrUpstreamUnavailable marks transient failures: transport errors,
	// unexpected response codes and empty results.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrAuthExpired is returned when a call is still rejected after one
	// reauthentication and retry.
	ErrAuthExpired = errors.New("upstream authentication expired")
)
