package domain

import "errors"

// Caller-fatal kinds: surfaced to the caller as typed failures.
var (
	ErrInvalidQuery      = errors.New("invalid query")
	ErrRateLimitExceeded = errors.New("concurrent search limit exceeded")
	ErrConfiguration     = errors.New("invalid configuration")
)

// Degradable kinds: recorded against the provider, never surfaced past the seeker.
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrRateLimited         = errors.New("provider rate limited")
	ErrTimeout             = errors.New("search timed out")
	ErrNetwork             = errors.New("network error")
	ErrParsing             = errors.New("malformed provider response")
)
