package domain

import "errors"

// Adapters translate provider specific failures into these sentinels so the
// pipeline can decide between retrying, isolating and failing a run.
var (
	ErrAuthExpired       = errors.New("credentials expired or revoked")
	ErrRateLimited       = errors.New("rate limited")
	ErrTransient         = errors.New("transient i/o error")
	ErrNotFound          = errors.New("not found")
	ErrMalformedOutput   = errors.New("malformed classifier output")
	ErrClassifierTimeout = errors.New("classifier timed out")

	ErrRunInFlight        = errors.New("a scan run is already in flight for this user and feature")
	ErrRunFinalized       = errors.New("scan run is terminal")
	ErrInvalidTransition  = errors.New("invalid scan run state transition")
	ErrInvalidConfig      = errors.New("invalid pipeline config")
	ErrConfigNotFound     = errors.New("pipeline config not found or disabled")
	ErrUnsupportedFeature = errors.New("unsupported feature")
)

// IsRetryable reports whether a call failing with err may succeed when
// repeated after a backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}
