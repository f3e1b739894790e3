package ratelimiter

import "github.com/aiserve/ratelimitd/internal/ratelimit"

// ErrorKind tags the reason a queued job ultimately failed, per
// spec.md §7.
type ErrorKind = ratelimit.ErrorKind

// Error is the error type every queueJob-family call returns on
// failure; Unwrap exposes the underlying cause when there is one.
type Error = ratelimit.Error

const (
	ErrUnknownJobType          = ratelimit.ErrUnknownJobType
	ErrUnknownModel            = ratelimit.ErrUnknownModel
	ErrAllModelsExhausted      = ratelimit.ErrAllModelsExhausted
	ErrJobProtocolViolation    = ratelimit.ErrJobProtocolViolation
	ErrUserJobError            = ratelimit.ErrUserJobError
	ErrCancelled               = ratelimit.ErrCancelled
	ErrCoordinationUnavailable = ratelimit.ErrCoordinationUnavailable
)
