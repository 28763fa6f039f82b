package domain

import "github.com/cockroachdb/errors"

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrInvalidRequest = errors.New("invalid job request")
	ErrInvalidPayload = errors.New("payload cannot be empty")
	ErrJobExpired     = errors.New("job expiry already reached")
	ErrScheduleFailed = errors.New("job could not be scheduled")
	ErrJobInactive    = errors.New("job is no longer active")
	ErrLockLost       = errors.New("queue message lock lost")
)
