package inspection

import "errors"

// Sentinel errors shared by stores, services and handlers.
var (
	ErrNotFound      = errors.New("not found")
	ErrMissingConfig = errors.New("missing required configuration")
	ErrLeaseHeld     = errors.New("collection already has an active job")
	ErrInvalidJob    = errors.New("invalid job")
	ErrQueueClosed   = errors.New("queue closed")
)

// IsPermanent reports whether retrying a job cannot change the outcome.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrInvalidJob)
}
