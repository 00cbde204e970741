package domain

import "errors"

// Error kinds surfaced by the cache, normalizers, and query layer.
// Callers match them with errors.Is; producers wrap them with context.
var (
	ErrNotFound          = errors.New("not found")
	ErrMalformedDate     = errors.New("malformed date")
	ErrAlignmentMismatch = errors.New("alignment mismatch")
	ErrMissingField      = errors.New("missing required field")
	ErrMalformedValue    = errors.New("malformed value")
	ErrUnknownMetric     = errors.New("unknown metric")

	// Upstream failures. Only ErrNetwork and ErrTimeout are retried.
	ErrTimeout    = errors.New("upstream timeout")
	ErrNetwork    = errors.New("upstream network failure")
	ErrAuth       = errors.New("upstream auth failure")
	ErrUpstream   = errors.New("upstream rejected request")
	ErrDisallowed = errors.New("disallowed by robots.txt")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}
