package fetch

import "errors"

var (
	// ErrInvalidRequest indicates a missing memory id, a malformed id, or a
	// malformed range.
	ErrInvalidRequest = errors.New("invalid fetch request")

	// ErrNotFound indicates an unknown memory id.
	ErrNotFound = errors.New("memory not found")

	// ErrRangeTooLarge indicates a range over the gateway caps. The caller
	// should retry with a smaller range.
	ErrRangeTooLarge = errors.New("requested range too large")

	// ErrRateLimited indicates the fetch could not acquire a rate token
	// before its context ended.
	ErrRateLimited = errors.New("fetch rate limit exceeded")
)
