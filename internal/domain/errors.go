package domain

import "errors"

var (
	// ErrUnauthorized means the provider rejected the credential. It is
	// terminal for the whole run, not just the current cell.
	ErrUnauthorized = errors.New("provider rejected credentials")

	// ErrProviderUnavailable is returned without issuing a request while the
	// provider circuit breaker is open.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrInvalidCoordinates marks a non-finite or out-of-range lat/lon.
	ErrInvalidCoordinates = errors.New("invalid coordinates")

	// ErrInvalidCell marks a stored cell id that cannot be resolved to a center.
	ErrInvalidCell = errors.New("invalid cell")
)
