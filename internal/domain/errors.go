package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "fetch catalog", "detect country")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrStorageCorrupt is reported when persisted cart JSON cannot be decoded.
	// The cart is treated as empty.
	ErrStorageCorrupt = errors.New("storage corrupt")

	// ErrCatalogUnavailable is returned when the catalog cannot be fetched or parsed.
	// The last good snapshot stays in place.
	ErrCatalogUnavailable = errors.New("catalog unavailable")

	// ErrGeoDetectionFailed marks a degraded currency profile (fallback in use).
	ErrGeoDetectionFailed = errors.New("geo detection failed")

	// ErrConversionUnavailable is returned when no conversion rate can be obtained.
	ErrConversionUnavailable = errors.New("conversion unavailable")

	// ErrEngineStopped is returned by cart mutations once the engine loop has exited.
	ErrEngineStopped = errors.New("cart engine stopped")

	// ErrInvalidItemID is returned for empty item ids.
	ErrInvalidItemID = errors.New("invalid item id")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
