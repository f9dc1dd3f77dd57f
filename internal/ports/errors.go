package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// Error taxonomy of the aggregation engine
	ErrTransientIO        = errors.New("transient network error")
	ErrInsufficientData   = errors.New("not enough candles to compute features")
	ErrComputeFailure     = errors.New("feature computation failed")
	ErrPersistenceFailure = errors.New("feature store write failed")
	ErrFatalConfig        = errors.New("invalid or missing configuration")

	// General Errors
	ErrUnknown         = errors.New("unknown error occurred")
	ErrInvalidRequest  = errors.New("invalid request parameters or format")
	ErrTimeout         = errors.New("operation timed out")
	ErrContextCanceled = errors.New("operation canceled via context")

	// Exchange Specific Errors
	ErrConnectionFailed = errors.New("failed to connect to the exchange")
	ErrRateLimited      = errors.New("API rate limit exceeded")
	ErrNoData           = errors.New("exchange returned no data")

	// Database Specific Errors
	ErrDBConnection = errors.New("database connection error")
	ErrQueryFailed  = errors.New("database query failed")
	ErrUpdateFailed = errors.New("database update failed")
	ErrDeleteFailed = errors.New("database delete failed")
)
