package apperror

// Code represents a unique error code for the application
type Code string

// General error codes
const (
	CodeInvalidInput  Code = "INVALID_INPUT"
	CodeInvalidConfig Code = "INVALID_CONFIG"
	CodeNoConfig      Code = "NO_CONFIG"
	CodeNotFound      Code = "NOT_FOUND"
	CodeInternalError Code = "INTERNAL_ERROR"
	CodeUnknownError  Code = "UNKNOWN_ERROR"
)

// Discovery error codes
const (
	// A single malformed identifier; dropped, the run continues.
	CodeValidationSkip Code = "VALIDATION_SKIP"

	CodeQuotaExhausted Code = "QUOTA_EXHAUSTED"
	CodeRateLimited    Code = "RATE_LIMITED"
	CodeUpstreamError  Code = "UPSTREAM_ERROR"
	CodeUpstreamHTTP   Code = "UPSTREAM_HTTP_ERROR"
	CodeCircuitOpen    Code = "CIRCUIT_OPEN"
)

// Scheduler error codes
const (
	CodeAlreadyRunning Code = "ALREADY_RUNNING"
)

// Acquisition error codes
const (
	CodeControlNotFound Code = "CONTROL_NOT_FOUND"
	CodeControlDisabled Code = "CONTROL_DISABLED"
	CodeTimeout         Code = "TIMEOUT"
	CodeOrderRejected   Code = "ORDER_REJECTED"
)
