package apperror

var messages = map[Code]string{
	CodeInvalidInput:  "invalid input",
	CodeInvalidConfig: "invalid configuration",
	CodeNoConfig:      "no configuration found",
	CodeNotFound:      "resource not found",
	CodeInternalError: "internal error",
	CodeUnknownError:  "unknown error",

	CodeValidationSkip: "identifier does not match the expected format",
	CodeQuotaExhausted: "upstream token quota exhausted",
	CodeRateLimited:    "upstream rate limit exceeded",
	CodeUpstreamError:  "upstream returned an error",
	CodeUpstreamHTTP:   "upstream request failed",
	CodeCircuitOpen:    "upstream circuit breaker is open",

	CodeAlreadyRunning: "scheduler is already running",

	CodeControlNotFound: "page control not found",
	CodeControlDisabled: "page control is disabled",
	CodeTimeout:         "timed out waiting for page",
	CodeOrderRejected:   "order error detected",
}
