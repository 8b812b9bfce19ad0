package errors

// ErrorCode represents a machine-readable error identifier returned by every
// public engine operation.
type ErrorCode string

// Purchase flow errors
const (
	// The user backed out of the payment sheet.
	ErrCodeCancelled ErrorCode = "CANCELLED"

	// Transport failure talking to the payment platform or verifier.
	ErrCodeNetworkError ErrorCode = "NETWORK_ERROR"

	// The platform store reported a problem on its side.
	ErrCodeStoreProblem ErrorCode = "STORE_PROBLEM_ERROR"

	// The receipt verifier rejected the receipt. Retryable until the
	// transaction is rate limited.
	ErrCodeVerificationFailed ErrorCode = "VERIFICATION_FAILED"

	// The persistent store failed to read or write.
	ErrCodeDatabaseError ErrorCode = "DB_ERROR"

	ErrCodePurchaseInProgress ErrorCode = "PURCHASE_IN_PROGRESS"
	ErrCodeRestoreInProgress  ErrorCode = "RESTORE_IN_PROGRESS"

	// The platform store returned a response we could not interpret.
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
)

// Authorization and validation errors
const (
	ErrCodeNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
)

// Internal/System Errors
const (
	ErrCodeUnknownError ErrorCode = "UNKNOWN_ERROR"
	ErrCodeConfigError  ErrorCode = "CONFIG_ERROR"
)

// IsRetryable returns whether an error code represents a retryable error.
// VERIFICATION_FAILED defaults to retryable; callers that know the transaction
// is rate limited override it on the Error value.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeNetworkError,
		ErrCodeStoreProblem,
		ErrCodeVerificationFailed,
		ErrCodeDatabaseError,
		ErrCodePurchaseInProgress,
		ErrCodeRestoreInProgress:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation errors
	case ErrCodeInvalidInput:
		return 400

	// 401 Unauthorized - No principal on the request
	case ErrCodeNotAuthenticated:
		return 401

	// 402 Payment Required - Receipt could not be verified
	case ErrCodeVerificationFailed:
		return 402

	// 403 Forbidden - Principal does not own the target
	case ErrCodeForbidden:
		return 403

	case ErrCodeNotFound:
		return 404

	// 409 Conflict - Overlapping flows and user cancellation
	case ErrCodePurchaseInProgress,
		ErrCodeRestoreInProgress,
		ErrCodeCancelled:
		return 409

	// 502 Bad Gateway - External service errors
	case ErrCodeNetworkError,
		ErrCodeStoreProblem,
		ErrCodeMalformedResponse:
		return 502

	// 503 Service Unavailable - Persistent store down
	case ErrCodeDatabaseError:
		return 503

	default:
		return 500
	}
}
