package common

// Codes carried in the "code" field of error bodies.
const (
	CodeBadRequest           = "BAD_REQUEST"
	CodeValidation           = "VALIDATION_ERROR"
	CodeInvalidBody          = "INVALID_BODY"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeNotFound             = "NOT_FOUND"
	CodeRateLimited          = "RATE_LIMITED"
	CodePriceUnavailable     = "PRICE_UNAVAILABLE"
	CodeProviderInactive     = "PROVIDER_INACTIVE"
	CodeProviderNotSupported = "PROVIDER_NOT_SUPPORTED"
	CodeProviderTimeout      = "PROVIDER_TIMEOUT"
	CodeProviderUnavailable  = "PROVIDER_UNAVAILABLE"
	CodeUpstreamUnavailable  = "UPSTREAM_UNAVAILABLE"
	CodeNotReady             = "NOT_READY"
	CodeInternal             = "INTERNAL"
)

// AppError pairs a client-facing code and message with an HTTP status. Err
// stays server-side: it is logged and unwrapped but never rendered.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
}

func (e *AppError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Err != nil:
		return e.Code + ": " + e.Err.Error()
	default:
		return e.Code + ": " + e.Message
	}
}

func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}
