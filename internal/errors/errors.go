package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents the type of error.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound    ErrorType = "NOT_FOUND"
	ErrorTypeInternal    ErrorType = "INTERNAL_ERROR"
	ErrorTypeTimeout     ErrorType = "TIMEOUT"
	ErrorTypeServiceDown ErrorType = "SERVICE_DOWN"

	// Decoder taxonomy. No platform status code crosses the decoder boundary;
	// adapters translate into one of these.
	ErrorTypeSessionCreateFailed     ErrorType = "SESSION_CREATE_FAILED"
	ErrorTypeBadSession              ErrorType = "BAD_SESSION"
	ErrorTypeTransientDecoderFault   ErrorType = "TRANSIENT_DECODER_FAULT"
	ErrorTypeFatal                   ErrorType = "FATAL"
	ErrorTypeParameterSetUnavailable ErrorType = "PARAMETER_SET_UNAVAILABLE"
)

// Decoder sentinels. Wrap them with fmt.Errorf("...: %w") and test with
// errors.Is.
var (
	// ErrSessionCreateFailed: the hardware session could not be built. Fatal
	// to the decode attempt, surfaced as an Open failure.
	ErrSessionCreateFailed = stderrors.New("session create failed")
	// ErrBadSession: the session was invalidated externally (for example by
	// the app being backgrounded). Recoverable by rebuilding the session.
	ErrBadSession = stderrors.New("bad session")
	// ErrTransientDecoderFault: the hardware decoder malfunctioned. Not
	// retryable on hardware; playback continues on the software path.
	ErrTransientDecoderFault = stderrors.New("transient decoder fault")
	// ErrFatal: any other failure. Playback should stop.
	ErrFatal = stderrors.New("fatal decoder error")
	// ErrParameterSetUnavailable is expected while in-band parameter sets
	// have not arrived yet.
	ErrParameterSetUnavailable = stderrors.New("parameter set unavailable")
)

// AppError represents an application error with additional context.
type AppError struct {
	Type       ErrorType              `json:"type"`
	Message    string                 `json:"message"`
	Code       string                 `json:"code,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

// WithCode adds an error code.
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// New creates a new AppError.
func New(errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error.
func Wrap(err error, errType ErrorType, message string, httpStatus int) *AppError {
	return &AppError{
		Type:       errType,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message, http.StatusBadRequest)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

// NewInternalError creates an internal server error.
func NewInternalError(message string) *AppError {
	return New(ErrorTypeInternal, message, http.StatusInternalServerError)
}

// WrapInternalError wraps an error as internal server error.
func WrapInternalError(err error, message string) *AppError {
	return Wrap(err, ErrorTypeInternal, message, http.StatusInternalServerError)
}

// NewTimeoutError creates a timeout error.
func NewTimeoutError(message string) *AppError {
	return New(ErrorTypeTimeout, message, http.StatusRequestTimeout)
}

// NewServiceDownError creates a service down error.
func NewServiceDownError(service string) *AppError {
	return New(ErrorTypeServiceDown, fmt.Sprintf("%s service is currently unavailable", service), http.StatusServiceUnavailable)
}

// TypeOf classifies a decoder error into the taxonomy. Errors outside the
// taxonomy classify as ErrorTypeFatal; nil yields "".
func TypeOf(err error) ErrorType {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, ErrSessionCreateFailed):
		return ErrorTypeSessionCreateFailed
	case stderrors.Is(err, ErrBadSession):
		return ErrorTypeBadSession
	case stderrors.Is(err, ErrTransientDecoderFault):
		return ErrorTypeTransientDecoderFault
	case stderrors.Is(err, ErrParameterSetUnavailable):
		return ErrorTypeParameterSetUnavailable
	default:
		if appErr, ok := GetAppError(err); ok {
			return appErr.Type
		}
		return ErrorTypeFatal
	}
}

// IsDecoderError reports whether err wraps one of the decoder sentinels
func IsDecoderError(err error) bool {
	for _, sentinel := range []error{ErrSessionCreateFailed, ErrBadSession, ErrTransientDecoderFault, ErrFatal, ErrParameterSetUnavailable} {
		if stderrors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// WrapDecoderError converts a decoder error into an AppError for the status
// API. Session-level failures map to 503 since the service stays up.
func WrapDecoderError(err error) *AppError {
	errType := TypeOf(err)
	status := http.StatusInternalServerError
	switch errType {
	case ErrorTypeBadSession, ErrorTypeTransientDecoderFault, ErrorTypeParameterSetUnavailable:
		status = http.StatusServiceUnavailable
	}
	return Wrap(err, errType, err.Error(), status)
}

// IsAppError checks if an error is an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error.
func GetAppError(err error) (*AppError, bool) {
	var appErr *AppError
	ok := stderrors.As(err, &appErr)
	return appErr, ok
}
