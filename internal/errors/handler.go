package errors

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// ErrorResponse is the body of every non-2xx status API answer.
type ErrorResponse struct {
	Error    ErrorDetails `json:"error"`
	TraceID  string       `json:"trace_id,omitempty"`
	Metadata interface{}  `json:"metadata,omitempty"`
}

// ErrorDetails contains the error details.
type ErrorDetails struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorHandler writes AppErrors as JSON and logs them by severity.
type ErrorHandler struct {
	logger *logrus.Logger
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	return &ErrorHandler{logger: logger}
}

// toAppError keeps AppErrors, maps decoder sentinels through the decoder
// taxonomy and hides everything else behind a generic 500.
func toAppError(err error) *AppError {
	if appErr, ok := GetAppError(err); ok {
		return appErr
	}
	if IsDecoderError(err) {
		return WrapDecoderError(err)
	}
	return WrapInternalError(err, "An unexpected error occurred")
}

// HandleError writes err with the status its type maps to.
func (h *ErrorHandler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := toAppError(err)
	traceID := r.Header.Get("X-Request-ID")

	entry := h.logger.WithFields(logrus.Fields{
		"error_type": appErr.Type,
		"error_code": appErr.Code,
		"trace_id":   traceID,
		"method":     r.Method,
		"path":       r.URL.Path,
	})
	switch {
	case appErr.HTTPStatus >= http.StatusInternalServerError:
		entry.Error(appErr.Error())
	case appErr.HTTPStatus == http.StatusNotFound:
		// unknown decoder IDs are routine once a decoder has gone away
		entry.Debug(appErr.Error())
	default:
		entry.Warn(appErr.Error())
	}

	h.writeJSON(w, appErr.HTTPStatus, ErrorResponse{
		Error: ErrorDetails{
			Type:    appErr.Type,
			Message: appErr.Message,
			Code:    appErr.Code,
			Details: appErr.Details,
		},
		TraceID: traceID,
	})
}

// HandleNotFound answers routes the router does not know.
func (h *ErrorHandler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	err := NewNotFoundError("endpoint").WithDetails(map[string]interface{}{"path": r.URL.Path})
	h.HandleError(w, r, err)
}

// HandleMethodNotAllowed answers anything but reads; the status API is
// read-only.
func (h *ErrorHandler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Allow", "GET, OPTIONS")
	err := New(ErrorTypeValidation, "Method not allowed", http.StatusMethodNotAllowed).
		WithDetails(map[string]interface{}{"method": r.Method})
	h.HandleError(w, r, err)
}

// HandlePanic logs a recovered panic with its stack and answers 500.
func (h *ErrorHandler) HandlePanic(w http.ResponseWriter, r *http.Request, recovered interface{}) {
	h.logger.WithFields(logrus.Fields{
		"panic":    recovered,
		"method":   r.Method,
		"path":     r.URL.Path,
		"trace_id": r.Header.Get("X-Request-ID"),
		"stack":    string(debug.Stack()),
	}).Error("Panic recovered in HTTP handler")

	h.HandleError(w, r, NewInternalError("An unexpected error occurred"))
}

func (h *ErrorHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.WithError(err).Error("Failed to encode error response")
	}
}
