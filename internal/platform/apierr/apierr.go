// Package apierr maps domain errors to HTTP responses with a uniform
// {"error": code, "message": text} body.
package apierr

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/hengadev/errsx"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthbook/healthbook/internal/platform/access"
	"github.com/healthbook/healthbook/internal/platform/persist"
)

// Error kinds. Domain sentinels wrap one of these so the HTTP layer can
// classify them without importing every domain package.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalid      = errors.New("invalid input")
	ErrUnauthorized = errors.New("unauthorized")
	ErrDegraded     = errors.New("store degraded")
	ErrUnavailable  = errors.New("unavailable")
	ErrSummary      = errors.New("summary generation failed")
)

// Error codes carried in the response body.
const (
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeInvalid      = "invalid"
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeDegraded     = "degraded"
	CodeUnavailable  = "unavailable"
	CodeSummary      = "summary_failed"
	CodeInternal     = "internal"
)

// Body is the JSON error payload.
type Body struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// ValidationError carries per-field messages.
type ValidationError struct {
	Fields errsx.Map
}

// Invalid returns nil when m is empty, otherwise a *ValidationError.
func Invalid(m errsx.Map) error {
	if m.IsEmpty() {
		return nil
	}
	return &ValidationError{Fields: m}
}

func (e *ValidationError) Error() string {
	fields := e.FieldMessages()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+fields[k])
	}
	return ErrInvalid.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// FieldMessages flattens the field map to strings.
func (e *ValidationError) FieldMessages() map[string]string {
	out := make(map[string]string, len(e.Fields))
	for k, v := range e.Fields {
		if v != nil {
			out[k] = v.Error()
		}
	}
	return out
}

// Status classifies err into an HTTP status and body code.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, access.ErrAccessDenied):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, ErrInvalid):
		return http.StatusBadRequest, CodeInvalid
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, ErrDegraded), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, CodeDegraded
	case errors.Is(err, ErrUnavailable), errors.Is(err, persist.ErrTransient), errors.Is(err, persist.ErrUndecryptable):
		return http.StatusServiceUnavailable, CodeUnavailable
	case errors.Is(err, ErrSummary):
		return http.StatusBadGateway, CodeSummary
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// HTTPError converts err into an *echo.HTTPError carrying a Body. Internal
// errors are reported with a generic message; the cause stays on Internal.
func HTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	status, code := Status(err)
	body := Body{Error: code, Message: err.Error()}
	if status == http.StatusInternalServerError {
		body.Message = "internal server error"
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		body.Message = ErrInvalid.Error()
		body.Fields = ve.FieldMessages()
	}
	return echo.NewHTTPError(status, body).SetInternal(err)
}

// codeForStatus picks a body code for errors raised directly by echo.
func codeForStatus(status int) string {
	switch status {
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return CodeNotFound
	case http.StatusBadRequest, http.StatusUnsupportedMediaType, http.StatusRequestEntityTooLarge:
		return CodeInvalid
	case http.StatusUnauthorized:
		return CodeUnauthorized
	case http.StatusForbidden:
		return CodeForbidden
	case http.StatusConflict:
		return CodeConflict
	case http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return CodeUnavailable
	case http.StatusBadGateway:
		return CodeSummary
	default:
		return CodeInternal
	}
}

// ErrorHandler renders every error as a Body and logs server-side failures.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		he := HTTPError(err)
		body, ok := he.Message.(Body)
		if !ok {
			msg, _ := he.Message.(string)
			if msg == "" {
				msg = http.StatusText(he.Code)
			}
			body = Body{Error: codeForStatus(he.Code), Message: msg}
		}
		if he.Code >= http.StatusInternalServerError {
			logger.Error().Err(err).
				Str("method", c.Request().Method).
				Str("path", c.Path()).
				Int("status", he.Code).
				Msg("request failed")
		}
		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(he.Code)
		} else {
			writeErr = c.JSON(he.Code, body)
		}
		if writeErr != nil {
			logger.Error().Err(writeErr).Msg("write error response")
		}
	}
}
