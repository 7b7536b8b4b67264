package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/healthbook/healthbook/internal/platform/auth"
)

// AuditEntry records one access to patient data.
type AuditEntry struct {
	ActorID   string
	Role      string
	RecordID  string
	Section   string // record, allergies, history, summary, export
	Action    string // read, create, update, delete
	Method    string
	Route     string
	Status    int
	RemoteIP  string
	RequestID string
	Timestamp time.Time
}

// Denied reports whether the policy refused the access.
func (e AuditEntry) Denied() bool { return e.Status == http.StatusForbidden }

// AuditRecorder persists or counts audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request that touches patient records, including denied
// ones, with who asked for which record. Entries are also passed to the
// recorders.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			if !isAuditableRoute(route) {
				return next(c)
			}

			err := next(c)

			req := c.Request()
			entry := AuditEntry{
				RecordID:  c.Param("id"),
				Section:   sectionOf(route),
				Action:    httpMethodToAction(req.Method),
				Method:    req.Method,
				Route:     route,
				Status:    c.Response().Status,
				RemoteIP:  c.RealIP(),
				Timestamp: time.Now().UTC(),
			}
			var he *echo.HTTPError
			if errors.As(err, &he) {
				entry.Status = he.Code
			}
			if actor, ok := auth.ActorFromContext(req.Context()); ok {
				entry.ActorID = actor.ID
				entry.Role = string(actor.Role)
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if entry.Denied() {
				evt = logger.Warn()
			}
			evt.
				Str("type", "record_access").
				Str("request_id", entry.RequestID).
				Str("actor_id", entry.ActorID).
				Str("role", entry.Role).
				Str("record_id", entry.RecordID).
				Str("section", entry.Section).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Str("remote_ip", entry.RemoteIP).
				Int("status", entry.Status).
				Msg("record_access")

			return err
		}
	}
}

// isAuditableRoute matches the patient record routes.
func isAuditableRoute(route string) bool {
	return route == "/api/v1/patients" || strings.HasPrefix(route, "/api/v1/patients/")
}

// sectionOf names the part of the record a route addresses:
//   - /api/v1/patients/:id              -> record
//   - /api/v1/patients/:id/allergies/.. -> allergies
func sectionOf(route string) string {
	rest := strings.TrimPrefix(route, "/api/v1/patients")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) >= 2 {
		return segments[1]
	}
	return "record"
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
