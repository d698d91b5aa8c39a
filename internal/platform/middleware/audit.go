package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/agenda/agenda/internal/platform/auth"
)

const apiPrefix = "/api/v1/"

// AuditEntry records who changed scheduling state, through which call,
// and how the request ended.
type AuditEntry struct {
	UserID     string    `json:"user_id"`
	UserRoles  []string  `json:"user_roles"`
	Resource   string    `json:"resource"`
	ResourceID string    `json:"resource_id,omitempty"`
	Action     string    `json:"action"`
	IPAddress  string    `json:"ip_address"`
	Path       string    `json:"path"`
	Method     string    `json:"method"`
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id,omitempty"`
	StatusCode int       `json:"status_code"`
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(ctx context.Context, entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(ctx context.Context, entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(ctx context.Context, entry AuditEntry) error {
	return f(ctx, entry)
}

// Audit logs every state-changing request under /api/v1/. Reads are not
// audited. When recorders are given each entry is also handed to them; a
// recorder failure is logged and never fails the request. Recorders get the
// request context without its deadline, so a request that timed out is
// still recorded.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !isMutation(req.Method) || !strings.HasPrefix(req.URL.Path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			segments := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, apiPrefix), "/"), "/")
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Resource:   segments[0],
				ResourceID: resourceID(segments),
				Action:     actionFor(req.Method, segments),
				IPAddress:  c.RealIP(),
				Path:       req.URL.Path,
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: status,
			}
			entry.RequestID, _ = c.Get("request_id").(string)

			recCtx := context.WithoutCancel(req.Context())
			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(recCtx, entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "scheduling_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("audit")

			return err
		}
	}
}

func isMutation(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func resourceID(segments []string) string {
	if len(segments) < 2 {
		return ""
	}
	if _, err := uuid.Parse(segments[1]); err != nil {
		return ""
	}
	return segments[1]
}

// actionFor names the scheduling operation a request maps to, falling
// back to a generic verb for routes it does not know.
func actionFor(method string, segments []string) string {
	route := segments[0]
	if len(segments) > 1 {
		route += "/" + segments[len(segments)-1]
	}
	switch method + " " + route {
	case "POST providers":
		return "save_provider"
	case "POST slots/generate":
		return "generate_slots"
	case "PATCH slots/status":
		return "set_slot_status"
	case "POST bookings":
		return "reserve"
	case "PATCH bookings/cancel":
		return "cancel"
	case "PATCH bookings/status":
		return "update_outcome"
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodDelete:
		return "delete"
	default:
		return "update"
	}
}
