package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/visitflow/internal/platform/auth"
)

// AuditEntry records which staff member touched which clinical record.
type AuditEntry struct {
	UserID       string
	UserRoles    []string
	ResourceType string
	ResourceID   string
	VisitID      string
	Action       string
	IPAddress    string
	Path         string
	Method       string
	StatusCode   int
	RequestID    string
	TenantID     string
	Timestamp    time.Time
}

// AuditRecorder persists audit entries somewhere durable.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every /api/v1 request after the handler has run. Entries are
// also handed to the recorders, if any.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			entry := BuildAuditEntry(c)
			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", entry.RequestID).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("tenant_id", entry.TenantID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource_type", entry.ResourceType).
				Str("resource_id", entry.ResourceID).
				Str("visit_id", entry.VisitID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Int("status", entry.StatusCode).
				Msg("record_access")

			return err
		}
	}
}

// BuildAuditEntry derives an AuditEntry from a finished request.
func BuildAuditEntry(c echo.Context) AuditEntry {
	req := c.Request()
	actor := auth.ActorFromContext(req.Context())
	entry := AuditEntry{
		UserID:     actor.UserID,
		UserRoles:  actor.Roles,
		Path:       req.URL.Path,
		Method:     req.Method,
		IPAddress:  c.RealIP(),
		StatusCode: c.Response().Status,
		Timestamp:  time.Now().UTC(),
	}
	entry.RequestID, _ = c.Get("request_id").(string)
	entry.TenantID, _ = c.Get("tenant_id").(string)

	segments := strings.Split(strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/v1/"), "/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		entry.ResourceType = segments[0]
	}
	if len(segments) > 1 && isUUID(segments[1]) {
		entry.ResourceID = segments[1]
		if entry.ResourceType == "visits" {
			entry.VisitID = segments[1]
		}
	}

	entry.Action = methodAction(req.Method)
	if len(segments) > 2 && req.Method == http.MethodPost {
		entry.Action = segments[len(segments)-1]
	}
	return entry
}

func methodAction(method string) string {
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

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
