package audit

import (
	"context"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"usergate.dev/internal/auth"
	"usergate.dev/internal/obs"
)

// Event names emitted by the service.
const (
	EventRegistered    = "user.registered"
	EventLoggedIn      = "user.logged_in"
	EventLoginFailed   = "user.login_failed"
	EventTokenRefresh  = "token.refreshed"
	EventUserUpdated   = "user.updated"
	EventUserDeleted   = "user.deleted"
	EventUserRevoked   = "user.revoked"
	EventAccessDenied  = "access.denied"
	EventEntriesReaped = "token.reaped"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

const sessionIDLen = 12

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with request and principal context.
// Callers must not pass raw tokens or passwords in fields.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		entry["user_id"] = p.ID
		entry["role"] = p.Role
	}
	// sessions are correlated by a digest prefix, never the token itself
	if tok, ok := auth.TokenFromContext(ctx); ok {
		entry["session"] = auth.Digest(tok)[:sessionIDLen]
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	obs.Logger().WithFields(entry).Info("audit")
	return nil
}
