package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"usergate.dev/internal/audit"
	"usergate.dev/internal/auth"
	"usergate.dev/internal/obs"
)

// statusFor maps a service error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrValidation), errors.Is(err, auth.ErrNoFields):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrExpired),
		errors.Is(err, auth.ErrMalformed),
		errors.Is(err, auth.ErrSignature),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden), errors.Is(err, auth.ErrRoleChangeDenied):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the JSON error body for err. Internal failures get a
// fixed message; their cause only goes to the log.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	switch code {
	case http.StatusInternalServerError:
		obs.Logger().WithError(err).
			WithField("request_id", requestIDFromContext(r.Context())).
			WithField("path", obs.CanonicalPath(r.URL.Path)).
			Error("request_failed")
		writeError(w, r, code, "internal error")
		return
	case http.StatusForbidden:
		_ = audit.LogEvent(r.Context(), audit.EventAccessDenied, map[string]any{
			"method": r.Method,
			"path":   obs.CanonicalPath(r.URL.Path),
			"reason": publicMessage(err),
		})
	}
	writeError(w, r, code, publicMessage(err))
}

func publicMessage(err error) string {
	return strings.TrimPrefix(err.Error(), "auth: ")
}
