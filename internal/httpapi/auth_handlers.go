package httpapi

import (
	"errors"
	"net/http"
	"time"

	"usergate.dev/internal/audit"
	"usergate.dev/internal/auth"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type revokeRequest struct {
	UserID string `json:"userId"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterInput
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	resp, err := a.svc.Register(r.Context(), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRegistered, map[string]any{
		"user_id": resp.UserID,
		"role":    resp.Role,
		"team_id": req.TeamID,
	})
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	resp, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{
				"remote_ip": clientIP(r),
			})
		}
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLoggedIn, map[string]any{
		"user_id":    resp.UserID,
		"expires_at": resp.Tokens.AccessExpiresAt.UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh exchanges a refresh token for a new access token. The
// refresh token itself is returned unchanged.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refreshToken is required")
		return
	}
	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventTokenRefresh, map[string]any{
		"expires_at": pair.AccessExpiresAt.UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		badBody(w, r, err)
		return
	}
	res, err := a.svc.RevokeUser(r.Context(), principal, req.UserID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserRevoked, map[string]any{
		"target":         req.UserID,
		"tokens_removed": res.TokensRemoved,
		"users_removed":  res.UsersRemoved,
	})
	writeJSON(w, http.StatusOK, res)
}
