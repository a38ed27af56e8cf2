package httpapi

import (
	"net/http"
	"time"

	"usergate.dev/internal/audit"
	"usergate.dev/internal/auth"
)

// userView is the public shape of a user record. The password hash never
// leaves the service.
type userView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Age       *int      `json:"age,omitempty"`
	Mobile    *string   `json:"mobile,omitempty"`
	RoleID    int64     `json:"roleId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func viewOf(u *auth.UserRecord) userView {
	return userView{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Age:       u.Age,
		Mobile:    u.Mobile,
		RoleID:    u.RoleID,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	u, err := a.svc.GetUser(r.Context(), principal, principal.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user": viewOf(u),
		"role": principal.Role,
	})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	users, err := a.svc.ListOrGetUsers(r.Context(), principal)
	if err != nil {
		respondError(w, r, err)
		return
	}
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, viewOf(u))
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": out})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	u, err := a.svc.GetUser(r.Context(), principal, r.PathValue("id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(u))
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	var patch auth.UserPatch
	if err := decodeJSON(r, &patch); err != nil {
		badBody(w, r, err)
		return
	}
	id := r.PathValue("id")
	u, err := a.svc.UpdateUser(r.Context(), principal, id, patch)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserUpdated, map[string]any{
		"target":       id,
		"role_changed": patch.RoleID != nil,
		"password_set": patch.Password != nil,
	})
	writeJSON(w, http.StatusOK, viewOf(u))
}

// handleDeleteUser removes the account and all of its sessions in one step.
func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	id := r.PathValue("id")
	res, err := a.svc.DeleteUserAndRevoke(r.Context(), principal, id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventUserDeleted, map[string]any{
		"target":         id,
		"tokens_removed": res.TokensRemoved,
	})
	writeJSON(w, http.StatusOK, res)
}
