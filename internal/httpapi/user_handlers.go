package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"qazna.org/authd/internal/auth"
)

type assignRoleRequest struct {
	Role      string     `json:"role"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type roleView struct {
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Permissions []string  `json:"permissions"`
	System      bool      `json:"system"`
	CreatedAt   time.Time `json:"created_at"`
}

type assignmentView struct {
	UserID     string     `json:"user_id"`
	Role       string     `json:"role"`
	AssignedAt time.Time  `json:"assigned_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func viewRole(r auth.Role) roleView {
	perms := r.Permissions
	if perms == nil {
		perms = []string{}
	}
	return roleView{
		Name:        r.Name,
		DisplayName: r.DisplayName,
		Description: r.Description,
		Permissions: perms,
		System:      r.System,
		CreatedAt:   r.CreatedAt,
	}
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	users, err := a.deps.Engine.ListUsers(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if users == nil {
		users = []auth.UserView{}
	}
	writeData(w, http.StatusOK, users, "")
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.deps.Engine.UserByPublicID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, user.View(), "")
}

func (a *API) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	user, err := a.deps.Engine.UserByPublicID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	sessions, err := a.deps.Engine.ListSessions(r.Context(), user.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []auth.SessionView{}
	}
	writeData(w, http.StatusOK, sessions, "")
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		writeError(w, r, validationError("role is required", map[string]any{"field": "role"}))
		return
	}
	user, err := a.deps.Engine.UserByPublicID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	actor := principal(r).UserID
	assignment, err := a.deps.Engine.AssignRole(r.Context(), user.ID, role, &actor, req.ExpiresAt, clientMetadata(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, assignmentView{
		UserID:     user.PublicID,
		Role:       assignment.RoleName,
		AssignedAt: assignment.AssignedAt,
		ExpiresAt:  assignment.ExpiresAt,
	}, "role assigned")
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.deps.Engine.ListRoles(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	views := make([]roleView, 0, len(roles))
	for _, role := range roles {
		views = append(views, viewRole(role))
	}
	writeData(w, http.StatusOK, views, "")
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, validationError(name+" must be a non-negative integer", map[string]any{"field": name})
	}
	return n, nil
}
