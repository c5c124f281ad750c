package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"qazna.org/authd/internal/auth"
)

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || !strings.Contains(req.Email, "@") {
		writeError(w, r, validationError("a valid email is required", map[string]any{"field": "email"}))
		return
	}
	if req.Password == "" {
		writeError(w, r, validationError("password is required", map[string]any{"field": "password"}))
		return
	}
	// Only administrators may choose a role at registration.
	if role := strings.TrimSpace(req.Role); role != "" {
		if p, ok := auth.PrincipalFromContext(r.Context()); !ok || !p.HasRole(auth.RoleAdmin) {
			writeError(w, r, auth.NewError(auth.KindInsufficientRole, "only administrators may assign a role at registration", nil))
			return
		}
	}

	user, err := a.deps.Engine.Register(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
	}, clientMetadata(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.PublicID))
	writeData(w, http.StatusCreated, user.View(), "registration successful")
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, validationError("email and password are required", nil))
		return
	}
	result, err := a.deps.Engine.Login(r.Context(), req.Email, req.Password, clientMetadata(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result, "login successful")
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		writeError(w, r, validationError("refresh_token is required", map[string]any{"field": "refresh_token"}))
		return
	}
	result, err := a.deps.Engine.Refresh(r.Context(), token, clientMetadata(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, result, "token refreshed")
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	if err := a.deps.Engine.Logout(r.Context(), p.SessionID, clientMetadata(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nil, "logged out")
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	n, err := a.deps.Engine.LogoutAll(r.Context(), p.UserID, clientMetadata(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]int{"sessions_revoked": n}, "logged out everywhere")
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	profile, err := a.deps.Engine.Profile(r.Context(), p.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, profile, "")
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, r, validationError("current_password and new_password are required", nil))
		return
	}
	p := principal(r)
	if err := a.deps.Engine.ChangePassword(r.Context(), p.UserID, req.CurrentPassword, req.NewPassword, clientMetadata(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, nil, "password changed; all sessions were signed out")
}
