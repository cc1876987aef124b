package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"planora.io/internal/auth"
	"planora.io/internal/obs"
)

const refreshCookie = "planora_refresh"

type registerRequest struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	OrganizationName string `json:"organization_name"`
}

type loginRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	OrganizationID string `json:"organization_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	All          bool   `json:"all"`
}

type tokenResponse struct {
	AccessToken    string `json:"access_token"`
	RefreshToken   string `json:"refresh_token"`
	TokenType      string `json:"token_type"`
	ExpiresIn      int64  `json:"expires_in"`
	OrganizationID string `json:"organization_id,omitempty"`
}

func (a *API) tokenResponse(pair auth.TokenPair, organizationID string) tokenResponse {
	return tokenResponse{
		AccessToken:    pair.AccessToken,
		RefreshToken:   pair.RefreshToken,
		TokenType:      "Bearer",
		ExpiresIn:      pair.ExpiresIn(time.Now()),
		OrganizationID: organizationID,
	}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, org, err := a.service.Register(r.Context(), req.Email, req.Password, req.OrganizationName)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	pair, err := a.lifecycle.IssueSession(r.Context(), user, org.ID)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.register", map[string]any{
		"user_id":         user.ID,
		"organization_id": org.ID,
	})
	setRefreshCookie(w, pair)
	writeJSON(w, http.StatusCreated, map[string]any{
		"user_id":         user.ID,
		"email":           user.Email,
		"organization_id": org.ID,
		"tokens":          a.tokenResponse(pair, org.ID),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	pair, user, err := a.lifecycle.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		a.audit(r.Context(), "auth.login.failed", map[string]any{"email": strings.ToLower(strings.TrimSpace(req.Email))})
		writeAuthError(w, r, err)
		return
	}

	// An explicit organization binds the session to that tenant, provided the
	// caller is a member. The unbound pair minted by Login is superseded.
	organizationID := strings.TrimSpace(req.OrganizationID)
	if organizationID != "" {
		if _, err := a.store.Memberships().Find(r.Context(), user.ID, organizationID); err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				writeError(w, r, http.StatusForbidden, "not a member of the organization")
				return
			}
			writeAuthError(w, r, err)
			return
		}
		_ = a.lifecycle.Revoke(r.Context(), user.ID, pair.RefreshToken)
		pair, err = a.lifecycle.IssueSession(r.Context(), user, organizationID)
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
	}

	a.audit(r.Context(), "auth.login", map[string]any{
		"user_id":         user.ID,
		"organization_id": organizationID,
	})
	setRefreshCookie(w, pair)
	writeJSON(w, http.StatusOK, a.tokenResponse(pair, organizationID))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	presented := strings.TrimSpace(req.RefreshToken)
	if presented == "" {
		if c, err := r.Cookie(refreshCookie); err == nil {
			presented = c.Value
		}
	}
	if presented == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}

	pair, err := a.lifecycle.Rotate(r.Context(), presented)
	if err != nil {
		obs.TokenRotation("invalid")
		writeAuthError(w, r, err)
		return
	}
	obs.TokenRotation("ok")
	setRefreshCookie(w, pair)
	writeJSON(w, http.StatusOK, a.tokenResponse(pair, ""))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actx, ok := auth.AuthFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req logoutRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	presented := strings.TrimSpace(req.RefreshToken)
	if presented == "" && !req.All {
		if c, err := r.Cookie(refreshCookie); err == nil {
			presented = c.Value
		}
	}
	if req.All {
		presented = ""
	}

	if err := a.lifecycle.Revoke(r.Context(), actx.User.ID, presented); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "auth.logout", map[string]any{
		"user_id": actx.User.ID,
		"all":     presented == "",
	})
	clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func setRefreshCookie(w http.ResponseWriter, pair auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    pair.RefreshToken,
		Path:     "/v1/auth",
		Expires:  pair.RefreshExpiresAt,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/v1/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}
