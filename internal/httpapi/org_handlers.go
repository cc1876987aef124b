package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"planora.io/internal/auth"
)

type createOrganizationRequest struct {
	Name string `json:"name"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
	Owner  bool   `json:"owner"`
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type assignRoleRequest struct {
	UserID string `json:"user_id"`
}

func (a *API) handleOrganizations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actx, ok := auth.AuthFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req createOrganizationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	org, err := a.service.CreateOrganization(r.Context(), actx.User.ID, req.Name)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "org.create", map[string]any{
		"organization_id": org.ID,
		"name":            org.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s", org.ID))
	writeJSON(w, http.StatusCreated, org)
}

func (a *API) handleOrganizationScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/organizations/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	orgID := parts[0]
	if !a.requireTenantMatch(w, r, orgID) {
		return
	}
	switch {
	case len(parts) == 2 && parts[1] == "members":
		a.handleMembers(w, r, orgID)
	case len(parts) == 3 && parts[1] == "members":
		a.handleMemberResource(w, r, orgID, parts[2])
	case len(parts) == 2 && parts[1] == "roles":
		a.handleRoles(w, r, orgID)
	case len(parts) == 4 && parts[1] == "roles" && parts[3] == "assignments":
		a.handleRoleAssignments(w, r, orgID, parts[2])
	case len(parts) == 5 && parts[1] == "roles" && parts[3] == "assignments":
		a.handleRoleAssignmentResource(w, r, orgID, parts[2], parts[4])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// requireTenantMatch ensures the request's bound tenant is the one addressed
// in the path. An unbound context fails closed.
func (a *API) requireTenantMatch(w http.ResponseWriter, r *http.Request, orgID string) bool {
	actx, ok := auth.AuthFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if err := a.guard.RequireTenant(actx); err != nil {
		writeAuthError(w, r, err)
		return false
	}
	if actx.OrganizationID != orgID {
		writeError(w, r, http.StatusForbidden, "organization context mismatch")
		return false
	}
	return true
}

func (a *API) handleMembers(w http.ResponseWriter, r *http.Request, orgID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermissions(w, r, auth.PermOrganizationManageMembers) {
		return
	}
	var req addMemberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := a.service.AddMember(r.Context(), req.UserID, orgID, req.Owner); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "org.member.add", map[string]any{
		"organization_id": orgID,
		"member_id":       req.UserID,
		"owner":           req.Owner,
	})
	w.WriteHeader(http.StatusCreated)
}

func (a *API) handleMemberResource(w http.ResponseWriter, r *http.Request, orgID, userID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermissions(w, r, auth.PermOrganizationManageMembers) {
		return
	}
	if err := a.service.RemoveMember(r.Context(), userID, orgID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "org.member.remove", map[string]any{
		"organization_id": orgID,
		"member_id":       userID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request, orgID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermissions(w, r, auth.PermOrganizationManageRoles) {
		return
	}
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.service.CreateRole(r.Context(), orgID, req.Name, req.Description, req.Permissions)
	if err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "org.role.create", map[string]any{
		"organization_id": orgID,
		"role_id":         role.ID,
		"name":            role.Name,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/organizations/%s/roles/%s", orgID, role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleRoleAssignments(w http.ResponseWriter, r *http.Request, orgID, roleID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermissions(w, r, auth.PermOrganizationManageRoles) {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := a.service.GrantRole(r.Context(), req.UserID, roleID, orgID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "org.role.grant", map[string]any{
		"organization_id": orgID,
		"role_id":         roleID,
		"member_id":       req.UserID,
	})
	w.WriteHeader(http.StatusCreated)
}

func (a *API) handleRoleAssignmentResource(w http.ResponseWriter, r *http.Request, orgID, roleID, userID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermissions(w, r, auth.PermOrganizationManageRoles) {
		return
	}
	if err := a.service.RevokeRole(r.Context(), userID, roleID, orgID); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "org.role.revoke", map[string]any{
		"organization_id": orgID,
		"role_id":         roleID,
		"member_id":       userID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if path == "" || strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	// Platform operation: deactivation cuts every session and tenant at once.
	if !a.ensurePermissions(w, r, auth.PermAdminAccess) {
		return
	}
	if err := a.service.DeactivateUser(r.Context(), path); err != nil {
		writeAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.deactivate", map[string]any{
		"target_user_id": path,
	})
	w.WriteHeader(http.StatusNoContent)
}
