package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"planora.io/internal/auth"
)

type apiFixture struct {
	api     *API
	store   *auth.MemStore
	service *auth.Service
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := auth.NewMemStore()
	codec, err := auth.NewCodec("handler-test-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	resolver, err := auth.NewResolver(store)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	cache := auth.NewMemoryCache(resolver)
	guard, err := auth.NewGuard(codec, store, cache)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	lifecycle, err := auth.NewLifecycle(codec, store)
	if err != nil {
		t.Fatalf("NewLifecycle: %v", err)
	}
	service, err := auth.NewService(store, cache, auth.WithBcryptCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := service.EnsureCatalog(context.Background()); err != nil {
		t.Fatalf("EnsureCatalog: %v", err)
	}
	api := New(ReadyProbe{}, "test", guard, lifecycle, service, store)
	return &apiFixture{api: api, store: store, service: service, handler: api.withAuth(api.mux)}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(authHeader, bearer+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["service"] != "planora-api" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestRegisterLoginRefreshFlow(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/auth/register", "", registerRequest{
		Email:            "dana@example.com",
		Password:         "s3cret",
		OrganizationName: "Solstice Events",
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var reg struct {
		UserID         string        `json:"user_id"`
		OrganizationID string        `json:"organization_id"`
		Tokens         tokenResponse `json:"tokens"`
	}
	decodeBody(t, rr, &reg)
	if reg.Tokens.AccessToken == "" || reg.Tokens.RefreshToken == "" {
		t.Fatal("expected token pair in register response")
	}

	// The session minted at registration is bound to the new organization.
	rr = f.do(t, http.MethodGet, "/v1/auth/me", reg.Tokens.AccessToken, nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var me map[string]any
	decodeBody(t, rr, &me)
	if me["organization_id"] != reg.OrganizationID {
		t.Fatalf("expected bound organization %q, got %v", reg.OrganizationID, me["organization_id"])
	}

	rr = f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{
		Email:    "dana@example.com",
		Password: "s3cret",
	}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var tokens tokenResponse
	decodeBody(t, rr, &tokens)

	rr = f.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: tokens.RefreshToken}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// Replaying the consumed refresh token must fail.
	rr = f.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: tokens.RefreshToken}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("replayed refresh: expected 401, got %d", rr.Code)
	}
}

func TestLoginCollapsesCredentialErrors(t *testing.T) {
	f := newAPIFixture(t)

	unknown := f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{
		Email:    "ghost@example.com",
		Password: "whatever",
	}, nil)
	if unknown.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user: expected 401, got %d", unknown.Code)
	}

	if _, _, err := f.service.Register(context.Background(), "dana@example.com", "s3cret", "Solstice"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	wrong := f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{
		Email:    "dana@example.com",
		Password: "nope",
	}, nil)
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: expected 401, got %d", wrong.Code)
	}
	if unknown.Body.String() != wrong.Body.String() {
		t.Fatalf("error bodies must not distinguish unknown user from bad password")
	}
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodGet, "/v1/auth/me", "", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/v1/auth/me", "not-a-token", nil, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", rr.Code)
	}
}

func TestOrganizationRoleManagement(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	owner, org, err := f.service.Register(ctx, "owner@example.com", "s3cret", "Solstice")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	member, err := f.service.RegisterFederated(ctx, "google", "sub-1", "kim@example.com")
	if err != nil {
		t.Fatalf("RegisterFederated: %v", err)
	}
	if err := f.service.AddMember(ctx, member.ID, org.ID, false); err != nil {
		t.Fatalf("AddMember: %v", err)
	}

	login := func(email string) tokenResponse {
		rr := f.do(t, http.MethodPost, "/v1/auth/login", "", loginRequest{
			Email: email, Password: "s3cret", OrganizationID: org.ID,
		}, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("login %s: %d: %s", email, rr.Code, rr.Body.String())
		}
		var tokens tokenResponse
		decodeBody(t, rr, &tokens)
		return tokens
	}
	ownerTokens := login("owner@example.com")

	// Owner can create a role with permissions.
	rr := f.do(t, http.MethodPost, "/v1/organizations/"+org.ID+"/roles", ownerTokens.AccessToken, createRoleRequest{
		Name:        "planner",
		Permissions: []string{auth.PermEventRead, auth.PermEventManage},
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create role: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var role auth.Role
	decodeBody(t, rr, &role)

	// Member without manage_roles is denied and told which permission gates it.
	memberPair, err := f.api.lifecycle.IssueSession(ctx, member, org.ID)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	rr = f.do(t, http.MethodPost, "/v1/organizations/"+org.ID+"/roles", memberPair.AccessToken, createRoleRequest{
		Name: "rogue",
	}, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("member create role: expected 403, got %d", rr.Code)
	}
	var denied struct {
		Required []string `json:"required"`
	}
	decodeBody(t, rr, &denied)
	if len(denied.Required) != 1 || denied.Required[0] != auth.PermOrganizationManageRoles {
		t.Fatalf("expected required list with %s, got %v", auth.PermOrganizationManageRoles, denied.Required)
	}

	// Owner grants the role to the member; the member gains event access.
	rr = f.do(t, http.MethodPost, "/v1/organizations/"+org.ID+"/roles/"+role.ID+"/assignments",
		ownerTokens.AccessToken, assignRoleRequest{UserID: member.ID}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("grant role: expected 201, got %d: %s", rr.Code, rr.Body.String())
	}

	actx := auth.AuthContext{User: member, OrganizationID: org.ID}
	if err := f.api.guard.RequirePermission(ctx, actx, auth.PermEventManage); err != nil {
		t.Fatalf("member should hold event:manage after grant: %v", err)
	}

	// Revoking removes it again, immediately.
	rr = f.do(t, http.MethodDelete,
		"/v1/organizations/"+org.ID+"/roles/"+role.ID+"/assignments/"+member.ID,
		ownerTokens.AccessToken, nil, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("revoke role: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if err := f.api.guard.RequirePermission(ctx, actx, auth.PermEventManage); err == nil {
		t.Fatal("member must lose event:manage after revoke")
	}
	_ = owner
}

func TestTenantHeaderOverride(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	user, first, err := f.service.Register(ctx, "dana@example.com", "s3cret", "First Org")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	second, err := f.service.CreateOrganization(ctx, user.ID, "Second Org")
	if err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}

	pair, err := f.api.lifecycle.IssueSession(ctx, user, first.ID)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	// Explicit header wins over the organization baked into the token.
	rr := f.do(t, http.MethodGet, "/v1/auth/me", pair.AccessToken, nil, map[string]string{
		orgHeader: second.ID,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rr.Code)
	}
	var me map[string]any
	decodeBody(t, rr, &me)
	if me["organization_id"] != second.ID {
		t.Fatalf("expected override to %q, got %v", second.ID, me["organization_id"])
	}

	// Addressing a tenant the caller is not bound to is rejected.
	rr = f.do(t, http.MethodPost, "/v1/organizations/"+second.ID+"/roles", pair.AccessToken,
		createRoleRequest{Name: "planner"}, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for tenant mismatch, got %d", rr.Code)
	}
}

func TestTenantMismatchWithoutMembership(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	_, orgA, err := f.service.Register(ctx, "alice@example.com", "s3cret", "Org A")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	bob, _, err := f.service.Register(ctx, "bob@example.com", "s3cret", "Org B")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	pair, err := f.api.lifecycle.IssueSession(ctx, bob, "")
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}

	// Bob names Org A but is no member: binding silently fails and the
	// tenant-scoped route rejects with the context-required error.
	rr := f.do(t, http.MethodPost, "/v1/organizations/"+orgA.ID+"/roles", pair.AccessToken,
		createRoleRequest{Name: "intruder"}, map[string]string{orgHeader: orgA.ID})
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["error"] != "organization context required" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newAPIFixture(t)

	rr := f.do(t, http.MethodPost, "/v1/auth/register", "", registerRequest{
		Email:            "dana@example.com",
		Password:         "s3cret",
		OrganizationName: "Solstice",
	}, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("register: %d", rr.Code)
	}
	var reg struct {
		Tokens tokenResponse `json:"tokens"`
	}
	decodeBody(t, rr, &reg)

	rr = f.do(t, http.MethodPost, "/v1/auth/logout", reg.Tokens.AccessToken, logoutRequest{
		RefreshToken: reg.Tokens.RefreshToken,
	}, nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = f.do(t, http.MethodPost, "/v1/auth/refresh", "", refreshRequest{RefreshToken: reg.Tokens.RefreshToken}, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)
	rr := f.do(t, http.MethodGet, "/v1/auth/login", "", nil, nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
	if rr.Header().Get("Allow") != http.MethodPost {
		t.Fatalf("expected Allow header, got %q", rr.Header().Get("Allow"))
	}
}
