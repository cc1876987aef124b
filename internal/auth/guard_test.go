package auth

import (
	"context"
	"errors"
	"testing"
)

type guardFixture struct {
	store *MemStore
	codec *Codec
	guard *Guard
	cache *MemoryCache
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()
	store := NewMemStore()
	codec := testCodec(t)
	resolver, err := NewResolver(store)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	cache := NewMemoryCache(resolver)
	guard, err := NewGuard(codec, store, cache)
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return &guardFixture{store: store, codec: codec, guard: guard, cache: cache}
}

func (f *guardFixture) seedOrg(t *testing.T, id string) {
	t.Helper()
	org := &Organization{ID: id, Name: id, Slug: id, Active: true}
	if err := f.store.Organizations().Create(context.Background(), org); err != nil {
		t.Fatalf("create org: %v", err)
	}
}

func (f *guardFixture) join(t *testing.T, userID, orgID string, owner bool) {
	t.Helper()
	m := &Membership{UserID: userID, OrganizationID: orgID, Owner: owner}
	if err := f.store.Memberships().Create(context.Background(), m); err != nil {
		t.Fatalf("create membership: %v", err)
	}
}

func (f *guardFixture) accessToken(t *testing.T, user *User, orgID string) string {
	t.Helper()
	token, _, err := f.codec.IssueAccess(user.ID, user.Email, orgID)
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	return token
}

func TestGuardAuthenticate(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	user := seedUser(t, f.store, "dana@example.com", "s3cret")

	token := f.accessToken(t, user, "")
	got, claims, err := f.guard.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if got.ID != user.ID || claims.Subject != user.ID {
		t.Fatalf("unexpected identity: user=%q sub=%q", got.ID, claims.Subject)
	}

	if _, _, err := f.guard.Authenticate(ctx, "garbage"); !errors.Is(err, ErrMalformedCredential) {
		t.Fatalf("expected ErrMalformedCredential, got %v", err)
	}

	ghost := f.accessToken(t, &User{ID: "ghost", Email: "ghost@example.com"}, "")
	if _, _, err := f.guard.Authenticate(ctx, ghost); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("unknown user: expected ErrTokenInvalid, got %v", err)
	}

	if err := f.store.Users().SetActive(ctx, user.ID, false); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, _, err := f.guard.Authenticate(ctx, token); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("inactive user: expected ErrAccountInactive, got %v", err)
	}
}

func TestGuardBindTenantFromToken(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	user := seedUser(t, f.store, "dana@example.com", "s3cret")
	f.seedOrg(t, "org-1")
	f.join(t, user.ID, "org-1", true)

	token := f.accessToken(t, user, "org-1")
	got, claims, err := f.guard.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	actx, err := f.guard.BindTenant(ctx, got, claims, "")
	if err != nil {
		t.Fatalf("BindTenant: %v", err)
	}
	if actx.OrganizationID != "org-1" || !actx.Owner {
		t.Fatalf("unexpected binding: %+v", actx)
	}
}

func TestGuardOverrideTakesPrecedenceOverTokenTenant(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	user := seedUser(t, f.store, "dana@example.com", "s3cret")
	f.seedOrg(t, "org-1")
	f.seedOrg(t, "org-2")
	f.join(t, user.ID, "org-1", false)
	f.join(t, user.ID, "org-2", false)

	token := f.accessToken(t, user, "org-2")
	got, claims, _ := f.guard.Authenticate(ctx, token)
	actx, err := f.guard.BindTenant(ctx, got, claims, "org-1")
	if err != nil {
		t.Fatalf("BindTenant: %v", err)
	}
	if actx.OrganizationID != "org-1" {
		t.Fatalf("override must win, got %q", actx.OrganizationID)
	}
}

func TestGuardBindTenantWithoutMembershipLeavesUnbound(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	user := seedUser(t, f.store, "dana@example.com", "s3cret")
	f.seedOrg(t, "org-1")
	f.seedOrg(t, "org-2")
	f.join(t, user.ID, "org-2", false)

	// Token carries org-2 but the request targets org-1 where the user has
	// no membership: authentication holds, binding does not.
	token := f.accessToken(t, user, "org-2")
	got, claims, err := f.guard.Authenticate(ctx, token)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	actx, err := f.guard.BindTenant(ctx, got, claims, "org-1")
	if err != nil {
		t.Fatalf("BindTenant: %v", err)
	}
	if actx.TenantBound() {
		t.Fatalf("expected unbound context, got %+v", actx)
	}
	if err := f.guard.RequireTenant(actx); !errors.Is(err, ErrOrganizationContextRequired) {
		t.Fatalf("expected ErrOrganizationContextRequired, got %v", err)
	}
}

func TestGuardBindTenantSkipsInactiveOrganization(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	user := seedUser(t, f.store, "dana@example.com", "s3cret")
	org := &Organization{ID: "org-1", Name: "org-1", Slug: "org-1", Active: false}
	if err := f.store.Organizations().Create(ctx, org); err != nil {
		t.Fatalf("create org: %v", err)
	}
	f.join(t, user.ID, "org-1", true)

	got, claims, _ := f.guard.Authenticate(ctx, f.accessToken(t, user, "org-1"))
	actx, err := f.guard.BindTenant(ctx, got, claims, "")
	if err != nil {
		t.Fatalf("BindTenant: %v", err)
	}
	if actx.TenantBound() {
		t.Fatalf("inactive organization must not bind")
	}
}

func TestGuardRequirePermission(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	owner := seedUser(t, f.store, "owner@example.com", "s3cret")
	outsider := seedUser(t, f.store, "outsider@example.com", "s3cret")
	f.seedOrg(t, "org-1")
	f.join(t, owner.ID, "org-1", true)
	f.join(t, outsider.ID, "org-1", false)
	grantPermission(t, f.store, owner.ID, "org-1", PermOrganizationManageMembers)

	ownerCtx := AuthContext{User: owner, OrganizationID: "org-1", Owner: true}
	if err := f.guard.RequirePermission(ctx, ownerCtx, PermOrganizationManageMembers); err != nil {
		t.Fatalf("owner should pass: %v", err)
	}

	outsiderCtx := AuthContext{User: outsider, OrganizationID: "org-1"}
	err := f.guard.RequirePermission(ctx, outsiderCtx, PermOrganizationManageMembers)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	var perr *PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PermissionError, got %T", err)
	}
	if len(perr.Required) != 1 || perr.Required[0] != PermOrganizationManageMembers {
		t.Fatalf("expected required list %v, got %v", []string{PermOrganizationManageMembers}, perr.Required)
	}
}

func TestGuardRequirePermissionAllAndAny(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	user := seedUser(t, f.store, "dana@example.com", "s3cret")
	f.seedOrg(t, "org-1")
	f.join(t, user.ID, "org-1", false)
	grantPermission(t, f.store, user.ID, "org-1", PermEventRead)

	actx := AuthContext{User: user, OrganizationID: "org-1"}

	if err := f.guard.RequirePermission(ctx, actx, PermEventRead, PermEventManage); !errors.Is(err, ErrForbidden) {
		t.Fatalf("ALL-of with one missing must fail, got %v", err)
	}
	if err := f.guard.RequireAnyPermission(ctx, actx, PermEventRead, PermEventManage); err != nil {
		t.Fatalf("ANY-of with one held must pass: %v", err)
	}
}

func TestGuardRejectsUnknownPermissionKey(t *testing.T) {
	f := newGuardFixture(t)
	user := seedUser(t, f.store, "dana@example.com", "s3cret")
	actx := AuthContext{User: user, OrganizationID: "org-1"}

	err := f.guard.RequirePermission(context.Background(), actx, "event:frobnicate")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for catalog miss, got %v", err)
	}
}

func TestGuardSuperuserBypassesEveryCheck(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	admin := seedUser(t, f.store, "admin@example.com", "s3cret")
	f.seedOrg(t, "org-1")
	f.join(t, admin.ID, "org-1", false)
	grantPermission(t, f.store, admin.ID, "org-1", PermAdminAccess)

	actx := AuthContext{User: admin, OrganizationID: "org-1"}
	if err := f.guard.RequirePermission(ctx, actx, PermEventManage, PermCostManage, PermIncentiveManage); err != nil {
		t.Fatalf("superuser must satisfy any permission check: %v", err)
	}
	if err := f.guard.RequireRole(ctx, actx, "nonexistent-role"); err != nil {
		t.Fatalf("superuser must satisfy any role check: %v", err)
	}
}

func TestGuardRequireRole(t *testing.T) {
	f := newGuardFixture(t)
	ctx := context.Background()
	user := seedUser(t, f.store, "dana@example.com", "s3cret")
	f.seedOrg(t, "org-1")
	f.join(t, user.ID, "org-1", false)

	role := &Role{OrganizationID: "org-1", Name: "planner"}
	if err := f.store.Roles().Create(ctx, role); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if err := f.store.Roles().Assign(ctx, RoleAssignment{UserID: user.ID, RoleID: role.ID, OrganizationID: "org-1"}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	actx := AuthContext{User: user, OrganizationID: "org-1"}
	if err := f.guard.RequireRole(ctx, actx, "Planner"); err != nil {
		t.Fatalf("role match is case-insensitive: %v", err)
	}
	if err := f.guard.RequireRole(ctx, actx, "billing"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestGuardRequiresTenantForAuthorization(t *testing.T) {
	f := newGuardFixture(t)
	user := seedUser(t, f.store, "dana@example.com", "s3cret")
	actx := AuthContext{User: user}

	if err := f.guard.RequirePermission(context.Background(), actx, PermEventRead); !errors.Is(err, ErrOrganizationContextRequired) {
		t.Fatalf("expected ErrOrganizationContextRequired, got %v", err)
	}
}
