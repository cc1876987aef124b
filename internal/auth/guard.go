package auth

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Guard is the request-time decision component: authenticate the bearer
// credential, bind tenant context, then authorize against resolved
// permissions or roles.
type Guard struct {
	codec *Codec
	store Store
	cache PermissionCache
	now   func() time.Time
}

// GuardOption configures Guard behavior.
type GuardOption func(*Guard)

// WithGuardClock overrides the time source (useful for tests).
func WithGuardClock(fn func() time.Time) GuardOption {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// NewGuard constructs a Guard. The cache fronts permission resolution; every
// Membership/RoleAssignment mutation path must invalidate it.
func NewGuard(codec *Codec, store Store, cache PermissionCache, opts ...GuardOption) (*Guard, error) {
	if codec == nil {
		return nil, errors.New("auth: codec is required")
	}
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if cache == nil {
		return nil, errors.New("auth: permission cache is required")
	}
	g := &Guard{codec: codec, store: store, cache: cache, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Authenticate verifies an access token and confirms the referenced account
// still exists and is active. Codec failures keep their typed identity here;
// the transport layer collapses them all into a generic unauthorized reply.
func (g *Guard) Authenticate(ctx context.Context, token string) (*User, *Claims, error) {
	claims, err := g.codec.Verify(token, TokenKindAccess)
	if err != nil {
		return nil, nil, err
	}
	user, err := g.store.Users().Find(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrTokenInvalid
		}
		return nil, nil, err
	}
	if !user.Active {
		return nil, nil, ErrAccountInactive
	}
	return user, claims, nil
}

// BindTenant establishes organization context for the request. An explicit
// override takes precedence over the tenant embedded in the access token.
// Without a live membership in an active organization the request proceeds
// unbound; routes that need tenant context call RequireTenant.
func (g *Guard) BindTenant(ctx context.Context, user *User, claims *Claims, override string) (AuthContext, error) {
	actx := AuthContext{User: user}
	tenant := strings.TrimSpace(override)
	if tenant == "" && claims != nil {
		tenant = claims.OrganizationID
	}
	if tenant == "" {
		return actx, nil
	}

	org, err := g.store.Organizations().Find(ctx, tenant)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return actx, nil
		}
		return AuthContext{}, err
	}
	if !org.Active {
		return actx, nil
	}
	membership, err := g.store.Memberships().Find(ctx, user.ID, org.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return actx, nil
		}
		return AuthContext{}, err
	}
	actx.OrganizationID = org.ID
	actx.Owner = membership.Owner
	return actx, nil
}

// RequireTenant rejects requests that reached a tenant-scoped route without
// bound organization context.
func (g *Guard) RequireTenant(actx AuthContext) error {
	if !actx.TenantBound() {
		return ErrOrganizationContextRequired
	}
	return nil
}

// RequirePermission authorizes when the user holds every named permission
// within the bound tenant (ALL-of semantics).
func (g *Guard) RequirePermission(ctx context.Context, actx AuthContext, names ...string) error {
	return g.requirePermissions(ctx, actx, names, false)
}

// RequireAnyPermission authorizes when the user holds at least one of the
// named permissions within the bound tenant (ANY-of semantics).
func (g *Guard) RequireAnyPermission(ctx context.Context, actx AuthContext, names ...string) error {
	return g.requirePermissions(ctx, actx, names, true)
}

func (g *Guard) requirePermissions(ctx context.Context, actx AuthContext, names []string, any bool) error {
	if err := g.RequireTenant(actx); err != nil {
		return err
	}
	if len(names) == 0 {
		return &PermissionError{}
	}
	if err := ValidatePermissionKeys(names); err != nil {
		return err
	}
	set, err := g.cache.GetOrResolve(ctx, actx.User.ID, actx.OrganizationID)
	if err != nil {
		return err
	}
	if isSuperuser(set) {
		return nil
	}
	if any {
		if set.HasAny(names...) {
			return nil
		}
	} else if set.HasAll(names...) {
		return nil
	}
	return &PermissionError{Required: append([]string(nil), names...)}
}

// RequireRole authorizes when the user holds at least one of the named roles
// within the bound tenant. The superuser permission bypasses the role check.
func (g *Guard) RequireRole(ctx context.Context, actx AuthContext, names ...string) error {
	if err := g.RequireTenant(actx); err != nil {
		return err
	}
	if len(names) == 0 {
		return &PermissionError{}
	}
	set, err := g.cache.GetOrResolve(ctx, actx.User.ID, actx.OrganizationID)
	if err != nil {
		return err
	}
	if isSuperuser(set) {
		return nil
	}
	assignments, err := g.store.Roles().Assignments(ctx, actx.User.ID, actx.OrganizationID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		role, err := g.store.Roles().Find(ctx, a.RoleID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		for _, name := range names {
			if strings.EqualFold(role.Name, name) {
				return nil
			}
		}
	}
	return &PermissionError{Required: append([]string(nil), names...)}
}

// isSuperuser is the single place where the unconditional bypass permission
// is consulted.
func isSuperuser(set PermissionSet) bool {
	return set.Has(PermAdminAccess)
}
