package auth

import "context"

// Store describes the persistence operations the auth subsystem consumes.
// Implementations must map connection failures and timeouts to
// ErrTransientStore and absent rows to ErrNotFound.
type Store interface {
	Users() UserStore
	FederatedIdentities() FederatedIdentityStore
	Organizations() OrganizationStore
	Memberships() MembershipStore
	Roles() RoleStore
	Permissions() PermissionStore
	RefreshTokens() RefreshTokenStore
}

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// FederatedIdentityStore manages links between users and verified external
// identity provider subjects.
type FederatedIdentityStore interface {
	Create(ctx context.Context, fi *FederatedIdentity) error
	Find(ctx context.Context, provider, subject string) (*FederatedIdentity, error)
}

// OrganizationStore manages tenants.
type OrganizationStore interface {
	Create(ctx context.Context, org *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
	FindBySlug(ctx context.Context, slug string) (*Organization, error)
}

// MembershipStore manages the user/organization join.
type MembershipStore interface {
	Create(ctx context.Context, m *Membership) error
	Find(ctx context.Context, userID, organizationID string) (*Membership, error)
	Delete(ctx context.Context, userID, organizationID string) error
	ListForUser(ctx context.Context, userID string) ([]Membership, error)
}

// RoleStore manages roles and per-tenant assignments.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	FindByName(ctx context.Context, organizationID, name string) (*Role, error)
	Assign(ctx context.Context, a RoleAssignment) error
	Unassign(ctx context.Context, userID, roleID, organizationID string) error
	Assignments(ctx context.Context, userID, organizationID string) ([]RoleAssignment, error)
}

// PermissionStore manages the global permission catalog.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	SetForRole(ctx context.Context, roleID string, keys []string) error
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)
}

// RefreshTokenStore manages refresh token records. Revoke must be a
// conditional update on the revocation marker: of two concurrent calls for
// the same digest exactly one succeeds, the other observes ErrNotFound.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	FindByDigest(ctx context.Context, digest string) (*RefreshToken, error)
	Revoke(ctx context.Context, digest string) error
	RevokeAllForUser(ctx context.Context, userID string) error
}
