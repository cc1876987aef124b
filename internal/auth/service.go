package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Service owns the account and RBAC mutation paths. It carries the
// permission cache as an explicit dependency so that every mutation that
// changes memberships or role assignments invalidates the matching entries
// in the same call, keeping the staleness window at zero for the writer.
type Service struct {
	store      Store
	cache      PermissionCache
	bcryptCost int
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) ServiceOption {
	return func(s *Service) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			s.bcryptCost = cost
		}
	}
}

// NewService constructs a Service.
func NewService(store Store, cache PermissionCache, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if cache == nil {
		return nil, errors.New("auth: permission cache is required")
	}
	s := &Service{store: store, cache: cache, bcryptCost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// EnsureCatalog seeds the permission catalog and system roles at startup.
// The catalog is closed: runtime checks are validated against it, so an
// unknown permission string fails before it ever reaches the store.
func (s *Service) EnsureCatalog(ctx context.Context) error {
	if err := s.store.Permissions().Ensure(ctx, Catalog); err != nil {
		return fmt.Errorf("ensure permissions: %w", err)
	}
	for name, keys := range SystemRolePermissions {
		role, err := s.store.Roles().FindByName(ctx, "", name)
		if errors.Is(err, ErrNotFound) {
			role = &Role{Name: name, Description: "System role"}
			if err := s.store.Roles().Create(ctx, role); err != nil {
				return fmt.Errorf("create system role %s: %w", name, err)
			}
		} else if err != nil {
			return err
		}
		if err := s.store.Permissions().SetForRole(ctx, role.ID, keys); err != nil {
			return fmt.Errorf("set permissions for role %s: %w", name, err)
		}
	}
	return nil
}

// Register creates a user together with their first organization and grants
// the owner role within it.
func (s *Service) Register(ctx context.Context, email, password, organizationName string) (*User, *Organization, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if strings.TrimSpace(password) == "" {
		return nil, nil, fmt.Errorf("%w: password is required", ErrInvalidInput)
	}
	hash, err := HashPassword(password, s.bcryptCost)
	if err != nil {
		return nil, nil, err
	}
	user := &User{Email: email, PasswordHash: hash, Active: true}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, nil, err
	}
	org, err := s.CreateOrganization(ctx, user.ID, organizationName)
	if err != nil {
		return nil, nil, err
	}
	return user, org, nil
}

// RegisterFederated creates or reuses an account for a verified external
// identity. The provider handshake happens upstream; by the time this is
// called the (provider, subject, email) triple is trusted.
func (s *Service) RegisterFederated(ctx context.Context, provider, subject, email string) (*User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if provider == "" || subject == "" || email == "" {
		return nil, fmt.Errorf("%w: provider, subject and email are required", ErrInvalidInput)
	}

	// A known (provider, subject) pair is an existing login, regardless of
	// what email the provider reports today.
	if fi, err := s.store.FederatedIdentities().Find(ctx, provider, subject); err == nil {
		return s.store.Users().Find(ctx, fi.UserID)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	user, err := s.store.Users().FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		user = &User{Email: email, Active: true}
		if err := s.store.Users().Create(ctx, user); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	link := &FederatedIdentity{UserID: user.ID, Provider: provider, Subject: subject}
	if err := s.store.FederatedIdentities().Create(ctx, link); err != nil && !errors.Is(err, ErrAlreadyExists) {
		return nil, err
	}
	return user, nil
}

// CreateOrganization creates a tenant with the creator as owning member and
// grants them the owner system role.
func (s *Service) CreateOrganization(ctx context.Context, userID, name string) (*Organization, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	org := &Organization{Name: name, Slug: Slugify(name), Active: true}
	if err := s.store.Organizations().Create(ctx, org); err != nil {
		return nil, err
	}
	if err := s.AddMember(ctx, userID, org.ID, true); err != nil {
		return nil, err
	}
	if err := s.GrantRoleByName(ctx, userID, org.ID, SystemRoleOrgOwner); err != nil {
		return nil, err
	}
	return org, nil
}

// AddMember joins a user to an organization.
func (s *Service) AddMember(ctx context.Context, userID, organizationID string, owner bool) error {
	m := &Membership{UserID: userID, OrganizationID: organizationID, Owner: owner}
	if err := s.store.Memberships().Create(ctx, m); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, userID, organizationID)
	return nil
}

// RemoveMember removes a user from an organization along with all their
// role assignments there.
func (s *Service) RemoveMember(ctx context.Context, userID, organizationID string) error {
	assignments, err := s.store.Roles().Assignments(ctx, userID, organizationID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if err := s.store.Roles().Unassign(ctx, userID, a.RoleID, organizationID); err != nil {
			return err
		}
	}
	if err := s.store.Memberships().Delete(ctx, userID, organizationID); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, userID, organizationID)
	return nil
}

// CreateRole creates a tenant-scoped role with the given permission keys.
func (s *Service) CreateRole(ctx context.Context, organizationID, name, description string, keys []string) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	if err := ValidatePermissionKeys(keys); err != nil {
		return nil, err
	}
	role := &Role{OrganizationID: organizationID, Name: name, Description: strings.TrimSpace(description)}
	if err := s.store.Roles().Create(ctx, role); err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		if err := s.store.Permissions().SetForRole(ctx, role.ID, keys); err != nil {
			return nil, err
		}
	}
	return role, nil
}

// GrantRole assigns a role to a member within an organization.
func (s *Service) GrantRole(ctx context.Context, userID, roleID, organizationID string) error {
	if _, err := s.store.Memberships().Find(ctx, userID, organizationID); err != nil {
		return err
	}
	err := s.store.Roles().Assign(ctx, RoleAssignment{
		UserID:         userID,
		RoleID:         roleID,
		OrganizationID: organizationID,
	})
	if err != nil {
		return err
	}
	s.cache.Invalidate(ctx, userID, organizationID)
	return nil
}

// GrantRoleByName resolves a role by name (tenant role first, then system
// role) and assigns it.
func (s *Service) GrantRoleByName(ctx context.Context, userID, organizationID, name string) error {
	role, err := s.store.Roles().FindByName(ctx, organizationID, name)
	if err != nil {
		return err
	}
	return s.GrantRole(ctx, userID, role.ID, organizationID)
}

// RevokeRole removes a role assignment.
func (s *Service) RevokeRole(ctx context.Context, userID, roleID, organizationID string) error {
	if err := s.store.Roles().Unassign(ctx, userID, roleID, organizationID); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, userID, organizationID)
	return nil
}

// DeactivateUser marks the account inactive and revokes every live session.
// Permission cache entries for the user are dropped across all tenants.
func (s *Service) DeactivateUser(ctx context.Context, userID string) error {
	if err := s.store.Users().SetActive(ctx, userID, false); err != nil {
		return err
	}
	if err := s.store.RefreshTokens().RevokeAllForUser(ctx, userID); err != nil {
		return err
	}
	s.cache.InvalidateUser(ctx, userID)
	return nil
}

// Slugify lowercases a name and collapses every non-alphanumeric run into a
// single hyphen.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
