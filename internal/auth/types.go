package auth

import "time"

// Organization is the tenant boundary for data and permissions.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User represents an account holder. Accounts are deactivated, never deleted.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FederatedIdentity links a user to a verified external identity provider
// subject. The provider exchange itself happens outside this package.
type FederatedIdentity struct {
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership joins a user to an organization. Each membership is independent;
// a user may belong to any number of organizations.
type Membership struct {
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	Owner          bool      `json:"owner"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Role groups permissions. A role with an empty OrganizationID is a
// system-wide role; otherwise it belongs to that tenant.
type Role struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Permission is an atomic capability from the global catalog.
type Permission struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoleAssignment grants a user a role within a specific organization.
type RoleAssignment struct {
	UserID         string    `json:"user_id"`
	RoleID         string    `json:"role_id"`
	OrganizationID string    `json:"organization_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// RefreshToken is the persisted record of an issued refresh credential.
// Only the digest is stored, never the raw token value.
type RefreshToken struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Digest    string     `json:"-"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the record has been soft-revoked.
func (t *RefreshToken) Revoked() bool {
	return t.RevokedAt != nil
}

// TokenPair carries a freshly minted access/refresh credential pair.
type TokenPair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// ExpiresIn returns the access token lifetime in whole seconds measured
// from now, as surfaced to HTTP clients.
func (p TokenPair) ExpiresIn(now time.Time) int64 {
	d := p.AccessExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return int64(d.Seconds())
}
