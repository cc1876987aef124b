package auth

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation. It backs tests and the
// dev-mode server when no database is configured. Revoke mirrors the
// conditional-update contract of the SQL implementation.
type MemStore struct {
	mu          sync.Mutex
	seq         int
	users       map[string]*User
	identities  map[string]*FederatedIdentity
	orgs        map[string]*Organization
	memberships map[string]*Membership
	roles       map[string]*Role
	assignments []RoleAssignment
	perms       map[string]*Permission
	rolePerms   map[string][]string
	tokens      map[string]*RefreshToken
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[string]*User),
		identities:  make(map[string]*FederatedIdentity),
		orgs:        make(map[string]*Organization),
		memberships: make(map[string]*Membership),
		roles:       make(map[string]*Role),
		perms:       make(map[string]*Permission),
		rolePerms:   make(map[string][]string),
		tokens:      make(map[string]*RefreshToken),
	}
}

func (s *MemStore) nextID(prefix string) string {
	s.seq++
	return prefix + "-" + strconv.Itoa(s.seq)
}

func (s *MemStore) Users() UserStore                            { return (*memUsers)(s) }
func (s *MemStore) FederatedIdentities() FederatedIdentityStore { return (*memIdentities)(s) }
func (s *MemStore) Organizations() OrganizationStore            { return (*memOrgs)(s) }
func (s *MemStore) Memberships() MembershipStore                { return (*memMemberships)(s) }
func (s *MemStore) Roles() RoleStore                            { return (*memRoles)(s) }
func (s *MemStore) Permissions() PermissionStore                { return (*memPerms)(s) }
func (s *MemStore) RefreshTokens() RefreshTokenStore            { return (*memTokens)(s) }

type memUsers MemStore

func (s *memUsers) Create(_ context.Context, u *User) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	if u.ID == "" {
		u.ID = st.nextID("user")
	}
	cp := *u
	st.users[u.ID] = &cp
	return nil
}

func (s *memUsers) Find(_ context.Context, id string) (*User, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memUsers) FindByEmail(_ context.Context, email string) (*User, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, u := range st.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *memUsers) SetActive(_ context.Context, id string, active bool) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	u, ok := st.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Active = active
	return nil
}

type memIdentities MemStore

func identityKey(provider, subject string) string { return provider + "/" + subject }

func (s *memIdentities) Create(_ context.Context, fi *FederatedIdentity) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	key := identityKey(fi.Provider, fi.Subject)
	if _, ok := st.identities[key]; ok {
		return ErrAlreadyExists
	}
	cp := *fi
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	st.identities[key] = &cp
	return nil
}

func (s *memIdentities) Find(_ context.Context, provider, subject string) (*FederatedIdentity, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	fi, ok := st.identities[identityKey(provider, subject)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *fi
	return &cp, nil
}

type memOrgs MemStore

func (s *memOrgs) Create(_ context.Context, org *Organization) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	if org.ID == "" {
		org.ID = st.nextID("org")
	}
	cp := *org
	st.orgs[org.ID] = &cp
	return nil
}

func (s *memOrgs) Find(_ context.Context, id string) (*Organization, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	org, ok := st.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *org
	return &cp, nil
}

func (s *memOrgs) FindBySlug(_ context.Context, slug string) (*Organization, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, org := range st.orgs {
		if org.Slug == slug {
			cp := *org
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

type memMemberships MemStore

func membershipKey(userID, orgID string) string { return userID + "/" + orgID }

func (s *memMemberships) Create(_ context.Context, m *Membership) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	key := membershipKey(m.UserID, m.OrganizationID)
	if _, ok := st.memberships[key]; ok {
		return ErrAlreadyExists
	}
	cp := *m
	if cp.JoinedAt.IsZero() {
		cp.JoinedAt = time.Now()
	}
	st.memberships[key] = &cp
	return nil
}

func (s *memMemberships) Find(_ context.Context, userID, orgID string) (*Membership, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	m, ok := st.memberships[membershipKey(userID, orgID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *memMemberships) Delete(_ context.Context, userID, orgID string) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	key := membershipKey(userID, orgID)
	if _, ok := st.memberships[key]; !ok {
		return ErrNotFound
	}
	delete(st.memberships, key)
	return nil
}

func (s *memMemberships) ListForUser(_ context.Context, userID string) ([]Membership, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []Membership
	for _, m := range st.memberships {
		if m.UserID == userID {
			out = append(out, *m)
		}
	}
	return out, nil
}

type memRoles MemStore

func (s *memRoles) Create(_ context.Context, role *Role) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	if role.ID == "" {
		role.ID = st.nextID("role")
	}
	cp := *role
	st.roles[role.ID] = &cp
	return nil
}

func (s *memRoles) Find(_ context.Context, id string) (*Role, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	role, ok := st.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (s *memRoles) FindByName(_ context.Context, orgID, name string) (*Role, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	var system *Role
	for _, role := range st.roles {
		if role.Name != name {
			continue
		}
		if role.OrganizationID == orgID && orgID != "" {
			cp := *role
			return &cp, nil
		}
		if role.OrganizationID == "" {
			system = role
		}
	}
	if system != nil {
		cp := *system
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (s *memRoles) Assign(_ context.Context, a RoleAssignment) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, existing := range st.assignments {
		if existing.UserID == a.UserID && existing.RoleID == a.RoleID && existing.OrganizationID == a.OrganizationID {
			return nil
		}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	st.assignments = append(st.assignments, a)
	return nil
}

func (s *memRoles) Unassign(_ context.Context, userID, roleID, orgID string) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.assignments[:0]
	for _, a := range st.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.OrganizationID == orgID {
			continue
		}
		out = append(out, a)
	}
	st.assignments = out
	return nil
}

func (s *memRoles) Assignments(_ context.Context, userID, orgID string) ([]RoleAssignment, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []RoleAssignment
	for _, a := range st.assignments {
		if a.UserID == userID && a.OrganizationID == orgID {
			out = append(out, a)
		}
	}
	return out, nil
}

type memPerms MemStore

func (s *memPerms) Ensure(_ context.Context, perms []Permission) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, p := range perms {
		if _, ok := st.perms[p.Key]; ok {
			continue
		}
		cp := p
		if cp.ID == "" {
			cp.ID = st.nextID("perm")
		}
		st.perms[p.Key] = &cp
	}
	return nil
}

func (s *memPerms) List(_ context.Context) ([]Permission, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []Permission
	for _, p := range st.perms {
		out = append(out, *p)
	}
	return out, nil
}

func (s *memPerms) SetForRole(_ context.Context, roleID string, keys []string) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rolePerms[roleID] = append([]string(nil), keys...)
	return nil
}

func (s *memPerms) PermissionsForRole(_ context.Context, roleID string) ([]Permission, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []Permission
	for _, key := range st.rolePerms[roleID] {
		if p, ok := st.perms[key]; ok {
			out = append(out, *p)
		} else {
			out = append(out, Permission{Key: key})
		}
	}
	return out, nil
}

type memTokens MemStore

func (s *memTokens) Create(_ context.Context, tok *RefreshToken) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	if tok.ID == "" {
		tok.ID = st.nextID("tok")
	}
	cp := *tok
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	st.tokens[tok.Digest] = &cp
	return nil
}

func (s *memTokens) FindByDigest(_ context.Context, digest string) (*RefreshToken, error) {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	tok, ok := st.tokens[digest]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tok
	return &cp, nil
}

func (s *memTokens) Revoke(_ context.Context, digest string) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	tok, ok := st.tokens[digest]
	if !ok || tok.RevokedAt != nil {
		return ErrNotFound
	}
	now := time.Now()
	tok.RevokedAt = &now
	return nil
}

func (s *memTokens) RevokeAllForUser(_ context.Context, userID string) error {
	st := (*MemStore)(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	for _, tok := range st.tokens {
		if tok.UserID == userID && tok.RevokedAt == nil {
			t := now
			tok.RevokedAt = &t
		}
	}
	return nil
}

var _ Store = (*MemStore)(nil)
