package auth

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"planora.io/internal/ids"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users() UserStore                            { return &userStore{db: s.db} }
func (s *PGStore) FederatedIdentities() FederatedIdentityStore { return &identityStore{db: s.db} }
func (s *PGStore) Organizations() OrganizationStore            { return &orgStore{db: s.db} }
func (s *PGStore) Memberships() MembershipStore                { return &membershipStore{db: s.db} }
func (s *PGStore) Roles() RoleStore                            { return &roleStore{db: s.db} }
func (s *PGStore) Permissions() PermissionStore                { return &permissionStore{db: s.db} }
func (s *PGStore) RefreshTokens() RefreshTokenStore            { return &refreshTokenStore{db: s.db} }

// storeErr maps driver failures onto the package error taxonomy. Timeouts
// and connection errors become ErrTransientStore so callers can apply their
// retry policy; constraint violations become the matching sentinel.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return TransientError(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return TransientError(err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return ErrAlreadyExists
		case pgErrForeignKeyViolation:
			return ErrInvalidInput
		}
		// Class 08 covers connection exceptions.
		if strings.HasPrefix(pgErr.Code, "08") {
			return TransientError(err)
		}
	}
	return err
}

// User store ---------------------------------------------------------------
type userStore struct{ db *sql.DB }

func (s *userStore) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into users(id, email, password_hash, active) values($1,$2,$3,$4)`,
		u.ID, u.Email, u.PasswordHash, u.Active,
	)
	return storeErr(err)
}

func (s *userStore) Find(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, active, created_at, updated_at from users where id=$1`, id)
	return scanUser(row)
}

func (s *userStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, email, password_hash, active, created_at, updated_at from users where email=$1`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Active, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, storeErr(err)
	}
	return &u, nil
}

func (s *userStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`update users set active=$2, updated_at=now() where id=$1`, id, active)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Federated identity store -------------------------------------------------
type identityStore struct{ db *sql.DB }

func (s *identityStore) Create(ctx context.Context, fi *FederatedIdentity) error {
	_, err := s.db.ExecContext(ctx,
		`insert into federated_identities(user_id, provider, subject) values($1,$2,$3)`,
		fi.UserID, fi.Provider, fi.Subject,
	)
	return storeErr(err)
}

func (s *identityStore) Find(ctx context.Context, provider, subject string) (*FederatedIdentity, error) {
	row := s.db.QueryRowContext(ctx,
		`select user_id, provider, subject, created_at from federated_identities
		 where provider=$1 and subject=$2`, provider, subject)
	var fi FederatedIdentity
	if err := row.Scan(&fi.UserID, &fi.Provider, &fi.Subject, &fi.CreatedAt); err != nil {
		return nil, storeErr(err)
	}
	return &fi, nil
}

// Organization store -------------------------------------------------------
type orgStore struct{ db *sql.DB }

func (s *orgStore) Create(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into organizations(id, name, slug, active) values($1,$2,$3,$4)`,
		org.ID, org.Name, org.Slug, org.Active,
	)
	return storeErr(err)
}

func (s *orgStore) Find(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, slug, active, created_at, updated_at from organizations where id=$1`, id)
	return scanOrganization(row)
}

func (s *orgStore) FindBySlug(ctx context.Context, slug string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, name, slug, active, created_at, updated_at from organizations where slug=$1`, slug)
	return scanOrganization(row)
}

func scanOrganization(row *sql.Row) (*Organization, error) {
	var org Organization
	if err := row.Scan(&org.ID, &org.Name, &org.Slug, &org.Active, &org.CreatedAt, &org.UpdatedAt); err != nil {
		return nil, storeErr(err)
	}
	return &org, nil
}

// Membership store ---------------------------------------------------------
type membershipStore struct{ db *sql.DB }

func (s *membershipStore) Create(ctx context.Context, m *Membership) error {
	_, err := s.db.ExecContext(ctx,
		`insert into memberships(user_id, organization_id, owner) values($1,$2,$3)`,
		m.UserID, m.OrganizationID, m.Owner,
	)
	return storeErr(err)
}

func (s *membershipStore) Find(ctx context.Context, userID, organizationID string) (*Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`select user_id, organization_id, owner, joined_at from memberships
		 where user_id=$1 and organization_id=$2`, userID, organizationID)
	var m Membership
	if err := row.Scan(&m.UserID, &m.OrganizationID, &m.Owner, &m.JoinedAt); err != nil {
		return nil, storeErr(err)
	}
	return &m, nil
}

func (s *membershipStore) Delete(ctx context.Context, userID, organizationID string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from memberships where user_id=$1 and organization_id=$2`, userID, organizationID)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *membershipStore) ListForUser(ctx context.Context, userID string) ([]Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`select user_id, organization_id, owner, joined_at from memberships
		 where user_id=$1 order by joined_at`, userID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var result []Membership
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.UserID, &m.OrganizationID, &m.Owner, &m.JoinedAt); err != nil {
			return nil, storeErr(err)
		}
		result = append(result, m)
	}
	return result, storeErr(rows.Err())
}

// Role store ---------------------------------------------------------------
type roleStore struct{ db *sql.DB }

func (s *roleStore) Create(ctx context.Context, role *Role) error {
	if role.ID == "" {
		role.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into roles(id, organization_id, name, description) values($1,$2,$3,$4)`,
		role.ID, nullableString(role.OrganizationID), role.Name, role.Description,
	)
	return storeErr(err)
}

func (s *roleStore) Find(ctx context.Context, id string) (*Role, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, organization_id, name, description, created_at, updated_at from roles where id=$1`, id)
	return scanRole(row)
}

func (s *roleStore) FindByName(ctx context.Context, organizationID, name string) (*Role, error) {
	// System roles have no organization; tenant roles shadow them by name.
	row := s.db.QueryRowContext(ctx,
		`select id, organization_id, name, description, created_at, updated_at from roles
		 where name=$2 and (organization_id=$1 or organization_id is null)
		 order by organization_id nulls last limit 1`, nullableString(organizationID), name)
	return scanRole(row)
}

func scanRole(row *sql.Row) (*Role, error) {
	var (
		role  Role
		orgID sql.NullString
	)
	if err := row.Scan(&role.ID, &orgID, &role.Name, &role.Description, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return nil, storeErr(err)
	}
	role.OrganizationID = orgID.String
	return &role, nil
}

func (s *roleStore) Assign(ctx context.Context, a RoleAssignment) error {
	_, err := s.db.ExecContext(ctx,
		`insert into role_assignments(user_id, role_id, organization_id)
		 values($1,$2,$3) on conflict do nothing`,
		a.UserID, a.RoleID, a.OrganizationID,
	)
	return storeErr(err)
}

func (s *roleStore) Unassign(ctx context.Context, userID, roleID, organizationID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from role_assignments where user_id=$1 and role_id=$2 and organization_id=$3`,
		userID, roleID, organizationID,
	)
	return storeErr(err)
}

func (s *roleStore) Assignments(ctx context.Context, userID, organizationID string) ([]RoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`select user_id, role_id, organization_id, created_at from role_assignments
		 where user_id=$1 and organization_id=$2`, userID, organizationID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var result []RoleAssignment
	for rows.Next() {
		var a RoleAssignment
		if err := rows.Scan(&a.UserID, &a.RoleID, &a.OrganizationID, &a.CreatedAt); err != nil {
			return nil, storeErr(err)
		}
		result = append(result, a)
	}
	return result, storeErr(rows.Err())
}

// Permission store ---------------------------------------------------------
type permissionStore struct{ db *sql.DB }

func (s *permissionStore) Ensure(ctx context.Context, perms []Permission) error {
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		_, err := s.db.ExecContext(ctx,
			`insert into permissions(id, key, description) values($1,$2,$3) on conflict (key) do nothing`,
			p.ID, p.Key, p.Description,
		)
		if err != nil {
			return storeErr(err)
		}
	}
	return nil
}

func (s *permissionStore) List(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select id, key, description, created_at from permissions order by key`)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.CreatedAt); err != nil {
			return nil, storeErr(err)
		}
		perms = append(perms, p)
	}
	return perms, storeErr(rows.Err())
}

func (s *permissionStore) SetForRole(ctx context.Context, roleID string, keys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id=$1`, roleID); err != nil {
		return storeErr(err)
	}
	for _, key := range keys {
		_, err := tx.ExecContext(ctx,
			`insert into role_permissions(role_id, permission_id)
			 select $1, id from permissions where key=$2`, roleID, key,
		)
		if err != nil {
			return storeErr(err)
		}
	}
	return storeErr(tx.Commit())
}

func (s *permissionStore) PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx,
		`select p.id, p.key, p.description, p.created_at from permissions p
		 join role_permissions rp on rp.permission_id=p.id where rp.role_id=$1`, roleID)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.ID, &p.Key, &p.Description, &p.CreatedAt); err != nil {
			return nil, storeErr(err)
		}
		perms = append(perms, p)
	}
	return perms, storeErr(rows.Err())
}

// Refresh token store ------------------------------------------------------
type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, tok *RefreshToken) error {
	if tok.ID == "" {
		tok.ID = ids.New()
	}
	_, err := s.db.ExecContext(ctx,
		`insert into refresh_tokens(id, user_id, digest, expires_at) values($1,$2,$3,$4)`,
		tok.ID, tok.UserID, tok.Digest, tok.ExpiresAt,
	)
	return storeErr(err)
}

func (s *refreshTokenStore) FindByDigest(ctx context.Context, digest string) (*RefreshToken, error) {
	row := s.db.QueryRowContext(ctx,
		`select id, user_id, digest, expires_at, created_at, revoked_at from refresh_tokens where digest=$1`,
		digest)
	var (
		tok       RefreshToken
		revokedAt sql.NullTime
	)
	if err := row.Scan(&tok.ID, &tok.UserID, &tok.Digest, &tok.ExpiresAt, &tok.CreatedAt, &revokedAt); err != nil {
		return nil, storeErr(err)
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		tok.RevokedAt = &t
	}
	return &tok, nil
}

// Revoke marks a live record revoked. The revoked_at is null predicate makes
// the update a compare-and-set: concurrent callers race on it and only one
// observes an affected row.
func (s *refreshTokenStore) Revoke(ctx context.Context, digest string) error {
	res, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=now() where digest=$1 and revoked_at is null`, digest)
	if err != nil {
		return storeErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *refreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked_at=now() where user_id=$1 and revoked_at is null`, userID)
	return storeErr(err)
}

func nullableString(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
