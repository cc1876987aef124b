package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPGStore(db), mock
}

func TestRevokeIsConditionalOnLiveRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("update refresh_tokens set revoked_at=now\\(\\) where digest=\\$1 and revoked_at is null").
		WithArgs("digest-a").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.RefreshTokens().Revoke(context.Background(), "digest-a"); err != nil {
		t.Fatalf("Revoke live row: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRevokeAlreadyRevokedRow(t *testing.T) {
	store, mock := newMockStore(t)

	// Zero affected rows means the row was already revoked or never existed;
	// the caller maps that to ErrTokenInvalid.
	mock.ExpectExec("update refresh_tokens set revoked_at=now\\(\\)").
		WithArgs("digest-b").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.RefreshTokens().Revoke(context.Background(), "digest-b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for dead row, got %v", err)
	}
}

func TestFindByDigestScansRevokedAt(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	revoked := now.Add(-time.Minute)

	cols := []string{"id", "user_id", "digest", "expires_at", "created_at", "revoked_at"}
	mock.ExpectQuery("select id, user_id, digest, expires_at, created_at, revoked_at from refresh_tokens").
		WithArgs("digest-live").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("tok-1", "user-1", "digest-live", now.Add(time.Hour), now, nil))
	mock.ExpectQuery("select id, user_id, digest, expires_at, created_at, revoked_at from refresh_tokens").
		WithArgs("digest-dead").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("tok-2", "user-1", "digest-dead", now.Add(time.Hour), now, revoked))

	live, err := store.RefreshTokens().FindByDigest(context.Background(), "digest-live")
	if err != nil {
		t.Fatalf("FindByDigest live: %v", err)
	}
	if live.Revoked() {
		t.Fatalf("null revoked_at must scan as a live token")
	}

	dead, err := store.RefreshTokens().FindByDigest(context.Background(), "digest-dead")
	if err != nil {
		t.Fatalf("FindByDigest dead: %v", err)
	}
	if !dead.Revoked() || !dead.RevokedAt.Equal(revoked) {
		t.Fatalf("expected revoked token with timestamp %v, got %+v", revoked, dead)
	}
}

func TestFindByDigestUnknown(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, user_id, digest, expires_at, created_at, revoked_at from refresh_tokens").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.RefreshTokens().FindByDigest(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateUserMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into users").
		WithArgs(sqlmock.AnyArg(), "dana@example.com", sqlmock.AnyArg(), true).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Users().Create(context.Background(), &User{Email: "dana@example.com", Active: true})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestCreateMembershipMapsForeignKeyViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into memberships").
		WithArgs("user-1", "org-missing", false).
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := store.Memberships().Create(context.Background(), &Membership{UserID: "user-1", OrganizationID: "org-missing"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStoreErrMapsConnectionFailures(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"no rows", sql.ErrNoRows, ErrNotFound},
		{"deadline", context.DeadlineExceeded, ErrTransientStore},
		{"canceled", context.Canceled, ErrTransientStore},
		{"pg connection exception", &pgconn.PgError{Code: "08006"}, ErrTransientStore},
		{"unique", &pgconn.PgError{Code: "23505"}, ErrAlreadyExists},
		{"foreign key", &pgconn.PgError{Code: "23503"}, ErrInvalidInput},
	}
	for _, tc := range cases {
		if got := storeErr(tc.in); !errors.Is(got, tc.want) {
			t.Errorf("%s: storeErr(%v) = %v, want %v", tc.name, tc.in, got, tc.want)
		}
	}
	if storeErr(nil) != nil {
		t.Errorf("storeErr(nil) must be nil")
	}
}

func TestSetForRoleReplacesInsideTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("delete from role_permissions where role_id=\\$1").
		WithArgs("role-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("insert into role_permissions").
		WithArgs("role-1", PermEventRead).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into role_permissions").
		WithArgs("role-1", PermEventManage).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Permissions().SetForRole(context.Background(), "role-1", []string{PermEventRead, PermEventManage})
	if err != nil {
		t.Fatalf("SetForRole: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindRoleByNamePrefersTenantRole(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	cols := []string{"id", "organization_id", "name", "description", "created_at", "updated_at"}
	mock.ExpectQuery("select id, organization_id, name, description, created_at, updated_at from roles").
		WithArgs("org-1", "planner").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("role-1", "org-1", "planner", "", now, now))

	role, err := store.Roles().FindByName(context.Background(), "org-1", "planner")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if role.OrganizationID != "org-1" {
		t.Fatalf("expected tenant role, got %+v", role)
	}
}

func TestFindRoleByNameFallsBackToSystemRole(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	cols := []string{"id", "organization_id", "name", "description", "created_at", "updated_at"}
	mock.ExpectQuery("select id, organization_id, name, description, created_at, updated_at from roles").
		WithArgs("org-1", SystemRoleOrgOwner).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("role-sys", nil, SystemRoleOrgOwner, "System role", now, now))

	role, err := store.Roles().FindByName(context.Background(), "org-1", SystemRoleOrgOwner)
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if role.OrganizationID != "" {
		t.Fatalf("system role must carry an empty organization id, got %q", role.OrganizationID)
	}
}
