package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Lifecycle issues, rotates and revokes token pairs. Rotation is at-most-once
// per presented refresh token: the revocation is a conditional update in the
// token store, so of two concurrent rotations exactly one wins and the loser
// fails with ErrTokenInvalid.
type Lifecycle struct {
	codec *Codec
	store Store
	now   func() time.Time
}

// LifecycleOption configures Lifecycle behavior.
type LifecycleOption func(*Lifecycle)

// WithLifecycleClock overrides the time source (useful for tests).
func WithLifecycleClock(fn func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLifecycle constructs a Lifecycle over the given codec and store.
func NewLifecycle(codec *Codec, store Store, opts ...LifecycleOption) (*Lifecycle, error) {
	if codec == nil {
		return nil, errors.New("auth: codec is required")
	}
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	l := &Lifecycle{codec: codec, store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Login authenticates email/password credentials and issues a fresh pair.
// Every credential failure collapses to ErrInvalidCredentials so callers
// cannot probe which part was wrong.
func (l *Lifecycle) Login(ctx context.Context, email, password string) (TokenPair, *User, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	user, err := l.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, nil, ErrInvalidCredentials
		}
		return TokenPair{}, nil, err
	}
	if !user.Active {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return TokenPair{}, nil, ErrInvalidCredentials
	}
	pair, err := l.IssueSession(ctx, user, "")
	if err != nil {
		return TokenPair{}, nil, err
	}
	return pair, user, nil
}

// IssueSession mints a token pair for an already verified identity,
// optionally bound to an organization, and persists the refresh token digest.
func (l *Lifecycle) IssueSession(ctx context.Context, user *User, organizationID string) (TokenPair, error) {
	if user == nil || strings.TrimSpace(user.ID) == "" {
		return TokenPair{}, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	return l.mint(ctx, user, organizationID)
}

// Rotate exchanges a valid refresh token for a new pair and revokes the
// presented one. A missing, expired, revoked or replayed token all fail with
// the same ErrTokenInvalid.
func (l *Lifecycle) Rotate(ctx context.Context, presented string) (TokenPair, error) {
	claims, err := l.codec.Verify(presented, TokenKindRefresh)
	if err != nil {
		return TokenPair{}, ErrTokenInvalid
	}

	tokens := l.store.RefreshTokens()
	record, err := tokens.FindByDigest(ctx, l.codec.Digest(presented))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrTokenInvalid
		}
		return TokenPair{}, err
	}
	if record.Revoked() || l.now().After(record.ExpiresAt) {
		return TokenPair{}, ErrTokenInvalid
	}
	if record.UserID != claims.Subject {
		return TokenPair{}, ErrTokenInvalid
	}

	user, err := l.store.Users().Find(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrTokenInvalid
		}
		return TokenPair{}, err
	}
	if !user.Active {
		return TokenPair{}, ErrTokenInvalid
	}

	// Conditional revoke: the loser of a concurrent rotation stops here.
	if err := tokens.Revoke(ctx, record.Digest); err != nil {
		if errors.Is(err, ErrNotFound) {
			return TokenPair{}, ErrTokenInvalid
		}
		return TokenPair{}, err
	}

	return l.mint(ctx, user, claims.OrganizationID)
}

// Revoke terminates sessions. With a presented token only that record is
// revoked; without one every live record for the user is revoked (global
// logout). Revoking an already revoked or unknown token is a no-op.
func (l *Lifecycle) Revoke(ctx context.Context, userID, presented string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	tokens := l.store.RefreshTokens()
	if presented == "" {
		return tokens.RevokeAllForUser(ctx, userID)
	}
	digest := l.codec.Digest(presented)
	record, err := tokens.FindByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if record.UserID != userID || record.Revoked() {
		return nil
	}
	if err := tokens.Revoke(ctx, digest); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (l *Lifecycle) mint(ctx context.Context, user *User, organizationID string) (TokenPair, error) {
	accessToken, accessExp, err := l.codec.IssueAccess(user.ID, user.Email, organizationID)
	if err != nil {
		return TokenPair{}, err
	}
	refreshToken, refreshExp, err := l.codec.IssueRefresh(user.ID, user.Email, organizationID)
	if err != nil {
		return TokenPair{}, err
	}
	rec := &RefreshToken{
		UserID:    user.ID,
		Digest:    l.codec.Digest(refreshToken),
		ExpiresAt: refreshExp,
	}
	if err := l.store.RefreshTokens().Create(ctx, rec); err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}
