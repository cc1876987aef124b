package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer     = "planora"
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 14 * 24 * time.Hour
)

// TokenKind discriminates access from refresh credentials so one can never
// be presented in place of the other.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindRefresh TokenKind = "refresh"
)

// Claims is the signed claim set carried by both token kinds.
type Claims struct {
	Email          string    `json:"email,omitempty"`
	OrganizationID string    `json:"org,omitempty"`
	TokenType      TokenKind `json:"token_type"`
	jwt.RegisteredClaims
}

// Codec signs and verifies access and refresh tokens. It is stateless:
// verification never consults the token store, revocation is checked one
// layer up so the two conditions stay independently testable.
type Codec struct {
	secret     []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// CodecOption configures Codec behavior.
type CodecOption func(*Codec)

// WithIssuer overrides the iss claim.
func WithIssuer(issuer string) CodecOption {
	return func(c *Codec) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			c.issuer = issuer
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) {
		if ttl > 0 {
			c.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) {
		if ttl > 0 {
			c.refreshTTL = ttl
		}
	}
}

// WithCodecClock overrides the time source (useful for tests).
func WithCodecClock(fn func() time.Time) CodecOption {
	return func(c *Codec) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewCodec constructs a Codec signing with HS256 over the given secret.
func NewCodec(secret string, opts ...CodecOption) (*Codec, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	c := &Codec{
		secret:     []byte(secret),
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration { return c.accessTTL }

// RefreshTTL returns the configured refresh token lifetime.
func (c *Codec) RefreshTTL() time.Duration { return c.refreshTTL }

// IssueAccess signs a short-lived access token for the user, optionally
// bound to an organization.
func (c *Codec) IssueAccess(userID, email, organizationID string) (string, time.Time, error) {
	return c.issue(TokenKindAccess, userID, email, organizationID, c.accessTTL)
}

// IssueRefresh signs a longer-lived refresh token. The caller is responsible
// for persisting its digest.
func (c *Codec) IssueRefresh(userID, email, organizationID string) (string, time.Time, error) {
	return c.issue(TokenKindRefresh, userID, email, organizationID, c.refreshTTL)
}

func (c *Codec) issue(kind TokenKind, userID, email, organizationID string, ttl time.Duration) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	now := c.now().UTC()
	exp := now.Add(ttl)
	claims := Claims{
		Email:          strings.TrimSpace(strings.ToLower(email)),
		OrganizationID: strings.TrimSpace(organizationID),
		TokenType:      kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, expiry and token kind. It returns
// ErrMalformedCredential, ErrExpiredCredential or ErrBadSignature; callers
// closer to the wire collapse all three into a generic unauthorized reply.
func (c *Codec) Verify(token string, kind TokenKind) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMalformedCredential
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(c.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(func() time.Time { return c.now().UTC() }),
	)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredCredential
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		default:
			return nil, ErrMalformedCredential
		}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformedCredential
	}
	if claims.TokenType != kind {
		return nil, ErrMalformedCredential
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrMalformedCredential
	}
	return claims, nil
}

// Digest returns the one-way fixed-length key under which a refresh token
// is persisted, so raw token values never reach durable storage.
func (c *Codec) Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
