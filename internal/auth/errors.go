package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedCredential indicates a token that could not be parsed.
	ErrMalformedCredential = errors.New("auth: malformed credential")
	// ErrExpiredCredential indicates a well-formed token past its expiry.
	ErrExpiredCredential = errors.New("auth: expired credential")
	// ErrBadSignature indicates a token whose signature did not verify.
	ErrBadSignature = errors.New("auth: bad signature")
	// ErrTokenInvalid covers revoked, unknown and reused refresh tokens.
	// Callers cannot distinguish the three cases.
	ErrTokenInvalid = errors.New("auth: invalid token")
	// ErrInvalidCredentials indicates a failed email/password login without
	// saying which part was wrong.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrAccountInactive indicates the referenced account was deactivated.
	ErrAccountInactive = errors.New("auth: account inactive")
	// ErrOrganizationContextRequired indicates no tenant context could be
	// bound for a route that needs one.
	ErrOrganizationContextRequired = errors.New("auth: organization context required")
	// ErrForbidden indicates the caller lacks a required permission or role.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrTransientStore indicates a timeout or connection failure against the
	// backing store. Idempotent reads may be retried; Rotate must not be.
	ErrTransientStore = errors.New("auth: transient store failure")

	ErrNotFound      = errors.New("auth: not found")
	ErrAlreadyExists = errors.New("auth: already exists")
	ErrInvalidInput  = errors.New("auth: invalid input")
)

// PermissionError reports a failed permission check along with the names
// that were required. The list is for diagnostics only.
type PermissionError struct {
	Required []string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("auth: forbidden, requires %s", strings.Join(e.Required, ", "))
}

func (e *PermissionError) Unwrap() error { return ErrForbidden }

// TransientError wraps a store failure so the calling layer can decide on
// retry policy via errors.Is(err, ErrTransientStore).
func TransientError(err error) error {
	return fmt.Errorf("%w: %v", ErrTransientStore, err)
}
