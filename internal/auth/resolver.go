package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Resolver computes the permission set a user holds within one organization
// by walking role assignments. A user with no assignments resolves to the
// empty set, not an error.
type Resolver struct {
	store Store
}

// NewResolver constructs a Resolver over the given store.
func NewResolver(store Store) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	return &Resolver{store: store}, nil
}

// Resolve returns the union of permissions granted through every role the
// user holds in the organization.
func (r *Resolver) Resolve(ctx context.Context, userID, organizationID string) (PermissionSet, error) {
	userID = strings.TrimSpace(userID)
	organizationID = strings.TrimSpace(organizationID)
	if userID == "" || organizationID == "" {
		return nil, fmt.Errorf("%w: user id and organization id are required", ErrInvalidInput)
	}

	assignments, err := r.store.Roles().Assignments(ctx, userID, organizationID)
	if err != nil {
		return nil, err
	}
	set := make(PermissionSet)
	perms := r.store.Permissions()
	for _, a := range assignments {
		list, err := perms.PermissionsForRole(ctx, a.RoleID)
		if err != nil {
			return nil, err
		}
		for _, p := range list {
			set[p.Key] = struct{}{}
		}
	}
	return set, nil
}
