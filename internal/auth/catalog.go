package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Permission keys. The catalog is closed: every key checked at runtime must
// appear here, and EnsureCatalog seeds the backing store at startup.
const (
	PermAdminAccess = "admin:access"

	PermEventRead   = "event:read"
	PermEventManage = "event:manage"

	PermCostRead   = "cost:read"
	PermCostManage = "cost:manage"

	PermIncentiveRead   = "incentive:read"
	PermIncentiveManage = "incentive:manage"

	PermOrganizationRead          = "organization:read"
	PermOrganizationManageMembers = "organization:manage_members"
	PermOrganizationManageRoles   = "organization:manage_roles"
)

// Catalog lists every permission the service recognises.
var Catalog = []Permission{
	{Key: PermAdminAccess, Description: "Unconditional access to every operation"},
	{Key: PermEventRead, Description: "View events"},
	{Key: PermEventManage, Description: "Create, update and delete events"},
	{Key: PermCostRead, Description: "View cost entries"},
	{Key: PermCostManage, Description: "Create, update and delete cost entries"},
	{Key: PermIncentiveRead, Description: "View incentives"},
	{Key: PermIncentiveManage, Description: "Create, update and delete incentives"},
	{Key: PermOrganizationRead, Description: "View organization details"},
	{Key: PermOrganizationManageMembers, Description: "Add and remove organization members"},
	{Key: PermOrganizationManageRoles, Description: "Create roles and grant them to members"},
}

// SystemRoleOrgOwner is granted to the creator of an organization.
const SystemRoleOrgOwner = "org_owner"

// SystemRolePermissions maps system-wide role names to their permission keys.
var SystemRolePermissions = map[string][]string{
	SystemRoleOrgOwner: {
		PermEventRead, PermEventManage,
		PermCostRead, PermCostManage,
		PermIncentiveRead, PermIncentiveManage,
		PermOrganizationRead, PermOrganizationManageMembers, PermOrganizationManageRoles,
	},
	"org_member": {
		PermEventRead, PermCostRead, PermIncentiveRead, PermOrganizationRead,
	},
}

// KnownPermission reports whether key belongs to the catalog.
func KnownPermission(key string) bool {
	for _, p := range Catalog {
		if p.Key == key {
			return true
		}
	}
	return false
}

// ValidatePermissionKeys rejects any key outside the catalog so that broken
// permission strings fail loudly at mutation time instead of silently never
// matching at check time.
func ValidatePermissionKeys(keys []string) error {
	for _, key := range keys {
		if !KnownPermission(key) {
			return fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, key)
		}
	}
	return nil
}

// PermissionSet is the resolved set of permission keys a user holds within
// one organization.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from keys, trimming empties.
func NewPermissionSet(keys ...string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	return set
}

// Has reports membership of a single key.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// HasAll reports whether every key is present.
func (s PermissionSet) HasAll(keys ...string) bool {
	for _, key := range keys {
		if !s.Has(key) {
			return false
		}
	}
	return true
}

// HasAny reports whether at least one key is present.
func (s PermissionSet) HasAny(keys ...string) bool {
	for _, key := range keys {
		if s.Has(key) {
			return true
		}
	}
	return false
}

// Sorted returns the keys in lexicographic order.
func (s PermissionSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
