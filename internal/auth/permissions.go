package auth

import "slices"

// Permission is a named capability.
type Permission string

// Permissions.
const (
	PermEntityRead   Permission = "entity:read"
	PermEntityDelete Permission = "entity:delete"
	PermSyncRetry    Permission = "sync:retry"
	PermSyncFlush    Permission = "sync:flush"
	PermAuditRead    Permission = "audit:read"
)

var rolePermissions = map[Role][]Permission{
	RoleViewer: {PermEntityRead, PermAuditRead},
	RoleOperator: {
		PermEntityRead,
		PermEntityDelete,
		PermSyncRetry,
		PermSyncFlush,
		PermAuditRead,
	},
}

// HasPermission reports whether role grants perm.
func HasPermission(role Role, perm Permission) bool {
	return slices.Contains(rolePermissions[role], perm)
}

// PermissionsForRole returns a copy of the permissions of role, or nil.
func PermissionsForRole(role Role) []Permission {
	return slices.Clone(rolePermissions[role])
}
