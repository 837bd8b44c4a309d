package auth

import "strings"

// Role represents a user role.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Permission names one protected telemetry action.
type Permission string

const (
	PermissionReadHistory     Permission = "telemetry:read"
	PermissionExportHistory   Permission = "telemetry:export"
	PermissionStreamRecords   Permission = "telemetry:stream"
	PermissionSubmitTelemetry Permission = "telemetry:submit"
	PermissionReadDeadLetters Permission = "dead-letters:read"
)

// permissionRoles is the lowest role granted each permission.
var permissionRoles = map[Permission]Role{
	PermissionReadHistory:     RoleViewer,
	PermissionExportHistory:   RoleViewer,
	PermissionStreamRecords:   RoleViewer,
	PermissionSubmitTelemetry: RoleOperator,
	PermissionReadDeadLetters: RoleAdmin,
}

// roleAliases maps token role names used by producers and dashboards.
var roleAliases = map[string]Role{
	"producer":  RoleOperator,
	"device":    RoleOperator,
	"dashboard": RoleViewer,
}

// NormalizeRole validates and normalizes a role string. Matching ignores case.
func NormalizeRole(value string) (Role, bool) {
	value = strings.ToLower(strings.TrimSpace(value))
	switch Role(value) {
	case RoleViewer, RoleOperator, RoleAdmin:
		return Role(value), true
	}
	if role, ok := roleAliases[value]; ok {
		return role, true
	}
	return "", false
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return roleRank(role) >= roleRank(required)
}

// RoleFor returns the lowest role holding perm. Unknown permissions need admin.
func RoleFor(perm Permission) Role {
	if role, ok := permissionRoles[perm]; ok {
		return role
	}
	return RoleAdmin
}

// Allows reports whether role holds perm.
func Allows(role Role, perm Permission) bool {
	return roleRank(role) > 0 && RoleAtLeast(role, RoleFor(perm))
}

func roleRank(role Role) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}
