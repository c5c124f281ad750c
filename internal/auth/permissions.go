package auth

import (
	"slices"
	"sort"
)

// Built-in roles seeded by migrations.
const (
	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleUser      = "user"
)

// Built-in permissions seeded by migrations.
const (
	PermissionAll         = "*"
	PermUsersRead         = "users:read"
	PermUsersWrite        = "users:write"
	PermUsersDelete       = "users:delete"
	PermRolesRead         = "roles:read"
	PermRolesAssign       = "roles:assign"
	PermAuditRead         = "audit:read"
	PermSessionsRevoke    = "sessions:revoke"
	PermProfileRead       = "profile:read"
	PermProfileUpdateOwn  = "profile:update:own"
	PermFilesUploadOwn    = "files:upload:own"
	PermFilesDeleteOwn    = "files:delete:own"
	PermFilesReadAny      = "files:read"
	PermFilesDeleteAny    = "files:delete"
	PermKeysRotate        = "keys:rotate"
	PermSessionsReadOwn   = "sessions:read:own"
	PermSessionsRevokeOwn = "sessions:revoke:own"
)

// MaterializePermissions flattens the permissions of roles, expanding "*"
// to every permission in catalog. The result is sorted and deduplicated.
func MaterializePermissions(roles []Role, catalog []Permission) []string {
	set := make(map[string]struct{})
	wildcard := false
	for _, r := range roles {
		for _, p := range r.Permissions {
			if p == PermissionAll {
				wildcard = true
				continue
			}
			set[p] = struct{}{}
		}
	}
	if wildcard {
		for _, p := range catalog {
			if p.Name == PermissionAll || p.Name == "" {
				continue
			}
			set[p.Name] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// RoleNames returns the sorted, deduplicated names of roles.
func RoleNames(roles []Role) []string {
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if r.Name == "" || slices.Contains(names, r.Name) {
			continue
		}
		names = append(names, r.Name)
	}
	sort.Strings(names)
	return names
}
