package rbac

import "strings"

// Role is a staff authorization tier. The numeric value is the privilege level.
// Keep these stable; they are part of auth/RBAC contracts.
type Role int

const (
	RoleNew        Role = 1
	RoleSupport    Role = 2
	RoleManager    Role = 3
	RoleAdmin      Role = 4
	RoleSuperAdmin Role = 5
)

var roleNames = map[Role]string{
	RoleNew:        "new",
	RoleSupport:    "support",
	RoleManager:    "manager",
	RoleAdmin:      "admin",
	RoleSuperAdmin: "superadmin",
}

// AllRoles returns every role ordered from least to most privileged.
func AllRoles() []Role {
	return []Role{RoleNew, RoleSupport, RoleManager, RoleAdmin, RoleSuperAdmin}
}

// ParseRole maps a role name to its Role. Names are matched case-insensitively.
func ParseRole(name string) (Role, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for r, n := range roleNames {
		if n == name {
			return r, true
		}
	}
	return 0, false
}

func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return "unknown"
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// Level returns the privilege level of r. Undefined roles have level 0.
func Level(r Role) int {
	if !r.Valid() {
		return 0
	}
	return int(r)
}

// CanManage reports whether a strictly outranks b.
// Equal ranks, including a user compared with themself, cannot manage each other.
func CanManage(a, b Role) bool {
	la := Level(a)
	if la == 0 {
		return false
	}
	return la > Level(b)
}
