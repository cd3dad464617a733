package auth

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownRole is returned when a string does not name a Role
	ErrUnknownRole = errors.New("unknown role")
	// ErrInvalidSubRole is returned for a sub-role outside the staff specializations
	ErrInvalidSubRole = errors.New("invalid staff sub-role")
	// ErrSubRoleOutsideStaff is returned when a sub-role is attached to a non-staff primary role
	ErrSubRoleOutsideStaff = errors.New("staff sub-role set on a non-staff profile")
)

// Role is the effective authorization identity of a session
type Role string

// Primary roles
const (
	RoleStudent    Role = "student"
	RoleStaff      Role = "staff"
	RoleSuperAdmin Role = "superadmin"
	RolePartner    Role = "partner"
	RoleAdmin      Role = "admin"
)

// Staff sub-roles. A profile carrying one of these resolves to it instead of RoleStaff.
const (
	RoleOperationsManager  Role = "operations_manager"
	RoleReservationist     Role = "reservationist"
	RoleAccountant         Role = "accountant"
	RoleFrontDesk          Role = "front_desk"
	RoleMaintenanceOfficer Role = "maintenance_officer"
	RoleHousekeeper        Role = "housekeeper"
)

var primaryRoles = []Role{RoleStudent, RoleStaff, RoleSuperAdmin, RolePartner, RoleAdmin}

var staffSubRoles = []Role{
	RoleOperationsManager,
	RoleReservationist,
	RoleAccountant,
	RoleFrontDesk,
	RoleMaintenanceOfficer,
	RoleHousekeeper,
}

// AllRoles returns every Role, primary roles first
func AllRoles() []Role {
	out := make([]Role, 0, len(primaryRoles)+len(staffSubRoles))
	out = append(out, primaryRoles...)
	return append(out, staffSubRoles...)
}

// StaffSubRoles returns the six staff specializations
func StaffSubRoles() []Role {
	return append([]Role(nil), staffSubRoles...)
}

// ParseRole converts a string to a Role
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Valid reports whether r is one of the closed set of roles
func (r Role) Valid() bool {
	for _, known := range primaryRoles {
		if r == known {
			return true
		}
	}
	return r.IsStaffSubRole()
}

// IsStaffSubRole reports whether r is one of the six staff specializations
func (r Role) IsStaffSubRole() bool {
	for _, sub := range staffSubRoles {
		if r == sub {
			return true
		}
	}
	return false
}

// IsStaffFamily reports whether r belongs in the admin area:
// staff, superadmin, admin and every staff sub-role.
func (r Role) IsStaffFamily() bool {
	switch r {
	case RoleStaff, RoleSuperAdmin, RoleAdmin:
		return true
	}
	return r.IsStaffSubRole()
}

func (r Role) String() string {
	return string(r)
}

// Roles is a static allowed-role set declared by a protected route
type Roles []Role

// Contains reports whether r is a member of the set
func (rs Roles) Contains(r Role) bool {
	for _, candidate := range rs {
		if candidate == r {
			return true
		}
	}
	return false
}
